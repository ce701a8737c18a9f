package expr

import "quizflow-service/internal/variables"

// Node is a parsed expression tree node. The parser accepts more than the
// evaluator allows; anything the evaluator does not list is rejected.
type Node interface {
	Pos() int
}

type (
	// Literal is a number, string, boolean or null constant.
	Literal struct {
		At    int
		Value variables.Value
	}

	// Name is a bare identifier.
	Name struct {
		At int
		ID string
	}

	// Attribute is X.Name.
	Attribute struct {
		At   int
		X    Node
		Name string
	}

	// Subscript is X[Index].
	Subscript struct {
		At    int
		X     Node
		Index Node
	}

	// Call is Fun(Args...).
	Call struct {
		At   int
		Fun  Node
		Args []Node
	}

	// List is [Elems...].
	List struct {
		At    int
		Elems []Node
	}

	// Comprehension is [Elem for Var in Iter].
	Comprehension struct {
		At   int
		Elem Node
		Var  string
		Iter Node
	}

	// Unary is Op X for "-", "+" and "not".
	Unary struct {
		At int
		Op string
		X  Node
	}

	// Binary is X Op Y for arithmetic operators.
	Binary struct {
		At int
		Op string
		X  Node
		Y  Node
	}

	// Compare is a comparison chain: First Ops[0] Rest[0] Ops[1] Rest[1] ...
	Compare struct {
		At    int
		First Node
		Ops   []string
		Rest  []Node
	}

	// BoolOp is a chain of "and" or "or".
	BoolOp struct {
		At     int
		Op     string
		Values []Node
	}

	// Conditional is Then if Cond else Else.
	Conditional struct {
		At   int
		Cond Node
		Then Node
		Else Node
	}

	// Assign is Target = Value.
	Assign struct {
		At     int
		Target Node
		Value  Node
	}

	// Lambda is lambda Params: Body.
	Lambda struct {
		At     int
		Params []string
		Body   Node
	}
)

func (n *Literal) Pos() int       { return n.At }
func (n *Name) Pos() int          { return n.At }
func (n *Attribute) Pos() int     { return n.At }
func (n *Subscript) Pos() int     { return n.At }
func (n *Call) Pos() int          { return n.At }
func (n *List) Pos() int          { return n.At }
func (n *Comprehension) Pos() int { return n.At }
func (n *Unary) Pos() int         { return n.At }
func (n *Binary) Pos() int        { return n.At }
func (n *Compare) Pos() int       { return n.At }
func (n *BoolOp) Pos() int        { return n.At }
func (n *Conditional) Pos() int   { return n.At }
func (n *Assign) Pos() int        { return n.At }
func (n *Lambda) Pos() int        { return n.At }

// dottedPath flattens a chain of attributes rooted at a name, e.g. api.weather.temp.
func dottedPath(n Node) ([]string, bool) {
	switch t := n.(type) {
	case *Name:
		return []string{t.ID}, true
	case *Attribute:
		head, ok := dottedPath(t.X)
		if !ok {
			return nil, false
		}
		return append(head, t.Name), true
	}
	return nil, false
}
