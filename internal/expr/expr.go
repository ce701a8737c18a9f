// Package expr evaluates the restricted expression language used in quiz
// conditions, update rules and transitions.
//
// The grammar covers literals, variable references, the bound name "answer",
// dotted lookups into "variables" and "api" results, arithmetic, comparison,
// membership and boolean operators. Anything else parses but fails closed with
// ErrDisallowedConstruct, both when a quiz is compiled and at evaluation time.
package expr

import (
	"sort"

	"quizflow-service/internal/variables"
)

// Expression is a parsed and statically checked expression.
type Expression struct {
	src        string
	root       Node
	names      []string
	apis       []string
	usesAnswer bool
}

// Compile parses src and walks the tree with the same whitelist the evaluator
// uses, so disallowed constructs are reported before anything runs.
func Compile(src string) (*Expression, error) {
	root, err := Parse(src)
	if err != nil {
		return nil, err
	}
	c := &checker{names: map[string]struct{}{}, apis: map[string]struct{}{}}
	if err := c.check(root); err != nil {
		return nil, err
	}
	return &Expression{
		src:        src,
		root:       root,
		names:      sortedKeys(c.names),
		apis:       sortedKeys(c.apis),
		usesAnswer: c.answer,
	}, nil
}

// MustCompile is Compile for expressions known at build time.
func MustCompile(src string) *Expression {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expression) String() string { return e.src }

// Variables lists the declared-variable names the expression reads.
func (e *Expression) Variables() []string { return e.names }

// Integrations lists integration ids referenced through api.<id>.
func (e *Expression) Integrations() []string { return e.apis }

// UsesAnswer reports whether the expression reads the answer binding.
func (e *Expression) UsesAnswer() bool { return e.usesAnswer }

// Eval evaluates the expression. It never mutates env.
func (e *Expression) Eval(env Env) (variables.Value, error) {
	ev := &evaluator{env: env}
	return ev.eval(e.root)
}

// EvalBool evaluates the expression and reports its truthiness.
func (e *Expression) EvalBool(env Env) (bool, error) {
	v, err := e.Eval(env)
	if err != nil {
		return false, err
	}
	return v.Truthy(), nil
}

// Evaluate compiles and evaluates src in one step.
func Evaluate(src string, env Env) (variables.Value, error) {
	e, err := Compile(src)
	if err != nil {
		return variables.Value{}, err
	}
	return e.Eval(env)
}

type checker struct {
	names  map[string]struct{}
	apis   map[string]struct{}
	answer bool
}

func (c *checker) check(n Node) error {
	switch n := n.(type) {
	case *Literal:
		return nil
	case *Name:
		if n.ID == "answer" {
			c.answer = true
			return nil
		}
		c.names[n.ID] = struct{}{}
		return nil
	case *Attribute:
		path, ok := dottedPath(n)
		if !ok {
			return disallowed(n)
		}
		switch {
		case path[0] == "variables" && len(path) == 2:
			if path[1] == "answer" {
				return disallowed(n)
			}
			c.names[path[1]] = struct{}{}
			return nil
		case path[0] == "api" && len(path) >= 2:
			c.apis[path[1]] = struct{}{}
			return nil
		}
		return disallowed(n)
	case *List:
		for _, el := range n.Elems {
			if err := c.check(el); err != nil {
				return err
			}
		}
		return nil
	case *Unary:
		return c.check(n.X)
	case *Binary:
		switch n.Op {
		case "+", "-", "*", "/", "%", "**":
		default:
			return errorf(ErrDisallowedConstruct, n.At, "operator %q is not permitted", n.Op)
		}
		if err := c.check(n.X); err != nil {
			return err
		}
		return c.check(n.Y)
	case *Compare:
		for _, op := range n.Ops {
			if op == "is" || op == "is not" {
				return errorf(ErrDisallowedConstruct, n.At, "operator %q is not permitted", op)
			}
		}
		if err := c.check(n.First); err != nil {
			return err
		}
		for _, r := range n.Rest {
			if err := c.check(r); err != nil {
				return err
			}
		}
		return nil
	case *BoolOp:
		for _, v := range n.Values {
			if err := c.check(v); err != nil {
				return err
			}
		}
		return nil
	}
	return disallowed(n)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
