package expr

import (
	"math"
	"strconv"
	"strings"

	"quizflow-service/internal/variables"
)

const (
	// MaxStringResult bounds strings produced by concatenation.
	MaxStringResult = 4096
	// MaxArrayResult bounds arrays produced by concatenation or list literals.
	MaxArrayResult = 256
	// MaxExponent bounds integer exponentiation.
	MaxExponent = 1024
)

// Resolver supplies declared variable values. Both variables.Store and
// variables.Snapshot satisfy it.
type Resolver interface {
	Lookup(name string) (variables.Value, bool)
}

// Env is everything an expression may read.
type Env struct {
	Vars Resolver
	// Answer is bound to the name "answer" when non-nil.
	Answer *variables.Value
	// API holds the decoded body of the last response of each integration.
	API map[string]any
}

type evaluator struct {
	env Env
}

// eval is the whitelist dispatcher: every node kind it does not list fails closed.
func (e *evaluator) eval(n Node) (variables.Value, error) {
	switch n := n.(type) {
	case *Literal:
		return n.Value, nil
	case *Name:
		return e.name(n)
	case *Attribute:
		return e.dotted(n)
	case *List:
		return e.list(n)
	case *Unary:
		return e.unary(n)
	case *Binary:
		return e.binary(n)
	case *Compare:
		return e.compare(n)
	case *BoolOp:
		return e.boolOp(n)
	default:
		return variables.Value{}, disallowed(n)
	}
}

func disallowed(n Node) error {
	return errorf(ErrDisallowedConstruct, n.Pos(), "%s is not permitted", constructName(n))
}

func constructName(n Node) string {
	switch n.(type) {
	case *Call:
		return "function call"
	case *Subscript:
		return "subscript"
	case *Comprehension:
		return "comprehension"
	case *Conditional:
		return "conditional expression"
	case *Assign:
		return "assignment"
	case *Lambda:
		return "lambda"
	case *Attribute:
		return "attribute access"
	}
	return "construct"
}

func (e *evaluator) name(n *Name) (variables.Value, error) {
	if n.ID == "answer" {
		if e.env.Answer == nil {
			return variables.Value{}, errorf(ErrUnauthorizedVariable, n.At, "answer is not bound here")
		}
		return *e.env.Answer, nil
	}
	if e.env.Vars != nil {
		if v, ok := e.env.Vars.Lookup(n.ID); ok {
			return v, nil
		}
	}
	return variables.Value{}, errorf(ErrUnauthorizedVariable, n.At, "%q is not declared", n.ID)
}

func (e *evaluator) dotted(n *Attribute) (variables.Value, error) {
	path, ok := dottedPath(n)
	if !ok {
		return variables.Value{}, disallowed(n)
	}
	switch path[0] {
	case "variables":
		if len(path) != 2 {
			return variables.Value{}, disallowed(n)
		}
		return e.name(&Name{At: n.At, ID: path[1]})
	case "api":
		return e.apiPath(n.At, path[1:])
	}
	return variables.Value{}, disallowed(n)
}

func (e *evaluator) apiPath(at int, path []string) (variables.Value, error) {
	raw, ok := e.env.API[path[0]]
	if !ok {
		return variables.Value{}, errorf(ErrUnknownReference, at, "no result for integration %q", path[0])
	}
	v, found := Walk(raw, path[1:])
	if !found {
		return variables.Value{}, errorf(ErrUnknownReference, at, "api.%s not found", strings.Join(path, "."))
	}
	val, err := variables.FromAny(v)
	if err != nil {
		return variables.Value{}, errorf(ErrType, at, "api.%s is not a scalar or list", strings.Join(path, "."))
	}
	return val, nil
}

// Walk follows a dotted path through decoded JSON. Numeric segments index arrays.
func Walk(raw any, path []string) (any, bool) {
	cur := raw
	for _, seg := range path {
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(t) {
				return nil, false
			}
			cur = t[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func (e *evaluator) list(n *List) (variables.Value, error) {
	if len(n.Elems) > MaxArrayResult {
		return variables.Value{}, errorf(ErrLimit, n.At, "list literal longer than %d", MaxArrayResult)
	}
	items := make([]variables.Value, 0, len(n.Elems))
	for _, el := range n.Elems {
		v, err := e.eval(el)
		if err != nil {
			return variables.Value{}, err
		}
		items = append(items, v)
	}
	return variables.Array(items...), nil
}

func (e *evaluator) unary(n *Unary) (variables.Value, error) {
	x, err := e.eval(n.X)
	if err != nil {
		return variables.Value{}, err
	}
	switch n.Op {
	case "not":
		return variables.Bool(!x.Truthy()), nil
	case "-":
		if i, ok := x.Int(); ok {
			if i == math.MinInt64 {
				return variables.Value{}, errorf(ErrLimit, n.At, "integer overflow")
			}
			return variables.Int(-i), nil
		}
		if f, ok := x.Number(); ok {
			return variables.Float(-f), nil
		}
	case "+":
		if x.IsNumber() {
			return x, nil
		}
	}
	return variables.Value{}, errorf(ErrType, n.At, "bad operand for unary %s: %s", n.Op, x.Kind())
}

func (e *evaluator) binary(n *Binary) (variables.Value, error) {
	x, err := e.eval(n.X)
	if err != nil {
		return variables.Value{}, err
	}
	y, err := e.eval(n.Y)
	if err != nil {
		return variables.Value{}, err
	}
	return arith(n.At, n.Op, x, y)
}

func (e *evaluator) compare(n *Compare) (variables.Value, error) {
	left, err := e.eval(n.First)
	if err != nil {
		return variables.Value{}, err
	}
	for i, op := range n.Ops {
		right, err := e.eval(n.Rest[i])
		if err != nil {
			return variables.Value{}, err
		}
		ok, err := compareValues(n.At, op, left, right)
		if err != nil {
			return variables.Value{}, err
		}
		if !ok {
			return variables.Bool(false), nil
		}
		left = right
	}
	return variables.Bool(true), nil
}

// boolOp short-circuits and yields the deciding operand.
func (e *evaluator) boolOp(n *BoolOp) (variables.Value, error) {
	var v variables.Value
	for _, operand := range n.Values {
		var err error
		v, err = e.eval(operand)
		if err != nil {
			return variables.Value{}, err
		}
		if n.Op == "and" && !v.Truthy() {
			return v, nil
		}
		if n.Op == "or" && v.Truthy() {
			return v, nil
		}
	}
	return v, nil
}

func compareValues(at int, op string, x, y variables.Value) (bool, error) {
	switch op {
	case "==":
		return x.Equal(y), nil
	case "!=":
		return !x.Equal(y), nil
	case "in", "not in":
		found, err := contains(at, y, x)
		if err != nil {
			return false, err
		}
		return found == (op == "in"), nil
	case "<", "<=", ">", ">=":
		c, err := order(at, x, y)
		if err != nil {
			return false, err
		}
		switch op {
		case "<":
			return c < 0, nil
		case "<=":
			return c <= 0, nil
		case ">":
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	}
	return false, errorf(ErrDisallowedConstruct, at, "operator %q is not permitted", op)
}

func contains(at int, container, item variables.Value) (bool, error) {
	if items, ok := container.Items(); ok {
		for _, it := range items {
			if it.Equal(item) {
				return true, nil
			}
		}
		return false, nil
	}
	if s, ok := container.Str(); ok {
		sub, ok := item.Str()
		if !ok {
			return false, errorf(ErrType, at, "'in <string>' requires a string operand, got %s", item.Kind())
		}
		return strings.Contains(s, sub), nil
	}
	return false, errorf(ErrType, at, "%s is not a container", container.Kind())
}

func order(at int, x, y variables.Value) (int, error) {
	if xi, ok := x.Int(); ok {
		if yi, ok := y.Int(); ok {
			switch {
			case xi < yi:
				return -1, nil
			case xi > yi:
				return 1, nil
			}
			return 0, nil
		}
	}
	if xf, ok := x.Number(); ok {
		if yf, ok := y.Number(); ok {
			switch {
			case xf < yf:
				return -1, nil
			case xf > yf:
				return 1, nil
			}
			return 0, nil
		}
	}
	if xs, ok := x.Str(); ok {
		if ys, ok := y.Str(); ok {
			return strings.Compare(xs, ys), nil
		}
	}
	return 0, errorf(ErrType, at, "cannot order %s and %s", x.Kind(), y.Kind())
}

func arith(at int, op string, x, y variables.Value) (variables.Value, error) {
	if op == "+" {
		if xs, ok := x.Str(); ok {
			ys, ok := y.Str()
			if !ok {
				return variables.Value{}, errorf(ErrType, at, "cannot add %s to string", y.Kind())
			}
			if len(xs)+len(ys) > MaxStringResult {
				return variables.Value{}, errorf(ErrLimit, at, "string result longer than %d", MaxStringResult)
			}
			return variables.String(xs + ys), nil
		}
		if xa, ok := x.Items(); ok {
			ya, ok := y.Items()
			if !ok {
				return variables.Value{}, errorf(ErrType, at, "cannot add %s to array", y.Kind())
			}
			if len(xa)+len(ya) > MaxArrayResult {
				return variables.Value{}, errorf(ErrLimit, at, "array result longer than %d", MaxArrayResult)
			}
			return variables.Array(append(xa, ya...)...), nil
		}
	}
	if !x.IsNumber() || !y.IsNumber() {
		return variables.Value{}, errorf(ErrType, at, "unsupported operands for %s: %s and %s", op, x.Kind(), y.Kind())
	}
	xi, xInt := x.Int()
	yi, yInt := y.Int()
	if xInt && yInt {
		return intArith(at, op, xi, yi)
	}
	xf, _ := x.Number()
	yf, _ := y.Number()
	return floatArith(at, op, xf, yf)
}

func intArith(at int, op string, x, y int64) (variables.Value, error) {
	overflow := func() (variables.Value, error) {
		return variables.Value{}, errorf(ErrLimit, at, "integer overflow")
	}
	switch op {
	case "+":
		r := x + y
		if (r > x) != (y > 0) {
			return overflow()
		}
		return variables.Int(r), nil
	case "-":
		r := x - y
		if (r < x) != (y > 0) {
			return overflow()
		}
		return variables.Int(r), nil
	case "*":
		if x == 0 || y == 0 {
			return variables.Int(0), nil
		}
		r := x * y
		if r/y != x || (x == -1 && y == math.MinInt64) || (y == -1 && x == math.MinInt64) {
			return overflow()
		}
		return variables.Int(r), nil
	case "/":
		return floatArith(at, op, float64(x), float64(y))
	case "%":
		if y == 0 {
			return variables.Value{}, errorf(ErrDivisionByZero, at, "modulo by zero")
		}
		if y == -1 {
			return variables.Int(0), nil
		}
		r := x % y
		if r != 0 && (r < 0) != (y < 0) {
			r += y
		}
		return variables.Int(r), nil
	case "**":
		if y < 0 {
			return floatArith(at, op, float64(x), float64(y))
		}
		if y > MaxExponent {
			return variables.Value{}, errorf(ErrLimit, at, "exponent larger than %d", MaxExponent)
		}
		switch x {
		case 0, 1:
			if y == 0 {
				return variables.Int(1), nil
			}
			return variables.Int(x), nil
		case -1:
			if y%2 == 0 {
				return variables.Int(1), nil
			}
			return variables.Int(-1), nil
		}
		result := int64(1)
		for i := int64(0); i < y; i++ {
			next := result * x
			if next/x != result {
				return overflow()
			}
			result = next
		}
		return variables.Int(result), nil
	}
	return variables.Value{}, errorf(ErrDisallowedConstruct, at, "operator %q is not permitted", op)
}

func floatArith(at int, op string, x, y float64) (variables.Value, error) {
	var r float64
	switch op {
	case "+":
		r = x + y
	case "-":
		r = x - y
	case "*":
		r = x * y
	case "/":
		if y == 0 {
			return variables.Value{}, errorf(ErrDivisionByZero, at, "division by zero")
		}
		r = x / y
	case "%":
		if y == 0 {
			return variables.Value{}, errorf(ErrDivisionByZero, at, "modulo by zero")
		}
		r = math.Mod(x, y)
		if r != 0 && (r < 0) != (y < 0) {
			r += y
		}
	case "**":
		if x == 0 && y < 0 {
			return variables.Value{}, errorf(ErrDivisionByZero, at, "zero raised to a negative power")
		}
		r = math.Pow(x, y)
	default:
		return variables.Value{}, errorf(ErrDisallowedConstruct, at, "operator %q is not permitted", op)
	}
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return variables.Value{}, errorf(ErrLimit, at, "result is not a finite number")
	}
	return variables.Float(r), nil
}
