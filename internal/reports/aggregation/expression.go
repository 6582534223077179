package aggregation

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"

	"carbon-scribe/analytics-engine/internal/records"
	"carbon-scribe/analytics-engine/pkg/errdefs"
)

// Expression is a compiled compute/project expression.
type Expression struct {
	src    string
	root   node
	fields []string
}

// Fields lists the field paths the expression reads, in first-use order.
func (e *Expression) Fields() []string { return e.fields }

// Eval evaluates the expression against one record. A null operand makes
// arithmetic yield null; use coalesce to substitute a value.
func (e *Expression) Eval(r records.Record) (any, error) {
	return e.root.eval(r)
}

func (e *Expression) String() string { return e.src }

var functionArity = map[string][2]int{
	"abs":      {1, 1},
	"floor":    {1, 1},
	"ceil":     {1, 1},
	"round":    {1, 2},
	"min":      {1, -1},
	"max":      {1, -1},
	"coalesce": {1, -1},
}

// CompileExpression parses src using Go expression syntax: arithmetic
// operators, parentheses, numeric and double-quoted string literals,
// true/false/null, dotted field paths and the built-in functions.
func CompileExpression(src string) (*Expression, error) {
	parsed, err := parser.ParseExpr(src)
	if err != nil {
		return nil, errdefs.Validation("expr", "invalid_expression", "cannot parse %q: %v", src, err)
	}
	c := &compiler{src: src, seen: map[string]bool{}}
	root, err := c.compile(parsed)
	if err != nil {
		return nil, err
	}
	return &Expression{src: src, root: root, fields: c.fields}, nil
}

type compiler struct {
	src    string
	fields []string
	seen   map[string]bool
}

func (c *compiler) fail(format string, args ...any) error {
	return errdefs.Validation("expr", "invalid_expression", "%s: %s", c.src, fmt.Sprintf(format, args...))
}

func (c *compiler) compile(n ast.Expr) (node, error) {
	switch x := n.(type) {
	case *ast.BasicLit:
		switch x.Kind {
		case token.INT, token.FLOAT:
			f, err := strconv.ParseFloat(x.Value, 64)
			if err != nil {
				return nil, c.fail("bad number %s", x.Value)
			}
			return literal{f}, nil
		case token.STRING:
			s, err := strconv.Unquote(x.Value)
			if err != nil {
				return nil, c.fail("bad string %s", x.Value)
			}
			return literal{s}, nil
		}
		return nil, c.fail("unsupported literal %s", x.Value)
	case *ast.Ident:
		switch x.Name {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null", "nil":
			return literal{nil}, nil
		}
		return c.field(x.Name), nil
	case *ast.SelectorExpr:
		path, ok := selectorPath(x)
		if !ok {
			return nil, c.fail("unsupported field path")
		}
		return c.field(path), nil
	case *ast.ParenExpr:
		return c.compile(x.X)
	case *ast.UnaryExpr:
		operand, err := c.compile(x.X)
		if err != nil {
			return nil, err
		}
		switch x.Op {
		case token.SUB:
			return negate{operand}, nil
		case token.ADD:
			return operand, nil
		}
		return nil, c.fail("unsupported unary operator %s", x.Op)
	case *ast.BinaryExpr:
		switch x.Op {
		case token.ADD, token.SUB, token.MUL, token.QUO, token.REM:
		default:
			return nil, c.fail("unsupported operator %s", x.Op)
		}
		left, err := c.compile(x.X)
		if err != nil {
			return nil, err
		}
		right, err := c.compile(x.Y)
		if err != nil {
			return nil, err
		}
		return binary{op: x.Op, left: left, right: right}, nil
	case *ast.CallExpr:
		ident, ok := x.Fun.(*ast.Ident)
		if !ok {
			return nil, c.fail("unsupported function call")
		}
		arity, ok := functionArity[ident.Name]
		if !ok {
			return nil, c.fail("unknown function %s", ident.Name)
		}
		if len(x.Args) < arity[0] || (arity[1] >= 0 && len(x.Args) > arity[1]) {
			return nil, c.fail("wrong number of arguments to %s", ident.Name)
		}
		args := make([]node, len(x.Args))
		for i, a := range x.Args {
			compiled, err := c.compile(a)
			if err != nil {
				return nil, err
			}
			args[i] = compiled
		}
		return call{name: ident.Name, args: args}, nil
	}
	return nil, c.fail("unsupported expression")
}

func (c *compiler) field(path string) node {
	if !c.seen[path] {
		c.seen[path] = true
		c.fields = append(c.fields, path)
	}
	return fieldRef{path}
}

func selectorPath(x *ast.SelectorExpr) (string, bool) {
	switch inner := x.X.(type) {
	case *ast.Ident:
		return inner.Name + "." + x.Sel.Name, true
	case *ast.SelectorExpr:
		prefix, ok := selectorPath(inner)
		return prefix + "." + x.Sel.Name, ok
	}
	return "", false
}

type node interface {
	eval(r records.Record) (any, error)
}

type literal struct{ v any }

func (l literal) eval(records.Record) (any, error) { return l.v, nil }

type fieldRef struct{ path string }

func (f fieldRef) eval(r records.Record) (any, error) {
	v, _ := records.Get(r, f.path)
	return v, nil
}

type negate struct{ operand node }

func (n negate) eval(r records.Record) (any, error) {
	v, err := n.operand.eval(r)
	if err != nil || v == nil {
		return nil, err
	}
	f, ok := records.Number(v)
	if !ok {
		return nil, fmt.Errorf("cannot negate %T", v)
	}
	return -f, nil
}

type binary struct {
	op          token.Token
	left, right node
}

func (b binary) eval(r records.Record) (any, error) {
	lv, err := b.left.eval(r)
	if err != nil {
		return nil, err
	}
	rv, err := b.right.eval(r)
	if err != nil {
		return nil, err
	}
	if lv == nil || rv == nil {
		return nil, nil
	}

	if b.op == token.ADD {
		ls, lok := lv.(string)
		rs, rok := rv.(string)
		if lok && rok {
			return ls + rs, nil
		}
	}

	x, okX := records.Number(lv)
	y, okY := records.Number(rv)
	if !okX || !okY {
		return nil, fmt.Errorf("type mismatch: %T %s %T", lv, b.op, rv)
	}

	switch b.op {
	case token.ADD:
		return x + y, nil
	case token.SUB:
		return x - y, nil
	case token.MUL:
		return x * y, nil
	case token.QUO:
		if y == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return x / y, nil
	case token.REM:
		if y == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		return math.Mod(x, y), nil
	}
	return nil, fmt.Errorf("unsupported operator %s", b.op)
}

type call struct {
	name string
	args []node
}

func (c call) eval(r records.Record) (any, error) {
	values := make([]any, len(c.args))
	for i, a := range c.args {
		v, err := a.eval(r)
		if err != nil {
			return nil, err
		}
		values[i] = v
	}

	switch c.name {
	case "coalesce":
		for _, v := range values {
			if v != nil {
				return v, nil
			}
		}
		return nil, nil
	case "min", "max":
		var best any
		for _, v := range values {
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			cmp, ok := records.Compare(v, best)
			if !ok {
				return nil, fmt.Errorf("%s: cannot compare %T with %T", c.name, v, best)
			}
			if (c.name == "min" && cmp < 0) || (c.name == "max" && cmp > 0) {
				best = v
			}
		}
		return best, nil
	}

	if values[0] == nil {
		return nil, nil
	}
	x, ok := records.Number(values[0])
	if !ok {
		return nil, fmt.Errorf("%s: expected a number, got %T", c.name, values[0])
	}
	switch c.name {
	case "abs":
		return math.Abs(x), nil
	case "floor":
		return math.Floor(x), nil
	case "ceil":
		return math.Ceil(x), nil
	case "round":
		digits := 0.0
		if len(values) == 2 {
			d, ok := records.Number(values[1])
			if !ok {
				return nil, fmt.Errorf("round: digits must be a number")
			}
			digits = math.Trunc(d)
		}
		scale := math.Pow(10, digits)
		return math.Round(x*scale) / scale, nil
	}
	return nil, fmt.Errorf("unknown function %s", c.name)
}
