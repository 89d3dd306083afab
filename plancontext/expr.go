package plancontext

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
)

// ErrForbiddenConstruct is returned when a guard expression uses anything
// outside the sandbox: attribute access, closures, pipes, or calls to names
// off the allow-list. Detection happens before evaluation.
var ErrForbiddenConstruct = errors.New("forbidden construct in guard expression")

// allowedBuiltins are the pure builtins a guard may call. str and bool are
// provided as custom functions below; the rest are expr natives.
var allowedBuiltins = map[string]bool{
	"len":   true,
	"abs":   true,
	"max":   true,
	"min":   true,
	"round": true,
	"int":   true,
	"float": true,
}

var allowedFunctions = map[string]bool{
	"str":  true,
	"bool": true,
}

// sandboxOptions configure compilation: a map environment with undefined
// names tolerated (they resolve to nil and compare falsy), plus the two
// conversion helpers the allow-list promises.
var sandboxOptions = []expr.Option{
	expr.Env(map[string]any{}),
	expr.AllowUndefinedVariables(),
	expr.Function("str", func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("str expects 1 argument, got %d", len(params))
		}
		return fmt.Sprintf("%v", params[0]), nil
	}),
	expr.Function("bool", func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("bool expects 1 argument, got %d", len(params))
		}
		return truthy(params[0]), nil
	}),
}

// sandboxVisitor walks the parsed AST and records the first forbidden
// construct it finds. The walk is allow-list based: unknown node kinds are
// rejected rather than ignored.
type sandboxVisitor struct {
	err error
}

func (v *sandboxVisitor) reject(format string, args ...any) {
	if v.err == nil {
		v.err = fmt.Errorf("%w: %s", ErrForbiddenConstruct, fmt.Sprintf(format, args...))
	}
}

func (v *sandboxVisitor) Visit(node *ast.Node) {
	if v.err != nil {
		return
	}

	switch n := (*node).(type) {
	case *ast.NilNode, *ast.IdentifierNode, *ast.IntegerNode, *ast.FloatNode,
		*ast.BoolNode, *ast.StringNode, *ast.ConstantNode,
		*ast.UnaryNode, *ast.BinaryNode, *ast.ConditionalNode,
		*ast.ArrayNode, *ast.MapNode, *ast.PairNode:
		// Literals, names, operators, and collection literals are permitted.

	case *ast.MemberNode:
		// Subscripts on names are permitted; attribute-style traversal into
		// anything else, and dunder properties, are not.
		if _, ok := n.Node.(*ast.IdentifierNode); !ok {
			v.reject("member access on non-identifier")
			return
		}
		if prop, ok := n.Property.(*ast.StringNode); ok {
			if strings.HasPrefix(prop.Value, "__") {
				v.reject("attribute %q", prop.Value)
			}
			return
		}
		if _, ok := n.Property.(*ast.IntegerNode); ok {
			return
		}
		v.reject("dynamic member access")

	case *ast.CallNode:
		callee, ok := n.Callee.(*ast.IdentifierNode)
		if !ok {
			v.reject("call to non-identifier")
			return
		}
		if !allowedFunctions[callee.Value] {
			v.reject("call to %q", callee.Value)
		}

	case *ast.BuiltinNode:
		if !allowedBuiltins[n.Name] {
			v.reject("call to %q", n.Name)
		}

	default:
		v.reject("%T", n)
	}
}

// checkExpression parses src and rejects forbidden constructs. It returns a
// parse error for input that is not a valid expression at all.
func checkExpression(src string) error {
	tree, err := parser.Parse(src)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrForbiddenConstruct, err)
	}

	visitor := &sandboxVisitor{}
	ast.Walk(&tree.Node, visitor)
	return visitor.err
}

// evalExpression checks, compiles, and runs a guard expression against a
// context snapshot.
func evalExpression(src string, env map[string]any) (any, error) {
	if err := checkExpression(src); err != nil {
		return nil, err
	}

	program, err := expr.Compile(src, sandboxOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to compile guard: %w", err)
	}

	value, err := expr.Run(program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate guard: %w", err)
	}
	return value, nil
}

// truthy applies loose truthiness so guards written against heterogeneous
// JSON values behave predictably: nil, false, zero, and empty collections
// are falsy; everything else is truthy.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return val != ""
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case float32:
		return val != 0
	case []any:
		return len(val) > 0
	case map[string]any:
		return len(val) > 0
	default:
		return true
	}
}
