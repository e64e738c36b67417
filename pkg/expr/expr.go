package expr

import (
	"regexp"
	"strings"

	"github.com/latticeauth/abac/pkg/attribute"
	"github.com/latticeauth/abac/pkg/pcontext"
)

// Expression is any node of the tri-valued expression tree: Unary, Binary,
// or Function. Eval never returns a Go error — an unresolvable attribute
// or a mismatched type becomes Indeterminate.
type Expression interface {
	Eval(ctx *pcontext.Context) Tri
}

// UnaryOperators is the closed set of single-operand operators.
var UnaryOperators = map[string]bool{
	"is_null":  true,
	"not_null": true,
	"truthy":   true,
	"falsy":    true,
	"not":      true,
}

// BinaryOperators is the closed set of two-operand operators.
var BinaryOperators = map[string]bool{
	"eq":      true,
	"ne":      true,
	"lt":      true,
	"le":      true,
	"gt":      true,
	"ge":      true,
	"in":      true,
	"not_in":  true,
	"matches": true,
}

// FunctionArity maps each function name to the exact number of extra
// arguments it takes beyond its attribute operand; -1 means "one or more".
var FunctionArity = map[string]int{
	"startsWith": 1,
	"endsWith":   1,
	"contains":   1,
	"isBetween":  2,
	"hasAny":     -1,
	"hasAll":     -1,
}

// Unary evaluates a single operator against one attribute operand.
type Unary struct {
	Operator string
	Operand  attribute.Ref
}

func (u *Unary) Eval(ctx *pcontext.Context) Tri {
	v, err := attribute.Resolve(ctx, u.Operand)
	ok := err == nil
	switch u.Operator {
	case "is_null":
		if !ok {
			return Indeterminate
		}
		return triBool(v == nil)
	case "not_null":
		if !ok {
			return Indeterminate
		}
		return triBool(v != nil)
	case "truthy":
		if !ok {
			return Indeterminate
		}
		return boolFromTruthy(v)
	case "falsy":
		if !ok {
			return Indeterminate
		}
		return Not(boolFromTruthy(v))
	case "not":
		if !ok {
			return Indeterminate
		}
		b, isBool := v.(bool)
		if !isBool {
			return Indeterminate
		}
		return triBool(!b)
	default:
		return Indeterminate
	}
}

// Binary evaluates a two-operand comparison. For the "matches" operator the
// builder pre-compiles the right-hand literal into compiled so Eval never
// re-parses the pattern.
type Binary struct {
	Operator string
	Left     attribute.Ref
	Right    attribute.Ref
	compiled *regexp.Regexp
}

// SetCompiledRegex attaches a pre-compiled pattern for the "matches"
// operator. Only the builder calls this, at policy-build time.
func (b *Binary) SetCompiledRegex(re *regexp.Regexp) { b.compiled = re }

func (b *Binary) Eval(ctx *pcontext.Context) Tri {
	lv, lerr := attribute.Resolve(ctx, b.Left)
	rv, rerr := attribute.Resolve(ctx, b.Right)
	lok, rok := lerr == nil, rerr == nil

	switch b.Operator {
	case "eq", "ne":
		if !lok || !rok {
			return Indeterminate
		}
		eq, ok := equalValues(lv, rv)
		if !ok {
			return Indeterminate
		}
		if b.Operator == "ne" {
			eq = !eq
		}
		return triBool(eq)
	case "lt", "le", "gt", "ge":
		if !lok || !rok {
			return Indeterminate
		}
		cmp, ok := compareValues(lv, rv)
		if !ok {
			return Indeterminate
		}
		switch b.Operator {
		case "lt":
			return triBool(cmp < 0)
		case "le":
			return triBool(cmp <= 0)
		case "gt":
			return triBool(cmp > 0)
		default:
			return triBool(cmp >= 0)
		}
	case "in", "not_in":
		if !lok || !rok {
			return Indeterminate
		}
		list, isList := rv.([]any)
		if !isList {
			return Indeterminate
		}
		found := memberOf(lv, list)
		if b.Operator == "not_in" {
			found = !found
		}
		return triBool(found)
	case "matches":
		if !lok || b.compiled == nil {
			return Indeterminate
		}
		s, isStr := lv.(string)
		if !isStr {
			return Indeterminate
		}
		return triBool(b.compiled.MatchString(s))
	default:
		return Indeterminate
	}
}

func memberOf(v any, list []any) bool {
	for _, item := range list {
		if eq, ok := equalValues(v, item); ok && eq {
			return true
		}
	}
	return false
}

// Function evaluates a named function against an attribute receiver and an
// ordered argument list (each either an attribute reference or a literal).
type Function struct {
	Name    string
	Subject attribute.Ref
	Args    []attribute.Ref
}

func (f *Function) Eval(ctx *pcontext.Context) Tri {
	recv, rerr := attribute.Resolve(ctx, f.Subject)
	if rerr != nil {
		return Indeterminate
	}
	args := make([]any, len(f.Args))
	for i, a := range f.Args {
		v, err := attribute.Resolve(ctx, a)
		if err != nil {
			return Indeterminate
		}
		args[i] = v
	}

	switch f.Name {
	case "startsWith", "endsWith", "contains":
		return stringOrListFn(f.Name, recv, args)
	case "isBetween":
		if len(args) != 2 {
			return Indeterminate
		}
		loCmp, ok1 := compareValues(recv, args[0])
		hiCmp, ok2 := compareValues(recv, args[1])
		if !ok1 || !ok2 {
			return Indeterminate
		}
		return triBool(loCmp >= 0 && hiCmp <= 0)
	case "hasAny":
		list, isList := recv.([]any)
		if !isList {
			return Indeterminate
		}
		for _, want := range args {
			if memberOf(want, list) {
				return True
			}
		}
		return False
	case "hasAll":
		list, isList := recv.([]any)
		if !isList {
			return Indeterminate
		}
		for _, want := range args {
			if !memberOf(want, list) {
				return False
			}
		}
		return True
	default:
		return Indeterminate
	}
}

func stringOrListFn(name string, recv any, args []any) Tri {
	switch r := recv.(type) {
	case string:
		arg, ok := args[0].(string)
		if !ok {
			return Indeterminate
		}
		switch name {
		case "startsWith":
			return triBool(strings.HasPrefix(r, arg))
		case "endsWith":
			return triBool(strings.HasSuffix(r, arg))
		default:
			return triBool(strings.Contains(r, arg))
		}
	case []any:
		if name != "contains" {
			return Indeterminate
		}
		return triBool(memberOf(args[0], r))
	default:
		return Indeterminate
	}
}
