// Package rule combines a policy's expressions into a single tri-valued
// result via AND, OR, or NOT, using Kleene logic so an indeterminate
// expression propagates instead of being coerced to a boolean.
package rule

import (
	"fmt"

	"github.com/latticeauth/abac/pkg/expr"
	"github.com/latticeauth/abac/pkg/pcontext"
)

// Condition is the combinator a Rule's expressions are joined with.
type Condition string

const (
	AND Condition = "AND"
	OR  Condition = "OR"
	NOT Condition = "NOT"
)

// Rule is a condition applied over an ordered list of expressions.
type Rule struct {
	Condition   Condition
	Expressions []expr.Expression
}

// New validates arity (NOT takes exactly one expression; AND/OR take at
// least one) and returns a Rule.
func New(condition Condition, expressions []expr.Expression) (*Rule, error) {
	switch condition {
	case AND, OR:
		if len(expressions) == 0 {
			return nil, fmt.Errorf("rule: %s requires at least one expression", condition)
		}
	case NOT:
		if len(expressions) != 1 {
			return nil, fmt.Errorf("rule: NOT requires exactly one expression, got %d", len(expressions))
		}
	default:
		return nil, fmt.Errorf("rule: unknown condition %q", condition)
	}
	return &Rule{Condition: condition, Expressions: expressions}, nil
}

// Eval evaluates every expression and combines the results per Condition.
func (r *Rule) Eval(ctx *pcontext.Context) expr.Tri {
	vals := make([]expr.Tri, len(r.Expressions))
	for i, e := range r.Expressions {
		vals[i] = e.Eval(ctx)
	}
	switch r.Condition {
	case AND:
		return expr.And(vals...)
	case OR:
		return expr.Or(vals...)
	case NOT:
		return expr.Not(vals[0])
	default:
		return expr.Indeterminate
	}
}
