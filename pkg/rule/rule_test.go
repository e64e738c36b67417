package rule

import (
	"testing"

	"github.com/latticeauth/abac/pkg/attribute"
	"github.com/latticeauth/abac/pkg/expr"
	"github.com/latticeauth/abac/pkg/pcontext"
)

type actor struct {
	ID string
}

func TestRuleAndShortCircuitsOnFalse(t *testing.T) {
	ctx := pcontext.New(actor{ID: "u1"}, nil, nil)
	idRef, _ := attribute.NewRef(attribute.Actor, "id")
	match := &expr.Binary{Operator: "eq", Left: idRef, Right: attribute.NewLiteral("u1")}
	noMatch := &expr.Binary{Operator: "eq", Left: idRef, Right: attribute.NewLiteral("other")}

	r, err := New(AND, []expr.Expression{match, noMatch})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.Eval(ctx); got != expr.False {
		t.Fatalf("expected False, got %v", got)
	}
}

func TestRuleOrIndeterminatePropagates(t *testing.T) {
	ctx := pcontext.New(actor{ID: "u1"}, nil, nil)
	missingRef, _ := attribute.NewRef(attribute.Actor, "missingField")
	unresolvable := &expr.Binary{Operator: "eq", Left: missingRef, Right: attribute.NewLiteral("x")}
	falseExpr := &expr.Binary{Operator: "eq", Left: mustRef(t), Right: attribute.NewLiteral("nope")}

	r, err := New(OR, []expr.Expression{unresolvable, falseExpr})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := r.Eval(ctx); got != expr.Indeterminate {
		t.Fatalf("OR(indeterminate, false) should be indeterminate, got %v", got)
	}
}

func mustRef(t *testing.T) attribute.Ref {
	t.Helper()
	ref, err := attribute.NewRef(attribute.Actor, "id")
	if err != nil {
		t.Fatalf("NewRef: %v", err)
	}
	return ref
}

func TestRuleNotRequiresExactlyOneExpression(t *testing.T) {
	idRef, _ := attribute.NewRef(attribute.Actor, "id")
	e := &expr.Binary{Operator: "eq", Left: idRef, Right: attribute.NewLiteral("u1")}
	if _, err := New(NOT, []expr.Expression{e, e}); err == nil {
		t.Fatalf("expected error for NOT with two expressions")
	}
	if _, err := New(NOT, []expr.Expression{e}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
