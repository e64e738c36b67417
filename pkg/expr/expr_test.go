package expr

import (
	"testing"

	"github.com/latticeauth/abac/pkg/attribute"
	"github.com/latticeauth/abac/pkg/pcontext"
)

type user struct {
	ID     string
	Status string
	Score  int
	Roles  []any
}

func ctxWithActor(a any) *pcontext.Context { return pcontext.New(a, nil, nil) }

func TestBinaryEq(t *testing.T) {
	ctx := ctxWithActor(user{ID: "u1"})
	left, _ := attribute.NewRef(attribute.Actor, "id")
	b := &Binary{Operator: "eq", Left: left, Right: attribute.NewLiteral("u1")}
	if got := b.Eval(ctx); got != True {
		t.Fatalf("expected True, got %v", got)
	}
	b.Right = attribute.NewLiteral("other")
	if got := b.Eval(ctx); got != False {
		t.Fatalf("expected False, got %v", got)
	}
}

func TestBinaryEqMixedTypeIsIndeterminate(t *testing.T) {
	ctx := ctxWithActor(user{Score: 5})
	left, _ := attribute.NewRef(attribute.Actor, "score")
	b := &Binary{Operator: "eq", Left: left, Right: attribute.NewLiteral("5")}
	if got := b.Eval(ctx); got != Indeterminate {
		t.Fatalf("expected Indeterminate for number-vs-string eq, got %v", got)
	}
}

func TestBinaryUnresolvableIsIndeterminate(t *testing.T) {
	ctx := ctxWithActor(user{})
	left, _ := attribute.NewRef(attribute.Actor, "missing")
	b := &Binary{Operator: "eq", Left: left, Right: attribute.NewLiteral("x")}
	if got := b.Eval(ctx); got != Indeterminate {
		t.Fatalf("expected Indeterminate, got %v", got)
	}
}

func TestBinaryOrdering(t *testing.T) {
	ctx := ctxWithActor(user{Score: 10})
	left, _ := attribute.NewRef(attribute.Actor, "score")
	b := &Binary{Operator: "gt", Left: left, Right: attribute.NewLiteral(5)}
	if got := b.Eval(ctx); got != True {
		t.Fatalf("expected True, got %v", got)
	}
}

func TestBinaryIn(t *testing.T) {
	ctx := ctxWithActor(user{Status: "draft"})
	left, _ := attribute.NewRef(attribute.Actor, "status")
	b := &Binary{Operator: "in", Left: left, Right: attribute.NewLiteral([]any{"draft", "review"})}
	if got := b.Eval(ctx); got != True {
		t.Fatalf("expected True, got %v", got)
	}
	b.Operator = "not_in"
	if got := b.Eval(ctx); got != False {
		t.Fatalf("expected False, got %v", got)
	}
}

func TestUnaryIsNull(t *testing.T) {
	ctx := ctxWithActor(user{})
	ref, _ := attribute.NewRef(attribute.Actor, "missing")
	u := &Unary{Operator: "is_null", Operand: ref}
	if got := u.Eval(ctx); got != Indeterminate {
		t.Fatalf("unresolvable attribute should be Indeterminate for is_null, got %v", got)
	}

	lit := &Unary{Operator: "is_null", Operand: attribute.NewLiteral(nil)}
	if got := lit.Eval(ctx); got != True {
		t.Fatalf("expected True for nil literal, got %v", got)
	}
}

func TestUnaryTruthy(t *testing.T) {
	ctx := ctxWithActor(user{Status: ""})
	ref, _ := attribute.NewRef(attribute.Actor, "status")
	u := &Unary{Operator: "truthy", Operand: ref}
	if got := u.Eval(ctx); got != False {
		t.Fatalf("empty string should be falsy, got %v", got)
	}
}

func TestFunctionStartsWith(t *testing.T) {
	ctx := ctxWithActor(user{ID: "us-east-1"})
	subj, _ := attribute.NewRef(attribute.Actor, "id")
	f := &Function{Name: "startsWith", Subject: subj, Args: []attribute.Ref{attribute.NewLiteral("us-")}}
	if got := f.Eval(ctx); got != True {
		t.Fatalf("expected True, got %v", got)
	}
}

func TestFunctionIsBetween(t *testing.T) {
	ctx := pcontext.New(nil, nil, map[string]any{"hour": float64(10)})
	subj, _ := attribute.NewRef(attribute.Environment, "hour")
	f := &Function{Name: "isBetween", Subject: subj, Args: []attribute.Ref{attribute.NewLiteral(9), attribute.NewLiteral(17)}}
	if got := f.Eval(ctx); got != True {
		t.Fatalf("expected True, got %v", got)
	}
	f.Args = []attribute.Ref{attribute.NewLiteral(11), attribute.NewLiteral(17)}
	if got := f.Eval(ctx); got != False {
		t.Fatalf("expected False, got %v", got)
	}
}

func TestFunctionHasAnyHasAll(t *testing.T) {
	ctx := ctxWithActor(user{Roles: []any{"admin", "billing"}})
	subj, _ := attribute.NewRef(attribute.Actor, "roles")
	anyFn := &Function{Name: "hasAny", Subject: subj, Args: []attribute.Ref{attribute.NewLiteral("billing"), attribute.NewLiteral("owner")}}
	if got := anyFn.Eval(ctx); got != True {
		t.Fatalf("expected True, got %v", got)
	}
	allFn := &Function{Name: "hasAll", Subject: subj, Args: []attribute.Ref{attribute.NewLiteral("admin"), attribute.NewLiteral("owner")}}
	if got := allFn.Eval(ctx); got != False {
		t.Fatalf("expected False, got %v", got)
	}
}

func TestKleeneAndOr(t *testing.T) {
	if And(True, Indeterminate) != Indeterminate {
		t.Fatalf("AND(true, indeterminate) should be indeterminate")
	}
	if And(False, Indeterminate) != False {
		t.Fatalf("AND(false, indeterminate) should be false")
	}
	if Or(False, Indeterminate) != Indeterminate {
		t.Fatalf("OR(false, indeterminate) should be indeterminate")
	}
	if Or(True, Indeterminate) != True {
		t.Fatalf("OR(true, indeterminate) should be true")
	}
	if Not(Indeterminate) != Indeterminate {
		t.Fatalf("NOT(indeterminate) should be indeterminate")
	}
}
