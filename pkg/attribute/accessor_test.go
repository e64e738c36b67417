package attribute

import (
	"errors"
	"testing"

	"github.com/latticeauth/abac/pkg/pcontext"
)

type testUser struct {
	id   string
	Role string
}

func (u testUser) GetId() string { return u.id }

type testOrg struct {
	Name string
}

type testAccount struct {
	Org  testOrg
	Tags []string
	attrs map[string]any
}

func (a testAccount) Attributes() map[string]any { return a.attrs }

func TestResolveActorGetter(t *testing.T) {
	ctx := pcontext.New(testUser{id: "u1", Role: "admin"}, nil, nil)
	ref, err := NewRef(Actor, "id")
	if err != nil {
		t.Fatalf("NewRef: %v", err)
	}
	v, err := Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "u1" {
		t.Fatalf("expected u1, got %v", v)
	}
}

func TestResolveActorField(t *testing.T) {
	ctx := pcontext.New(testUser{id: "u1", Role: "admin"}, nil, nil)
	ref, _ := NewRef(Actor, "role")
	v, err := Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "admin" {
		t.Fatalf("expected admin, got %v", v)
	}
}

func TestResolveDottedField(t *testing.T) {
	ctx := pcontext.New(testAccount{Org: testOrg{Name: "acme"}}, nil, nil)
	ref, _ := NewRef(Actor, "org.name")
	v, err := Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "acme" {
		t.Fatalf("expected acme, got %v", v)
	}
}

func TestResolveAttributeMap(t *testing.T) {
	ctx := pcontext.New(testAccount{attrs: map[string]any{"tier": "gold"}}, nil, nil)
	ref, _ := NewRef(Actor, "tier")
	v, err := Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "gold" {
		t.Fatalf("expected gold, got %v", v)
	}
}

func TestResolveSubjectPrimary(t *testing.T) {
	ctx := pcontext.New(nil, []any{testUser{id: "s1"}, testUser{id: "s2"}}, nil)
	ref, _ := NewRef(Subject, "id")
	v, err := Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "s1" {
		t.Fatalf("expected s1 (primary subject), got %v", v)
	}
}

func TestResolveEnvironmentDotted(t *testing.T) {
	ctx := pcontext.New(nil, nil, map[string]any{"session": testOrg{Name: "acme"}})
	ref, _ := NewRef(Environment, "session.name")
	v, err := Resolve(ctx, ref)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != "acme" {
		t.Fatalf("expected acme, got %v", v)
	}
}

func TestResolveNotResolvable(t *testing.T) {
	ctx := pcontext.New(testUser{id: "u1"}, nil, nil)
	ref, _ := NewRef(Actor, "doesNotExist")
	_, err := Resolve(ctx, ref)
	if !errors.Is(err, ErrAttributeNotResolvable) {
		t.Fatalf("expected ErrAttributeNotResolvable, got %v", err)
	}
}

func TestResolveLiteral(t *testing.T) {
	ctx := pcontext.New(nil, nil, nil)
	v, err := Resolve(ctx, NewLiteral(42))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if v != int64(42) {
		t.Fatalf("expected int64(42), got %v (%T)", v, v)
	}
}

func TestNormalizeNumericKinds(t *testing.T) {
	if got := Normalize(int32(7)); got != int64(7) {
		t.Fatalf("expected int64(7), got %v (%T)", got, got)
	}
	if got := Normalize(float32(1.5)); got != float64(1.5) {
		t.Fatalf("expected float64(1.5), got %v (%T)", got, got)
	}
}
