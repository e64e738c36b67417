// Package attribute resolves symbolic attribute references against a
// pcontext.Context using a loose, duck-typed PIP contract: a zero-arg
// getter, then a public field, then a named attribute map, in that order.
// No PIP interface is required — any Go value can act as one.
package attribute

import "fmt"

// Entity identifies which dimension of a pcontext.Context a reference
// points into.
type Entity string

const (
	Actor       Entity = "actor"
	Subject     Entity = "subject"
	Environment Entity = "environment"
	Literal     Entity = "literal"
)

// Ref is either a symbolic pointer into a request context (Entity plus a
// possibly dotted Name) or a literal value carried inline in the policy
// document. Exactly one of the two is populated; zero value is invalid.
type Ref struct {
	entity  Entity
	name    string
	literal any
	hasLit  bool
}

// NewRef builds a reference into one of the three request dimensions.
func NewRef(entity Entity, name string) (Ref, error) {
	switch entity {
	case Actor, Subject, Environment:
	default:
		return Ref{}, fmt.Errorf("attribute: invalid reference entity %q", entity)
	}
	if name == "" {
		return Ref{}, fmt.Errorf("attribute: %s reference requires a non-empty name", entity)
	}
	return Ref{entity: entity, name: name}, nil
}

// NewLiteral wraps a value supplied directly in a policy document rather
// than resolved from the request context.
func NewLiteral(value any) Ref {
	return Ref{entity: Literal, literal: value, hasLit: true}
}

func (r Ref) Entity() Entity { return r.entity }
func (r Ref) Name() string   { return r.name }

// Literal returns the wrapped value and whether r is in fact a literal.
func (r Ref) Literal() (any, bool) { return r.literal, r.hasLit }

func (r Ref) IsLiteral() bool { return r.entity == Literal }

func (r Ref) String() string {
	if r.hasLit {
		return fmt.Sprintf("literal(%v)", r.literal)
	}
	return fmt.Sprintf("%s.%s", r.entity, r.name)
}
