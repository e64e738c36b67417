// Package policy holds the Policy type — a named, effect-tagged rule
// scoped to a set of actions/actors/subjects — and the ExpressionBuilder
// that turns the JSON/YAML interchange document into a validated
// expression tree (see builder.go).
package policy

import (
	"fmt"

	"github.com/latticeauth/abac/pkg/rule"
)

// Effect is the outcome a matched, satisfied policy contributes to the
// combining algorithm in pkg/pdp.
type Effect string

const (
	Permit Effect = "permit"
	Deny   Effect = "deny"
)

// Policy is one compiled unit: scoping predicates (action/actor/subject
// sets — empty means "matches anything in this dimension") plus the rule
// tree that decides whether it actually applies to a given request.
//
// Message and Code are carried into the Decision when this policy is the
// one a deny-overrides combine settles on; Code is 0 when the policy
// declares none, in which case the PDP substitutes its generic denied code.
type Policy struct {
	Name        string
	Description string
	Effect      Effect
	Message     string
	Code        int
	Actions     map[string]struct{}
	Actors      map[string]struct{}
	Subjects    map[string]struct{}
	Rule        *rule.Rule
}

func New(name, description string, effect Effect, message string, code int, actions, actors, subjects []string, r *rule.Rule) (*Policy, error) {
	if name == "" {
		return nil, fmt.Errorf("policy: name is required")
	}
	switch effect {
	case Permit, Deny:
	default:
		return nil, fmt.Errorf("policy %q: effect must be %q or %q, got %q", name, Permit, Deny, effect)
	}
	if r == nil {
		return nil, fmt.Errorf("policy %q: rule is required", name)
	}
	return &Policy{
		Name:        name,
		Description: description,
		Effect:      effect,
		Message:     message,
		Code:        code,
		Actions:     toSet(actions),
		Actors:      toSet(actors),
		Subjects:    toSet(subjects),
		Rule:        r,
	}, nil
}

func toSet(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	s := make(map[string]struct{}, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// HasAction reports whether this policy's action set matches name. An
// empty set matches any action.
func (p *Policy) HasAction(name string) bool { return matches(p.Actions, name) }

// HasActor reports whether this policy's actor-category set matches
// category. An empty set matches any actor category.
func (p *Policy) HasActor(category string) bool { return matches(p.Actors, category) }

// HasSubject reports whether this policy's subject-category set matches
// category. An empty set matches any subject category.
func (p *Policy) HasSubject(category string) bool { return matches(p.Subjects, category) }

func matches(set map[string]struct{}, value string) bool {
	if len(set) == 0 {
		return true
	}
	_, ok := set[value]
	return ok
}
