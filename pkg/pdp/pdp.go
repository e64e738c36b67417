// Package pdp implements the PolicyEvaluator: the deny-overrides,
// default-deny, indeterminate-as-deny combining algorithm applied to a set
// of candidate policies, over tri-valued rule results.
package pdp

import (
	"context"
	"errors"
	"fmt"

	"github.com/latticeauth/abac/pkg/expr"
	"github.com/latticeauth/abac/pkg/pcontext"
	"github.com/latticeauth/abac/pkg/policy"
	"github.com/latticeauth/abac/pkg/prp"
)

// ErrCanceled wraps context cancellation/deadline errors observed before
// candidate retrieval (and so before any cache refresh) or between
// candidate evaluations.
var ErrCanceled = errors.New("pdp: evaluation canceled")

// Verdict is the final outcome of a Decision.
type Verdict string

const (
	VerdictPermit Verdict = "permit"
	VerdictDeny   Verdict = "deny"
)

// Code is the Decision's stable, machine-readable outcome code: 0 when
// Allowed is true, a non-zero value identifying why otherwise. Callers
// branch on Code rather than parsing Message.
type Code int

const (
	CodeAllowed            Code = 0
	CodeDenied             Code = 1 // a deny policy matched but declared no code of its own
	CodeNoApplicablePolicy Code = 2 // no candidate policy's rule was satisfied
	CodeIndeterminate      Code = 3 // a candidate was indeterminate and nothing permitted
)

// Decision is the result of evaluating a request against every candidate
// policy: whether it's allowed, the message and code that explain why, and
// enough detail to audit how the combine was reached.
type Decision struct {
	Allowed bool
	Message string
	Code    Code

	Verdict           Verdict
	MatchedPolicy     string // name of the policy that produced the verdict, empty for default-deny
	CandidateCount    int
	EvaluatedPolicies []string
}

// IsIndeterminate reports whether the deny was caused by a candidate rule
// that could not be resolved, rather than by a matching deny policy or the
// absence of any applicable policy.
func (d Decision) IsIndeterminate() bool { return d.Code == CodeIndeterminate }

// Evaluator evaluates a request's candidate policies and combines their
// per-policy outcomes into a single Decision.
type Evaluator struct {
	Retrieval *prp.Retrieval
}

func New(retrieval *prp.Retrieval) *Evaluator {
	return &Evaluator{Retrieval: retrieval}
}

// Evaluate runs the full pipeline: retrieve candidates for action, then
// combine, in order: any satisfied deny policy wins immediately, carrying
// its own message and code. Otherwise, if any candidate's rule was
// indeterminate, the decision denies with CodeIndeterminate even if
// another candidate did resolve to a satisfied permit — an indeterminate
// rule means the engine couldn't confirm there's no applicable deny, so it
// prefers the safe outcome over honoring the permit. Only once nothing was
// indeterminate does a satisfied permit policy win. With no candidates, or
// none satisfied and none indeterminate, the decision denies with
// CodeNoApplicablePolicy.
func (e *Evaluator) Evaluate(ctx context.Context, action string, reqCtx *pcontext.Context) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrCanceled, err)
	}
	candidates, err := e.Retrieval.Candidates(ctx, action, reqCtx)
	if err != nil {
		return Decision{}, fmt.Errorf("pdp: retrieve candidates: %w", err)
	}

	decision := Decision{CandidateCount: len(candidates)}
	sawIndeterminate := false

	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return Decision{}, fmt.Errorf("%w: %v", ErrCanceled, err)
		}
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, p.Name)

		result := p.Rule.Eval(reqCtx)
		switch result {
		case expr.True:
			if p.Effect == policy.Deny {
				return deny(decision, p), nil
			}
			if decision.MatchedPolicy == "" || decision.Verdict != VerdictPermit {
				decision.Verdict = VerdictPermit
				decision.Allowed = true
				decision.MatchedPolicy = p.Name
				decision.Message = p.Message
				decision.Code = CodeAllowed
			}
		case expr.Indeterminate:
			sawIndeterminate = true
		case expr.False:
			// not satisfied, no contribution
		}
	}

	if sawIndeterminate {
		decision.Verdict = VerdictDeny
		decision.Allowed = false
		decision.MatchedPolicy = ""
		decision.Message = ""
		decision.Code = CodeIndeterminate
		return decision, nil
	}

	if decision.Verdict == VerdictPermit {
		return decision, nil
	}

	decision.Verdict = VerdictDeny
	decision.Allowed = false
	decision.MatchedPolicy = ""
	decision.Message = ""
	decision.Code = CodeNoApplicablePolicy
	return decision, nil
}

// deny finalizes a deny-overrides outcome: the matched policy's own
// message and code win, falling back to CodeDenied when it declared none.
func deny(decision Decision, p *policy.Policy) Decision {
	decision.Verdict = VerdictDeny
	decision.Allowed = false
	decision.MatchedPolicy = p.Name
	decision.Message = p.Message
	decision.Code = CodeDenied
	if p.Code != 0 {
		decision.Code = Code(p.Code)
	}
	return decision
}
