package policy

import "fmt"

// ErrMalformedPolicy reports a policy document that failed validation,
// scoped to the offending rule expression when one is known.
type ErrMalformedPolicy struct {
	PolicyName string
	RuleIndex  int
	ExprIndex  int
	Reason     string
}

func (e *ErrMalformedPolicy) Error() string {
	if e.RuleIndex < 0 {
		return fmt.Sprintf("malformed policy %q: %s", e.PolicyName, e.Reason)
	}
	return fmt.Sprintf("malformed policy %q rule #%d expression #%d: %s", e.PolicyName, e.RuleIndex, e.ExprIndex, e.Reason)
}

func malformed(policyName string, reason string) error {
	return &ErrMalformedPolicy{PolicyName: policyName, RuleIndex: -1, Reason: reason}
}

func malformedExpr(policyName string, ruleIdx, exprIdx int, reason string) error {
	return &ErrMalformedPolicy{PolicyName: policyName, RuleIndex: ruleIdx, ExprIndex: exprIdx, Reason: reason}
}
