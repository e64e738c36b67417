package policy

import "encoding/json"

// document is the top-level shape of a policy store file: {"policies": [...]}.
type document struct {
	Policies []json.RawMessage `json:"policies"`
}

// rawPolicy is the JSON/YAML interchange document for a single policy:
// name/description/effect/message/code/actions/actors/subjects plus a
// rules block holding the rule tree. message and code are optional; they
// surface on the Decision when this policy is the one a deny-overrides
// combine settles on.
type rawPolicy struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Effect      string          `json:"effect"`
	Message     string          `json:"message"`
	Code        int             `json:"code"`
	Actions     []string        `json:"actions"`
	Actors      []string        `json:"actors"`
	Subjects    []string        `json:"subjects"`
	Rules       json.RawMessage `json:"rules"`
}

// rawRule is a single condition plus its ordered expressions, nested
// under a policy's "rules" key; see builder.go's buildRule.
type rawRule struct {
	Condition   string           `json:"condition"`
	Expressions []map[string]any `json:"expressions"`
}
