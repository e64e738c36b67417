package policy

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/latticeauth/abac/pkg/attribute"
	"github.com/latticeauth/abac/pkg/expr"
	"github.com/latticeauth/abac/pkg/rule"
)

// Builder is the ExpressionBuilder: it turns a policy document (JSON or,
// via pkg/store/fsstore.go's YAML-to-generic-map pass, YAML) into a
// validated Policy with a fully built expression tree. It carries no
// state and is safe for concurrent use.
type Builder struct{}

// BuildFromMap builds a Policy from an already-decoded generic document,
// the shape gopkg.in/yaml.v3 produces. It re-marshals to JSON and defers to
// Build so YAML and JSON policy files go through one code path and build
// byte-identical expression trees.
func (b Builder) BuildFromMap(m map[string]any) (*Policy, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, malformed("<unknown>", fmt.Sprintf("invalid document: %v", err))
	}
	return b.Build(data)
}

// Build decodes a single policy document and builds its expression tree.
func (Builder) Build(data []byte) (*Policy, error) {
	var raw rawPolicy
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w", &ErrMalformedPolicy{PolicyName: "<unknown>", RuleIndex: -1, Reason: err.Error()})
	}
	return buildFromRaw(raw)
}

// DecodeDocument decodes a store file ({"policies": [...]}) and builds
// every policy in it, stopping at the first malformed one.
func (b Builder) DecodeDocument(data []byte) ([]*Policy, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, malformed("<document>", err.Error())
	}
	out := make([]*Policy, 0, len(doc.Policies))
	for _, raw := range doc.Policies {
		p, err := b.Build(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func buildFromRaw(raw rawPolicy) (*Policy, error) {
	if raw.Name == "" {
		return nil, malformed("<unnamed>", "name is required")
	}
	if len(raw.Rules) == 0 {
		return nil, malformed(raw.Name, "rules block is required")
	}
	var rr rawRule
	if err := json.Unmarshal(raw.Rules, &rr); err != nil {
		return nil, malformed(raw.Name, fmt.Sprintf("invalid rules block: %v", err))
	}
	r, err := buildRule(raw.Name, 0, rr)
	if err != nil {
		return nil, err
	}
	return New(raw.Name, raw.Description, Effect(raw.Effect), raw.Message, raw.Code, raw.Actions, raw.Actors, raw.Subjects, r)
}

func buildRule(policyName string, ruleIdx int, rr rawRule) (*rule.Rule, error) {
	if rr.Condition == "" {
		return nil, malformed(policyName, "rule condition is required")
	}
	exprs := make([]expr.Expression, len(rr.Expressions))
	for i, raw := range rr.Expressions {
		e, err := buildExpression(policyName, ruleIdx, i, raw)
		if err != nil {
			return nil, err
		}
		exprs[i] = e
	}
	r, err := rule.New(rule.Condition(rr.Condition), exprs)
	if err != nil {
		return nil, malformedExpr(policyName, ruleIdx, -1, err.Error())
	}
	return r, nil
}

// attribute-shaped keys recognized in an operand position, in the priority
// order used to disambiguate which side of a binary operator is "left".
var operandKeyOrder = []string{"actor_attribute", "subject_attribute", "environment_attribute", "value"}

func entityFromKey(key string) (attribute.Entity, bool) {
	switch key {
	case "actor_attribute":
		return attribute.Actor, true
	case "subject_attribute":
		return attribute.Subject, true
	case "environment_attribute":
		return attribute.Environment, true
	default:
		return "", false
	}
}

func presentOperandKeys(m map[string]any) []string {
	var keys []string
	for _, k := range operandKeyOrder {
		if _, ok := m[k]; ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func buildOperand(m map[string]any, key string) (attribute.Ref, error) {
	if key == "value" {
		return attribute.NewLiteral(normalizeLiteral(m["value"])), nil
	}
	entity, ok := entityFromKey(key)
	if !ok {
		return attribute.Ref{}, fmt.Errorf("unknown operand key %q", key)
	}
	name, ok := m[key].(string)
	if !ok || name == "" {
		return attribute.Ref{}, fmt.Errorf("%s must be a non-empty string", key)
	}
	return attribute.NewRef(entity, name)
}

// normalizeLiteral promotes YAML's int-typed scalars to float64 so file
// and SQL backends build identical literal values for the same document
// (YAML decodes "9" as int; JSON always decodes numbers as float64).
func normalizeLiteral(v any) any {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeLiteral(item)
		}
		return out
	default:
		return v
	}
}

func buildExpression(policyName string, ruleIdx, exprIdx int, m map[string]any) (expr.Expression, error) {
	if _, hasFunc := m["function"]; hasFunc {
		return buildFunction(policyName, ruleIdx, exprIdx, m)
	}
	if _, hasOp := m["operator"]; hasOp {
		keys := presentOperandKeys(m)
		switch len(keys) {
		case 1:
			return buildUnary(policyName, ruleIdx, exprIdx, m, keys[0])
		case 2:
			return buildBinary(policyName, ruleIdx, exprIdx, m, keys)
		default:
			return nil, malformedExpr(policyName, ruleIdx, exprIdx, fmt.Sprintf("operator expression has %d operands, want 1 or 2", len(keys)))
		}
	}
	return nil, malformedExpr(policyName, ruleIdx, exprIdx, "expression is neither function- nor operator-shaped")
}

func buildUnary(policyName string, ruleIdx, exprIdx int, m map[string]any, key string) (expr.Expression, error) {
	op, _ := m["operator"].(string)
	if !expr.UnaryOperators[op] {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, fmt.Sprintf("unknown unary operator %q", op))
	}
	operand, err := buildOperand(m, key)
	if err != nil {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, err.Error())
	}
	return &expr.Unary{Operator: op, Operand: operand}, nil
}

func buildBinary(policyName string, ruleIdx, exprIdx int, m map[string]any, keys []string) (expr.Expression, error) {
	op, _ := m["operator"].(string)
	if !expr.BinaryOperators[op] {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, fmt.Sprintf("unknown binary operator %q", op))
	}
	left, err := buildOperand(m, keys[0])
	if err != nil {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, err.Error())
	}
	right, err := buildOperand(m, keys[1])
	if err != nil {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, err.Error())
	}
	b := &expr.Binary{Operator: op, Left: left, Right: right}
	if op == "matches" {
		lit, isLit := right.Literal()
		pattern, isStr := lit.(string)
		if !isLit || !isStr {
			return nil, malformedExpr(policyName, ruleIdx, exprIdx, "matches requires a literal string pattern on the right")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, malformedExpr(policyName, ruleIdx, exprIdx, fmt.Sprintf("invalid regex %q: %v", pattern, err))
		}
		b.SetCompiledRegex(re)
	}
	return b, nil
}

func buildFunction(policyName string, ruleIdx, exprIdx int, m map[string]any) (expr.Expression, error) {
	name, _ := m["function"].(string)
	arity, known := expr.FunctionArity[name]
	if !known {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, fmt.Sprintf("unknown function %q", name))
	}
	argsRaw, ok := m["arguments"].([]any)
	if !ok {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, "arguments must be an array")
	}
	if arity >= 0 && len(argsRaw) != arity {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, fmt.Sprintf("function %s expects %d arguments, got %d", name, arity, len(argsRaw)))
	}
	if arity < 0 && len(argsRaw) == 0 {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, fmt.Sprintf("function %s requires at least one argument", name))
	}

	var subjectKey string
	for _, k := range presentOperandKeys(m) {
		if k != "value" {
			subjectKey = k
			break
		}
	}
	if subjectKey == "" {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, "function expression is missing its attribute operand")
	}
	subject, err := buildOperand(m, subjectKey)
	if err != nil {
		return nil, malformedExpr(policyName, ruleIdx, exprIdx, err.Error())
	}

	args := make([]attribute.Ref, len(argsRaw))
	for i, rawArg := range argsRaw {
		ref, err := buildArg(rawArg)
		if err != nil {
			return nil, malformedExpr(policyName, ruleIdx, exprIdx, err.Error())
		}
		args[i] = ref
	}
	return &expr.Function{Name: name, Subject: subject, Args: args}, nil
}

func buildArg(raw any) (attribute.Ref, error) {
	if m, ok := raw.(map[string]any); ok {
		keys := presentOperandKeys(m)
		if len(keys) == 1 && keys[0] != "value" {
			return buildOperand(m, keys[0])
		}
	}
	return attribute.NewLiteral(normalizeLiteral(raw)), nil
}
