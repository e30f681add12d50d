// Package policy evaluates usage policies with govaluate expressions compiled from constraints.
package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Knetic/govaluate"
	"github.com/rs/zerolog"

	"github.com/dataspace-connector/connector/internal/domain/policy"
)

var operators = map[policy.Operator]string{
	policy.OpEq:      "==",
	policy.OpNeq:     "!=",
	policy.OpGt:      ">",
	policy.OpGteq:    ">=",
	policy.OpLt:      "<",
	policy.OpLteq:    "<=",
	policy.OpIsAnyOf: "in",
}

// Engine implements policy.Engine. Facts are flattened so nested maps are addressable as
// dotted names, e.g. "agent.id".
type Engine struct {
	mu     sync.Mutex
	cache  map[string]*govaluate.EvaluableExpression
	logger zerolog.Logger
}

func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{
		cache:  map[string]*govaluate.EvaluableExpression{},
		logger: logger.With().Str("component", "policy_engine").Logger(),
	}
}

// Evaluate denies when any prohibition holds, and otherwise permits when the policy has no
// permissions or at least one permission holds.
func (e *Engine) Evaluate(_ context.Context, scope policy.Scope, p policy.Policy, facts map[string]any) error {
	params := buildParams(facts)
	params["policy.scope"] = string(scope)

	for _, rule := range p.Prohibitions {
		holds, _, err := e.ruleHolds(rule, params)
		if err != nil {
			return err
		}
		if holds {
			return fmt.Errorf("%w: prohibition on %q applies in scope %s", policy.ErrDenied, rule.Action, scope)
		}
	}
	if len(p.Permissions) == 0 {
		return nil
	}

	var problems []string
	for _, rule := range p.Permissions {
		holds, problem, err := e.ruleHolds(rule, params)
		if err != nil {
			return err
		}
		if holds {
			return nil
		}
		problems = append(problems, problem)
	}
	e.logger.Debug().Str("policy_id", p.ID).Str("scope", string(scope)).Strs("problems", problems).Msg("policy denied")
	return fmt.Errorf("%w: %s", policy.ErrDenied, strings.Join(problems, "; "))
}

func (e *Engine) ruleHolds(rule policy.Rule, params map[string]any) (bool, string, error) {
	for _, c := range rule.Constraints {
		ok, err := e.constraintHolds(c, params)
		if err != nil {
			return false, "", err
		}
		if !ok {
			return false, fmt.Sprintf("constraint %s %s %v not satisfied", c.LeftOperand, c.Operator, c.RightOperand), nil
		}
	}
	return true, "", nil
}

func (e *Engine) constraintHolds(c policy.Constraint, params map[string]any) (bool, error) {
	left, ok := params[c.LeftOperand]
	if !ok {
		return false, nil
	}
	expr, err := e.compile(c)
	if err != nil {
		return false, err
	}
	result, err := expr.Evaluate(map[string]interface{}{
		"left":  normalize(left),
		"right": normalize(c.RightOperand),
	})
	if err != nil {
		// Operand types the operator cannot compare do not satisfy the constraint.
		return false, nil
	}
	v, ok := result.(bool)
	if !ok {
		return false, errors.New("constraint did not evaluate to boolean")
	}
	return v, nil
}

func (e *Engine) compile(c policy.Constraint) (*govaluate.EvaluableExpression, error) {
	op, ok := operators[c.Operator]
	if !ok {
		return nil, fmt.Errorf("unsupported operator %q", c.Operator)
	}
	src := "left " + op + " right"
	e.mu.Lock()
	defer e.mu.Unlock()
	if expr, ok := e.cache[src]; ok {
		return expr, nil
	}
	expr, err := govaluate.NewEvaluableExpression(src)
	if err != nil {
		return nil, err
	}
	e.cache[src] = expr
	return expr, nil
}

// normalize converts values to the types govaluate compares: float64 numbers and
// []interface{} lists.
func normalize(v any) any {
	switch vv := v.(type) {
	case int:
		return float64(vv)
	case int32:
		return float64(vv)
	case int64:
		return float64(vv)
	case float32:
		return float64(vv)
	case []string:
		out := make([]interface{}, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	case []any:
		out := make([]interface{}, len(vv))
		for i, s := range vv {
			out[i] = normalize(s)
		}
		return out
	}
	return v
}

func buildParams(facts map[string]any) map[string]any {
	params := map[string]any{}
	for k, v := range facts {
		params[k] = v
	}
	flattenFacts("", facts, params)
	return params
}

func flattenFacts(prefix string, m map[string]any, out map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch vv := v.(type) {
		case map[string]any:
			flattenFacts(key, vv, out)
		default:
			out[key] = vv
		}
	}
}
