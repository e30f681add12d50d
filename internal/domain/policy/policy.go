package policy

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_engine.go -package=mocks . Engine

import (
	"context"
	"errors"
)

// Scope names the point in a protocol at which a policy is evaluated.
type Scope string

const (
	ScopeNegotiation Scope = "contract.negotiation"
	ScopeTransfer    Scope = "transfer.process"
)

var ErrDenied = errors.New("policy denied")

// Operator compares a constraint's left operand with its right operand.
type Operator string

const (
	OpEq      Operator = "eq"
	OpNeq     Operator = "neq"
	OpGt      Operator = "gt"
	OpGteq    Operator = "gteq"
	OpLt      Operator = "lt"
	OpLteq    Operator = "lteq"
	OpIsAnyOf Operator = "isAnyOf"
)

// Constraint restricts a rule. LeftOperand names a fact supplied by the evaluation context.
type Constraint struct {
	LeftOperand  string   `json:"leftOperand"`
	Operator     Operator `json:"operator"`
	RightOperand any      `json:"rightOperand"`
}

// Rule grants or forbids Action when all of its constraints hold.
type Rule struct {
	Action      string       `json:"action"`
	Constraints []Constraint `json:"constraints,omitempty"`
}

// Policy is the usage policy attached to an offer or agreement.
type Policy struct {
	ID           string `json:"id,omitempty"`
	Target       string `json:"target,omitempty"`
	Assigner     string `json:"assigner,omitempty"`
	Assignee     string `json:"assignee,omitempty"`
	Permissions  []Rule `json:"permissions,omitempty"`
	Prohibitions []Rule `json:"prohibitions,omitempty"`
}

// Engine decides whether a protocol step is permitted. Evaluate returns an error wrapping
// ErrDenied when the policy does not permit the step under facts.
type Engine interface {
	Evaluate(ctx context.Context, scope Scope, p Policy, facts map[string]any) error
}
