// Package flags implements the feature flag evaluator: rule/override/
// dependency evaluation, a TTL cache backed by Redis with graceful
// in-process fallback, and an append-only audit log of mutations.
package flags

import "time"

// Operator is the closed set of condition comparators.
type Operator string

const (
	OpEq         Operator = "eq"
	OpNeq        Operator = "neq"
	OpGt         Operator = "gt"
	OpGte        Operator = "gte"
	OpLt         Operator = "lt"
	OpLte        Operator = "lte"
	OpContains   Operator = "contains"
	OpNotContain Operator = "not_contains"
	OpIn         Operator = "in"
	OpNotIn      Operator = "not_in"
	OpMatches    Operator = "matches"
	OpNotMatches Operator = "not_matches"
)

var validOperators = map[Operator]bool{
	OpEq: true, OpNeq: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpContains: true, OpNotContain: true, OpIn: true, OpNotIn: true,
	OpMatches: true, OpNotMatches: true,
}

// Condition is one clause of a Rule, ANDed with its siblings.
type Condition struct {
	Attribute string      `json:"attribute"`
	Operator  Operator    `json:"operator"`
	Value     interface{} `json:"value"`
}

// Rule is one ordered evaluation branch of a Flag.
type Rule struct {
	Active      bool        `json:"active"`
	Value       bool        `json:"value"`
	Conditions  []Condition `json:"conditions,omitempty"`
	Percentage  *int        `json:"percentage,omitempty"`
	Description string      `json:"description,omitempty"`
}

// Dependency pins another flag to a required value for this flag to apply.
type Dependency struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

// Flag is the stored feature flag record.
type Flag struct {
	Key          string       `json:"key"`
	Description  string       `json:"description"`
	DefaultValue bool         `json:"defaultValue"`
	Rules        []Rule       `json:"rules"`
	Dependencies []Dependency `json:"dependencies,omitempty"`
	Plugins      []string     `json:"plugins,omitempty"`
	Permanent    bool         `json:"permanent,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Override pins an evaluation result for a specific (sub)context.
type Override struct {
	Key       string                 `json:"key"`
	Value     bool                   `json:"value"`
	Context   map[string]interface{} `json:"context,omitempty"`
	ExpiresAt *time.Time             `json:"expiresAt,omitempty"`
	CreatedBy string                 `json:"createdBy"`
	CreatedAt time.Time              `json:"createdAt"`
}

// Reason is the evaluation outcome's discriminant.
type Reason string

const (
	ReasonOverride   Reason = "OVERRIDE"
	ReasonDependency Reason = "DEPENDENCY"
	ReasonRule       Reason = "RULE"
	ReasonDefault    Reason = "DEFAULT"
	ReasonError      Reason = "ERROR"
)

// Result is the outcome of an evaluate call.
type Result struct {
	Value        bool
	Reason       Reason
	RuleIndex    int
	ErrorMessage string
}

// AuditEntry records one flag mutation, append-only.
type AuditEntry struct {
	ID            string                 `json:"id"`
	Key           string                 `json:"key"`
	Action        string                 `json:"action"`
	PreviousState interface{}            `json:"previousState,omitempty"`
	NewState      interface{}            `json:"newState,omitempty"`
	PerformedBy   string                 `json:"performedBy"`
	Timestamp     time.Time              `json:"timestamp"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Context is the attribute map supplied to an evaluation.
type Context map[string]interface{}
