package model

import "fmt"

// SelectorType is the kind of thing a policy rule selects.
type SelectorType string

const (
	SelectorTypeAll       SelectorType = "all"
	SelectorTypeSource    SelectorType = "source"
	SelectorTypeNamespace SelectorType = "namespace"
	SelectorTypeToolPath  SelectorType = "tool_path"
)

// Specificity returns the tie breaker rank of the selector type, higher is more specific.
func (s SelectorType) Specificity() int {
	switch s {
	case SelectorTypeToolPath:
		return 3
	case SelectorTypeNamespace:
		return 2
	case SelectorTypeSource:
		return 1
	}
	return 0
}

// MatchType is how a selector pattern is compared.
type MatchType string

const (
	MatchTypeGlob  MatchType = "glob"
	MatchTypeExact MatchType = "exact"
)

// PolicyEffect is the effect of a policy rule.
type PolicyEffect string

const (
	PolicyEffectAllow PolicyEffect = "allow"
	PolicyEffectDeny  PolicyEffect = "deny"
)

// ApprovalMode tells if an allowed tool call needs a human approval.
type ApprovalMode string

const (
	ApprovalModeInherit  ApprovalMode = "inherit"
	ApprovalModeAuto     ApprovalMode = "auto"
	ApprovalModeRequired ApprovalMode = "required"
)

// ConditionOperator is the comparison of an argument condition.
type ConditionOperator string

const (
	ConditionOperatorEquals     ConditionOperator = "equals"
	ConditionOperatorNotEquals  ConditionOperator = "not_equals"
	ConditionOperatorContains   ConditionOperator = "contains"
	ConditionOperatorStartsWith ConditionOperator = "starts_with"
)

// ScopeKind is the owner kind a policy rule applies to.
type ScopeKind string

const (
	ScopeKindAccount      ScopeKind = "account"
	ScopeKindWorkspace    ScopeKind = "workspace"
	ScopeKindOrganization ScopeKind = "organization"
)

// Selector selects the tool calls a rule applies to.
type Selector struct {
	Type      SelectorType
	Pattern   string
	MatchType MatchType
}

// ArgumentCondition is a predicate over the tool call input.
// Key supports dotted paths into nested objects.
type ArgumentCondition struct {
	Key      string
	Operator ConditionOperator
	Value    string
}

// Scope is the owner of a rule. An empty ID applies to every owner of the kind,
// and the zero Scope applies to every owner.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// PolicyRule is a configured allow/deny/require-approval directive.
type PolicyRule struct {
	ID                 string
	Selector           Selector
	Effect             PolicyEffect
	ApprovalMode       ApprovalMode
	ArgumentConditions []ArgumentCondition
	Scope              Scope
	Priority           int
	ClientID           string
}

// Validate validates the rule.
func (r PolicyRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required: %w", ErrNotValid)
	}

	switch r.Selector.Type {
	case SelectorTypeAll:
	case SelectorTypeSource, SelectorTypeNamespace, SelectorTypeToolPath:
		if r.Selector.Pattern == "" {
			return fmt.Errorf("selector %s requires a pattern: %w", r.Selector.Type, ErrNotValid)
		}
	default:
		return fmt.Errorf("invalid selector type %q: %w", r.Selector.Type, ErrNotValid)
	}

	switch r.Selector.MatchType {
	case MatchTypeGlob, MatchTypeExact, "":
	default:
		return fmt.Errorf("invalid match type %q: %w", r.Selector.MatchType, ErrNotValid)
	}

	switch r.Effect {
	case PolicyEffectAllow, PolicyEffectDeny:
	default:
		return fmt.Errorf("invalid effect %q: %w", r.Effect, ErrNotValid)
	}

	switch r.ApprovalMode {
	case ApprovalModeInherit, ApprovalModeAuto, ApprovalModeRequired, "":
	default:
		return fmt.Errorf("invalid approval mode %q: %w", r.ApprovalMode, ErrNotValid)
	}

	for i, c := range r.ArgumentConditions {
		if c.Key == "" {
			return fmt.Errorf("condition %d key is required: %w", i, ErrNotValid)
		}
		switch c.Operator {
		case ConditionOperatorEquals, ConditionOperatorNotEquals, ConditionOperatorContains, ConditionOperatorStartsWith:
		default:
			return fmt.Errorf("condition %d has invalid operator %q: %w", i, c.Operator, ErrNotValid)
		}
	}

	switch r.Scope.Kind {
	case ScopeKindAccount, ScopeKindWorkspace, ScopeKindOrganization:
	case "":
		// A rule without scope kind is global, it can't target a single owner.
		if r.Scope.ID != "" {
			return fmt.Errorf("scope %q requires a kind: %w", r.Scope.ID, ErrNotValid)
		}
	default:
		return fmt.Errorf("invalid scope kind %q: %w", r.Scope.Kind, ErrNotValid)
	}

	return nil
}

// Requestor is the identity a tool call is made on behalf of.
type Requestor struct {
	AccountID      string
	WorkspaceID    string
	OrganizationID string
}

// DecisionEffect is the resolved outcome of a policy evaluation.
type DecisionEffect string

const (
	DecisionEffectAllow           DecisionEffect = "allow"
	DecisionEffectRequireApproval DecisionEffect = "require_approval"
	DecisionEffectDeny            DecisionEffect = "deny"
)

// Decision is the result of evaluating the policy rules for a tool call.
type Decision struct {
	Effect       DecisionEffect
	ApprovalMode ApprovalMode
	// RuleID is the winning rule, empty when the default applied.
	RuleID string
}
