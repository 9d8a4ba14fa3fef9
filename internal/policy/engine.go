package policy

import (
	"sort"
	"strings"

	"github.com/slok/codebroker/internal/model"
)

// Request is a tool call to be evaluated against the policy rules.
type Request struct {
	ToolPath        string
	SourceKey       string
	NamespacePrefix string
	Input           map[string]any
	Requestor       model.Requestor
	ClientID        string
	// ToolDefaultApproval is the approval mode the tool catalog declares for the tool.
	ToolDefaultApproval model.ApprovalMode
}

// Engine resolves the effective decision of a tool call from a set of scoped rules.
// The engine is safe for concurrent use and never mutates the rules.
type Engine struct {
	globs *globCache
}

// NewEngine returns a new policy engine.
func NewEngine() *Engine {
	return &Engine{globs: newGlobCache(defaultGlobCacheSize)}
}

// Evaluate returns the decision of the highest priority matching rule. Ties are
// broken by selector specificity (tool_path > namespace > source > all), then
// deny over allow. When nothing matches the call is allowed.
func (e *Engine) Evaluate(rules []model.PolicyRule, req Request) model.Decision {
	matching := make([]model.PolicyRule, 0, len(rules))
	for _, r := range rules {
		if e.matches(r, req) {
			matching = append(matching, r)
		}
	}

	if len(matching) == 0 {
		return decisionFor(model.PolicyEffectAllow, defaultApproval(req.ToolDefaultApproval), "")
	}

	sort.SliceStable(matching, func(i, j int) bool { return ranksBefore(matching[i], matching[j]) })

	winner := matching[0]
	if winner.Effect == model.PolicyEffectDeny {
		return model.Decision{Effect: model.DecisionEffectDeny, ApprovalMode: winner.ApprovalMode, RuleID: winner.ID}
	}

	mode := winner.ApprovalMode
	if mode == model.ApprovalModeInherit || mode == "" {
		mode = inheritedApproval(matching[1:], req.ToolDefaultApproval)
	}

	return decisionFor(model.PolicyEffectAllow, mode, winner.ID)
}

func (e *Engine) matches(r model.PolicyRule, req Request) bool {
	if !e.selectorMatches(r.Selector, req) {
		return false
	}
	if !scopeApplies(r.Scope, req.Requestor) {
		return false
	}
	if r.ClientID != "" && r.ClientID != req.ClientID {
		return false
	}
	return conditionsMatch(r.ArgumentConditions, req.Input)
}

func (e *Engine) selectorMatches(s model.Selector, req Request) bool {
	switch s.Type {
	case model.SelectorTypeAll:
		return true
	case model.SelectorTypeSource:
		return e.patternMatches(s, req.SourceKey)
	case model.SelectorTypeToolPath:
		return e.patternMatches(s, req.ToolPath)
	case model.SelectorTypeNamespace:
		for _, ns := range namespaces(req.ToolPath, req.NamespacePrefix) {
			if e.patternMatches(s, ns) {
				return true
			}
		}
	}
	return false
}

func (e *Engine) patternMatches(s model.Selector, value string) bool {
	if value == "" {
		return false
	}
	if s.MatchType == model.MatchTypeExact {
		return s.Pattern == value
	}
	return e.globs.match(s.Pattern, value)
}

// namespaces returns the namespace prefix plus every proper dotted prefix of the tool path.
func namespaces(toolPath, prefix string) []string {
	var nss []string
	if prefix != "" {
		nss = append(nss, prefix)
	}

	parts := strings.Split(toolPath, ".")
	for i := 1; i < len(parts); i++ {
		ns := strings.Join(parts[:i], ".")
		if ns != prefix {
			nss = append(nss, ns)
		}
	}

	return nss
}

func scopeApplies(s model.Scope, r model.Requestor) bool {
	if s.ID == "" {
		return true
	}

	switch s.Kind {
	case model.ScopeKindAccount:
		return s.ID == r.AccountID
	case model.ScopeKindWorkspace:
		return s.ID == r.WorkspaceID
	case model.ScopeKindOrganization:
		return s.ID == r.OrganizationID
	}
	return false
}

func ranksBefore(a, b model.PolicyRule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if sa, sb := a.Selector.Type.Specificity(), b.Selector.Type.Specificity(); sa != sb {
		return sa > sb
	}
	if a.Effect != b.Effect {
		return a.Effect == model.PolicyEffectDeny
	}
	return a.ID < b.ID
}

func inheritedApproval(ranked []model.PolicyRule, toolDefault model.ApprovalMode) model.ApprovalMode {
	for _, r := range ranked {
		if r.Effect != model.PolicyEffectAllow {
			continue
		}
		if r.ApprovalMode == model.ApprovalModeAuto || r.ApprovalMode == model.ApprovalModeRequired {
			return r.ApprovalMode
		}
	}
	return defaultApproval(toolDefault)
}

func defaultApproval(toolDefault model.ApprovalMode) model.ApprovalMode {
	if toolDefault == model.ApprovalModeRequired {
		return model.ApprovalModeRequired
	}
	return model.ApprovalModeAuto
}

func decisionFor(effect model.PolicyEffect, mode model.ApprovalMode, ruleID string) model.Decision {
	if effect == model.PolicyEffectDeny {
		return model.Decision{Effect: model.DecisionEffectDeny, ApprovalMode: mode, RuleID: ruleID}
	}
	if mode == model.ApprovalModeRequired {
		return model.Decision{Effect: model.DecisionEffectRequireApproval, ApprovalMode: mode, RuleID: ruleID}
	}
	return model.Decision{Effect: model.DecisionEffectAllow, ApprovalMode: model.ApprovalModeAuto, RuleID: ruleID}
}
