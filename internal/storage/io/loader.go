package io

import (
	"context"
	"fmt"
	"io/fs"

	"gopkg.in/yaml.v3"

	"github.com/slok/codebroker/internal/model"
)

// PolicyYAMLRepository loads policy rules from YAML files.
type PolicyYAMLRepository struct {
	fs fs.FS
}

// NewPolicyYAMLRepository creates a new YAML policy repository.
func NewPolicyYAMLRepository(filesystem fs.FS) *PolicyYAMLRepository {
	return &PolicyYAMLRepository{fs: filesystem}
}

// GetPolicyRules loads the policy rules of a YAML file and returns validated domain models.
func (r *PolicyYAMLRepository) GetPolicyRules(ctx context.Context, path string) ([]model.PolicyRule, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	rules := make([]model.PolicyRule, 0, len(file.Rules))
	ids := map[string]bool{}
	for i, pr := range file.Rules {
		rule := pr.toModel()
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rule %d: %w", i, err)
		}
		if ids[rule.ID] {
			return nil, fmt.Errorf("duplicated rule id %s: %w", rule.ID, model.ErrNotValid)
		}
		ids[rule.ID] = true
		rules = append(rules, rule)
	}

	return rules, nil
}

// PolicyFile represents the YAML structure of a policy rules file.
type PolicyFile struct {
	Rules []PolicyRule `yaml:"rules"`
}

// PolicyRule represents the YAML structure of a policy rule.
type PolicyRule struct {
	ID           string              `yaml:"id"`
	Selector     Selector            `yaml:"selector"`
	Effect       string              `yaml:"effect"`
	ApprovalMode string              `yaml:"approval_mode"`
	Conditions   []ArgumentCondition `yaml:"conditions"`
	Scope        Scope               `yaml:"scope"`
	Priority     int                 `yaml:"priority"`
	ClientID     string              `yaml:"client_id"`
}

// Selector represents the YAML structure of a rule selector.
type Selector struct {
	Type    string `yaml:"type"`
	Pattern string `yaml:"pattern"`
	Match   string `yaml:"match"`
}

// ArgumentCondition represents the YAML structure of a rule argument condition.
type ArgumentCondition struct {
	Key      string `yaml:"key"`
	Operator string `yaml:"operator"`
	Value    string `yaml:"value"`
}

// Scope represents the YAML structure of a rule scope.
type Scope struct {
	Kind string `yaml:"kind"`
	ID   string `yaml:"id"`
}

func (r PolicyRule) toModel() model.PolicyRule {
	scopeKind := model.ScopeKind(r.Scope.Kind)
	if scopeKind == "" {
		scopeKind = model.ScopeKindWorkspace
	}
	matchType := model.MatchType(r.Selector.Match)
	if matchType == "" {
		matchType = model.MatchTypeGlob
	}
	approvalMode := model.ApprovalMode(r.ApprovalMode)
	if approvalMode == "" {
		approvalMode = model.ApprovalModeInherit
	}

	rule := model.PolicyRule{
		ID: r.ID,
		Selector: model.Selector{
			Type:      model.SelectorType(r.Selector.Type),
			Pattern:   r.Selector.Pattern,
			MatchType: matchType,
		},
		Effect:       model.PolicyEffect(r.Effect),
		ApprovalMode: approvalMode,
		Scope:        model.Scope{Kind: scopeKind, ID: r.Scope.ID},
		Priority:     r.Priority,
		ClientID:     r.ClientID,
	}

	for _, c := range r.Conditions {
		rule.ArgumentConditions = append(rule.ArgumentConditions, model.ArgumentCondition{
			Key:      c.Key,
			Operator: model.ConditionOperator(c.Operator),
			Value:    c.Value,
		})
	}

	return rule
}

// CatalogYAMLRepository loads the tool catalog from YAML files.
type CatalogYAMLRepository struct {
	fs fs.FS
}

// NewCatalogYAMLRepository creates a new YAML tool catalog repository.
func NewCatalogYAMLRepository(filesystem fs.FS) *CatalogYAMLRepository {
	return &CatalogYAMLRepository{fs: filesystem}
}

// GetToolSources loads the tool sources of a YAML catalog file.
func (r *CatalogYAMLRepository) GetToolSources(ctx context.Context, path string) ([]model.ToolSource, error) {
	data, err := fs.ReadFile(r.fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog file: %w", err)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var file CatalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	sources := make([]model.ToolSource, 0, len(file.Sources))
	names := map[string]bool{}
	for _, s := range file.Sources {
		src := s.toModel()
		if err := src.Validate(); err != nil {
			return nil, fmt.Errorf("invalid source: %w", err)
		}
		if names[src.Name] {
			return nil, fmt.Errorf("duplicated source %s: %w", src.Name, model.ErrNotValid)
		}
		names[src.Name] = true
		sources = append(sources, src)
	}

	return sources, nil
}

// CatalogFile represents the YAML structure of a tool catalog file.
type CatalogFile struct {
	Sources []ToolSource `yaml:"sources"`
}

// ToolSource represents the YAML structure of a tool source.
type ToolSource struct {
	Name            string            `yaml:"name"`
	Kind            string            `yaml:"kind"`
	Endpoint        string            `yaml:"endpoint"`
	Headers         map[string]string `yaml:"headers"`
	DefaultApproval string            `yaml:"default_approval"`
	Tools           []ToolDefinition  `yaml:"tools"`
}

// ToolDefinition represents the YAML structure of a tool.
type ToolDefinition struct {
	Path            string `yaml:"path"`
	DefaultApproval string `yaml:"default_approval"`
	Method          string `yaml:"method"`
	Query           string `yaml:"query"`
	RemoteName      string `yaml:"remote_name"`
}

func (s ToolSource) toModel() model.ToolSource {
	src := model.ToolSource{
		Name:            s.Name,
		Kind:            model.ToolSourceKind(s.Kind),
		Endpoint:        s.Endpoint,
		Headers:         s.Headers,
		DefaultApproval: model.ApprovalMode(s.DefaultApproval),
	}
	for _, t := range s.Tools {
		src.Tools = append(src.Tools, model.ToolDefinition{
			Path:            t.Path,
			DefaultApproval: model.ApprovalMode(t.DefaultApproval),
			Method:          t.Method,
			Query:           t.Query,
			RemoteName:      t.RemoteName,
		})
	}
	return src
}
