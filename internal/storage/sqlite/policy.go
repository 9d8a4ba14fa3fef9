package sqlite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/slok/codebroker/internal/model"
)

type conditionJSON struct {
	Key      string `json:"key"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// ListPolicyRules returns all the rules sorted by ID.
func (r *Repository) ListPolicyRules(ctx context.Context) ([]model.PolicyRule, error) {
	query := `
		SELECT
			id, selector_type, selector_pattern, match_type,
			effect, approval_mode, argument_conditions,
			scope_kind, scope_id, priority, client_id
		FROM policy_rules
		ORDER BY id ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("could not query policy rules: %w", err)
	}
	defer rows.Close()

	rules := []model.PolicyRule{}
	for rows.Next() {
		var pr model.PolicyRule
		var conds string
		err := rows.Scan(
			&pr.ID, &pr.Selector.Type, &pr.Selector.Pattern, &pr.Selector.MatchType,
			&pr.Effect, &pr.ApprovalMode, &conds,
			&pr.Scope.Kind, &pr.Scope.ID, &pr.Priority, &pr.ClientID,
		)
		if err != nil {
			return nil, fmt.Errorf("could not scan row: %w", err)
		}

		var cjs []conditionJSON
		if err := json.Unmarshal([]byte(conds), &cjs); err != nil {
			return nil, fmt.Errorf("could not unmarshal conditions of rule %s: %w", pr.ID, err)
		}
		for _, c := range cjs {
			pr.ArgumentConditions = append(pr.ArgumentConditions, model.ArgumentCondition{
				Key:      c.Key,
				Operator: model.ConditionOperator(c.Operator),
				Value:    c.Value,
			})
		}

		rules = append(rules, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return rules, nil
}

// SavePolicyRule creates or replaces a rule.
func (r *Repository) SavePolicyRule(ctx context.Context, pr model.PolicyRule) error {
	if err := pr.Validate(); err != nil {
		return fmt.Errorf("invalid policy rule: %w", err)
	}

	cjs := make([]conditionJSON, 0, len(pr.ArgumentConditions))
	for _, c := range pr.ArgumentConditions {
		cjs = append(cjs, conditionJSON{Key: c.Key, Operator: string(c.Operator), Value: c.Value})
	}
	conds, err := json.Marshal(cjs)
	if err != nil {
		return fmt.Errorf("could not marshal conditions: %w", err)
	}

	matchType := pr.Selector.MatchType
	if matchType == "" {
		matchType = model.MatchTypeGlob
	}
	approvalMode := pr.ApprovalMode
	if approvalMode == "" {
		approvalMode = model.ApprovalModeInherit
	}

	query := `
		INSERT INTO policy_rules (
			id, selector_type, selector_pattern, match_type,
			effect, approval_mode, argument_conditions,
			scope_kind, scope_id, priority, client_id
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			selector_type = excluded.selector_type,
			selector_pattern = excluded.selector_pattern,
			match_type = excluded.match_type,
			effect = excluded.effect,
			approval_mode = excluded.approval_mode,
			argument_conditions = excluded.argument_conditions,
			scope_kind = excluded.scope_kind,
			scope_id = excluded.scope_id,
			priority = excluded.priority,
			client_id = excluded.client_id
	`
	_, err = r.db.ExecContext(ctx, query,
		pr.ID, pr.Selector.Type, pr.Selector.Pattern, matchType,
		pr.Effect, approvalMode, string(conds),
		pr.Scope.Kind, pr.Scope.ID, pr.Priority, pr.ClientID,
	)
	if err != nil {
		return fmt.Errorf("could not save policy rule: %w", err)
	}

	r.logger.Debugf("Saved policy rule in repository: %s", pr.ID)
	return nil
}

// DeletePolicyRule deletes a rule.
func (r *Repository) DeletePolicyRule(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM policy_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("could not delete policy rule: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("could not get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("policy rule %s: %w", id, model.ErrNotFound)
	}

	r.logger.Debugf("Deleted policy rule from repository: %s", id)
	return nil
}
