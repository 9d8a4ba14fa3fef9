package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/slok/codebroker/internal/model"
)

func TestConditionMatches(t *testing.T) {
	input := map[string]any{
		"owner":  "slok",
		"count":  3.0,
		"labels": []any{"bug", "p1"},
		"repo":   map[string]any{"name": "sbx", "private": true},
	}

	tests := map[string]struct {
		cond     model.ArgumentCondition
		expMatch bool
	}{
		"Equals on a string should match.": {
			cond:     model.ArgumentCondition{Key: "owner", Operator: model.ConditionOperatorEquals, Value: "slok"},
			expMatch: true,
		},
		"Equals on a number should compare its text.": {
			cond:     model.ArgumentCondition{Key: "count", Operator: model.ConditionOperatorEquals, Value: "3"},
			expMatch: true,
		},
		"Equals on a nested bool should match.": {
			cond:     model.ArgumentCondition{Key: "repo.private", Operator: model.ConditionOperatorEquals, Value: "true"},
			expMatch: true,
		},
		"Equals on a missing key should not match.": {
			cond: model.ArgumentCondition{Key: "missing", Operator: model.ConditionOperatorEquals, Value: ""},
		},
		"Not equals on a missing key should match.": {
			cond:     model.ArgumentCondition{Key: "missing", Operator: model.ConditionOperatorNotEquals, Value: "x"},
			expMatch: true,
		},
		"Not equals on the same value should not match.": {
			cond: model.ArgumentCondition{Key: "owner", Operator: model.ConditionOperatorNotEquals, Value: "slok"},
		},
		"Contains on a list should check elements.": {
			cond:     model.ArgumentCondition{Key: "labels", Operator: model.ConditionOperatorContains, Value: "p1"},
			expMatch: true,
		},
		"Contains on a list should not do substrings.": {
			cond: model.ArgumentCondition{Key: "labels", Operator: model.ConditionOperatorContains, Value: "p"},
		},
		"Contains on a string should check substrings.": {
			cond:     model.ArgumentCondition{Key: "repo.name", Operator: model.ConditionOperatorContains, Value: "bx"},
			expMatch: true,
		},
		"Starts with should check the prefix.": {
			cond:     model.ArgumentCondition{Key: "owner", Operator: model.ConditionOperatorStartsWith, Value: "sl"},
			expMatch: true,
		},
		"Starts with on a missing key should not match.": {
			cond: model.ArgumentCondition{Key: "nope", Operator: model.ConditionOperatorStartsWith, Value: ""},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expMatch, conditionMatches(test.cond, input))
		})
	}
}

func TestGlobCacheMatchPatterns(t *testing.T) {
	tests := map[string]struct {
		pattern  string
		value    string
		expMatch bool
	}{
		"A star should match everything.": {
			pattern:  "*",
			value:    "a.b.c",
			expMatch: true,
		},
		"A trailing star should match a prefix.": {
			pattern:  "github.*",
			value:    "github.repos",
			expMatch: true,
		},
		"A trailing star should require the dot.": {
			pattern:  "github.*",
			value:    "github",
			expMatch: false,
		},
		"A middle star should match any run.": {
			pattern:  "github.*.list",
			value:    "github.repos.list",
			expMatch: true,
		},
		"Literal dots should not match any char.": {
			pattern:  "a.b",
			value:    "aXb",
			expMatch: false,
		},
		"Patterns should be anchored at the end.": {
			pattern:  "github",
			value:    "github.repos",
			expMatch: false,
		},
		"Patterns should be anchored at the start.": {
			pattern:  "repos",
			value:    "github.repos",
			expMatch: false,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			g := newGlobCache(0)
			assert.Equal(t, test.expMatch, g.match(test.pattern, test.value))
			// Cached path.
			assert.Equal(t, test.expMatch, g.match(test.pattern, test.value))
		})
	}
}
