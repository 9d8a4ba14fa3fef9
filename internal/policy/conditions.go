package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/slok/codebroker/internal/model"
)

// conditionsMatch returns true when every condition holds for the input.
func conditionsMatch(conds []model.ArgumentCondition, input map[string]any) bool {
	for _, c := range conds {
		if !conditionMatches(c, input) {
			return false
		}
	}
	return true
}

func conditionMatches(c model.ArgumentCondition, input map[string]any) bool {
	v, ok := lookup(input, c.Key)

	switch c.Operator {
	case model.ConditionOperatorEquals:
		return ok && stringify(v) == c.Value
	case model.ConditionOperatorNotEquals:
		return !ok || stringify(v) != c.Value
	case model.ConditionOperatorContains:
		if !ok {
			return false
		}
		if items, isList := v.([]any); isList {
			for _, item := range items {
				if stringify(item) == c.Value {
					return true
				}
			}
			return false
		}
		return strings.Contains(stringify(v), c.Value)
	case model.ConditionOperatorStartsWith:
		return ok && strings.HasPrefix(stringify(v), c.Value)
	}

	return false
}

// lookup resolves a dotted key into nested objects.
func lookup(input map[string]any, key string) (any, bool) {
	if v, ok := input[key]; ok {
		return v, true
	}

	var current any = input
	for _, part := range strings.Split(key, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func stringify(v any) string {
	switch tv := v.(type) {
	case nil:
		return ""
	case string:
		return tv
	case bool, float64, float32, int, int64, int32, uint, uint64, uint32:
		return fmt.Sprint(tv)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
