package flags

import (
	"fmt"
	"hash/fnv"
	"reflect"
	"regexp"
	"strings"
)

// matchCondition evaluates a single condition against a context.
func matchCondition(cond Condition, ctx Context) bool {
	actual, ok := lookupAttribute(ctx, cond.Attribute)
	if !ok {
		return false
	}
	switch cond.Operator {
	case OpEq:
		return equalValues(actual, cond.Value)
	case OpNeq:
		return !equalValues(actual, cond.Value)
	case OpGt:
		return compareNumeric(actual, cond.Value) > 0
	case OpGte:
		return compareNumeric(actual, cond.Value) >= 0
	case OpLt:
		return compareNumeric(actual, cond.Value) < 0
	case OpLte:
		return compareNumeric(actual, cond.Value) <= 0
	case OpContains:
		return containsValue(actual, cond.Value)
	case OpNotContain:
		return !containsValue(actual, cond.Value)
	case OpIn:
		return inSlice(actual, cond.Value)
	case OpNotIn:
		return !inSlice(actual, cond.Value)
	case OpMatches:
		return matchesRegexp(actual, cond.Value)
	case OpNotMatches:
		return !matchesRegexp(actual, cond.Value)
	default:
		return false
	}
}

// lookupAttribute resolves a dotted attribute path ("attributes.prefers_dark_mode")
// against the context map, descending through nested maps.
func lookupAttribute(ctx Context, attribute string) (interface{}, bool) {
	parts := strings.Split(attribute, ".")
	var cur interface{} = map[string]interface{}(ctx)
	for _, p := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func equalValues(a, b interface{}) bool {
	return reflect.DeepEqual(a, b) || fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(a, b interface{}) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsValue(actual, needle interface{}) bool {
	switch a := actual.(type) {
	case string:
		s, ok := needle.(string)
		return ok && strings.Contains(a, s)
	case []interface{}:
		for _, v := range a {
			if equalValues(v, needle) {
				return true
			}
		}
	}
	return false
}

func inSlice(actual, set interface{}) bool {
	slice, ok := set.([]interface{})
	if !ok {
		return false
	}
	for _, v := range slice {
		if equalValues(actual, v) {
			return true
		}
	}
	return false
}

func matchesRegexp(actual, pattern interface{}) bool {
	s, ok := actual.(string)
	if !ok {
		return false
	}
	p, ok := pattern.(string)
	if !ok {
		return false
	}
	re, err := regexp.Compile(p)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

// stableBucket hashes a rollout key (context.userId, or the whole context if
// absent) into [0,100) deterministically across process restarts.
func stableBucket(ctx Context) int {
	var key string
	if uid, ok := ctx["userId"]; ok {
		key = fmt.Sprintf("%v", uid)
	} else {
		key = ContextHash(ctx)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % 100)
}
