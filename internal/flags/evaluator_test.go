package flags

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgekit/pluginhost/internal/bus"
	"github.com/forgekit/pluginhost/internal/clock"
)

func newTestEvaluator() (*Evaluator, *Store) {
	b := bus.New(zerolog.Nop())
	cache := NewCache(CacheConfig{Enabled: false}, zerolog.Nop())
	store := NewStore(b, cache, clock.Real{}, zerolog.Nop())
	return NewEvaluator(store, cache, zerolog.Nop()), store
}

func TestEvaluateUnknownFlagIsError(t *testing.T) {
	eval, _ := newTestEvaluator()
	result := eval.Evaluate("does-not-exist", Context{})
	assert.Equal(t, ReasonError, result.Reason)
}

func TestEvaluateFallsBackToDefault(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.CreateFlag(Flag{Key: "beta", DefaultValue: true}, "tester"))

	result := eval.Evaluate("beta", Context{})
	assert.Equal(t, ReasonDefault, result.Reason)
	assert.True(t, result.Value)
}

func TestEvaluateMatchingRuleWins(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.CreateFlag(Flag{
		Key:          "beta",
		DefaultValue: false,
		Rules: []Rule{
			{Active: true, Value: true, Conditions: []Condition{{Attribute: "tier", Operator: OpEq, Value: "enterprise"}}},
		},
	}, "tester"))

	result := eval.Evaluate("beta", Context{"tier": "enterprise"})
	assert.Equal(t, ReasonRule, result.Reason)
	assert.Equal(t, 0, result.RuleIndex)
	assert.True(t, result.Value)

	result = eval.Evaluate("beta", Context{"tier": "free"})
	assert.Equal(t, ReasonDefault, result.Reason)
	assert.False(t, result.Value)
}

func TestEvaluateOverrideBeatsRule(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.CreateFlag(Flag{
		Key:          "beta",
		DefaultValue: false,
		Rules:        []Rule{{Active: true, Value: true}},
	}, "tester"))
	require.NoError(t, store.SetOverride(Override{Key: "beta", Value: false, Context: map[string]interface{}{"pluginId": "alpha"}}, "tester"))

	result := eval.Evaluate("beta", Context{"pluginId": "alpha"})
	assert.Equal(t, ReasonOverride, result.Reason)
	assert.False(t, result.Value)

	result = eval.Evaluate("beta", Context{"pluginId": "other"})
	assert.Equal(t, ReasonRule, result.Reason)
	assert.True(t, result.Value)
}

func TestEvaluateExpiredOverrideIsIgnored(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.CreateFlag(Flag{Key: "beta", DefaultValue: true}, "tester"))
	past := time.Now().Add(-time.Hour)
	require.NoError(t, store.SetOverride(Override{Key: "beta", Value: false, ExpiresAt: &past}, "tester"))

	result := eval.Evaluate("beta", Context{})
	assert.Equal(t, ReasonDefault, result.Reason)
	assert.True(t, result.Value)
}

func TestEvaluateDependencyMismatch(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.CreateFlag(Flag{Key: "base", DefaultValue: false}, "tester"))
	require.NoError(t, store.CreateFlag(Flag{
		Key:          "dependent",
		DefaultValue: true,
		Dependencies: []Dependency{{Key: "base", Value: true}},
	}, "tester"))

	result := eval.Evaluate("dependent", Context{})
	assert.Equal(t, ReasonDependency, result.Reason)
	assert.False(t, result.Value)
}

func TestIsEnabledCachesResult(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.CreateFlag(Flag{Key: "beta", DefaultValue: true}, "tester"))

	assert.True(t, eval.IsEnabled(context.Background(), "beta", Context{}))
	require.NoError(t, store.DeleteFlag("beta", "tester"))
	// cache was invalidated by the delete, so the next read must re-evaluate
	// against the now-missing flag and degrade to false rather than serve a
	// stale cached true.
	assert.False(t, eval.IsEnabled(context.Background(), "beta", Context{}))
}

func TestEvaluateNestedAttributeRuleThenOverride(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.CreateFlag(Flag{
		Key:          "ui.dark_mode",
		DefaultValue: false,
		Rules: []Rule{
			{Active: true, Value: true, Conditions: []Condition{
				{Attribute: "attributes.prefers_dark_mode", Operator: OpEq, Value: true},
			}},
		},
	}, "tester"))

	ctx := Context{"userId": "u1", "attributes": map[string]interface{}{"prefers_dark_mode": true}}
	result := eval.Evaluate("ui.dark_mode", ctx)
	assert.Equal(t, ReasonRule, result.Reason)
	assert.Equal(t, 0, result.RuleIndex)
	assert.True(t, result.Value)

	require.NoError(t, store.SetOverride(Override{
		Key: "ui.dark_mode", Value: false, Context: map[string]interface{}{"userId": "u1"},
	}, "tester"))

	result = eval.Evaluate("ui.dark_mode", ctx)
	assert.Equal(t, ReasonOverride, result.Reason)
	assert.False(t, result.Value)
}

func TestEvaluateInactiveRuleIsSkipped(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.CreateFlag(Flag{
		Key:          "beta",
		DefaultValue: false,
		Rules:        []Rule{{Active: false, Value: true}},
	}, "tester"))

	result := eval.Evaluate("beta", Context{})
	assert.Equal(t, ReasonDefault, result.Reason)
	assert.False(t, result.Value)
}

func TestEvaluatePercentageBoundaries(t *testing.T) {
	eval, store := newTestEvaluator()
	full, none := 100, 0
	require.NoError(t, store.CreateFlag(Flag{
		Key: "all-users", DefaultValue: false,
		Rules: []Rule{{Active: true, Value: true, Percentage: &full}},
	}, "tester"))
	require.NoError(t, store.CreateFlag(Flag{
		Key: "no-users", DefaultValue: false,
		Rules: []Rule{{Active: true, Value: true, Percentage: &none}},
	}, "tester"))

	ctx := Context{"userId": "u1"}
	assert.Equal(t, ReasonRule, eval.Evaluate("all-users", ctx).Reason)
	assert.Equal(t, ReasonDefault, eval.Evaluate("no-users", ctx).Reason)
}

func TestEvaluatePercentageIsStablePerUser(t *testing.T) {
	eval, store := newTestEvaluator()
	half := 50
	require.NoError(t, store.CreateFlag(Flag{
		Key: "rollout", DefaultValue: false,
		Rules: []Rule{{Active: true, Value: true, Percentage: &half}},
	}, "tester"))

	first := eval.Evaluate("rollout", Context{"userId": "u1"})
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, eval.Evaluate("rollout", Context{"userId": "u1"}))
	}
}

func TestShouldActivatePluginWithNoGatingFlag(t *testing.T) {
	eval, _ := newTestEvaluator()
	assert.True(t, eval.ShouldActivatePlugin(context.Background(), "ungated-plugin", Context{}))
}

func TestShouldActivatePluginGatedOff(t *testing.T) {
	eval, store := newTestEvaluator()
	require.NoError(t, store.CreateFlag(Flag{Key: "rollout", DefaultValue: false, Plugins: []string{"gated-plugin"}}, "tester"))
	assert.False(t, eval.ShouldActivatePlugin(context.Background(), "gated-plugin", Context{}))
}
