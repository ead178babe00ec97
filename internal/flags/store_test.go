package flags

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgekit/pluginhost/internal/bus"
	"github.com/forgekit/pluginhost/internal/clock"
	"github.com/forgekit/pluginhost/internal/pluginerr"
)

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
}

func (r *topicRecorder) record(topic string, payload interface{}, meta bus.Metadata) error {
	r.mu.Lock()
	r.topics = append(r.topics, topic)
	r.mu.Unlock()
	return nil
}

func (r *topicRecorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.topics...)
}

func newTestStore(t *testing.T) (*Store, *topicRecorder) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	recorder := &topicRecorder{}
	_, err := b.SubscribePattern("featureFlags.*", recorder.record, bus.SubscribeOptions{})
	require.NoError(t, err)
	cache := NewCache(CacheConfig{Enabled: false}, zerolog.Nop())
	return NewStore(b, cache, clock.Real{}, zerolog.Nop()), recorder
}

func TestCreateThenDeleteRestoresFlagSet(t *testing.T) {
	store, recorder := newTestStore(t)

	require.NoError(t, store.CreateFlag(Flag{Key: "beta", DefaultValue: true}, "tester"))
	_, ok := store.Get("beta")
	require.True(t, ok)

	require.NoError(t, store.DeleteFlag("beta", "tester"))
	_, ok = store.Get("beta")
	assert.False(t, ok)

	assert.Equal(t, []string{"featureFlags.created", "featureFlags.deleted"}, recorder.Topics())

	log := store.AuditLog()
	require.Len(t, log, 2)
	assert.Equal(t, "created", log[0].Action)
	assert.Equal(t, "deleted", log[1].Action)
	assert.Equal(t, "tester", log[0].PerformedBy)
}

func TestCreateFlagRejectsInvalidKey(t *testing.T) {
	store, _ := newTestStore(t)
	assert.Error(t, store.CreateFlag(Flag{Key: "Not A Key!"}, "tester"))
}

func TestCreateFlagRejectsUnknownOperator(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.CreateFlag(Flag{
		Key:   "beta",
		Rules: []Rule{{Active: true, Conditions: []Condition{{Attribute: "x", Operator: "between", Value: 1}}}},
	}, "tester")
	assert.Error(t, err)
}

func TestCreateFlagRejectsOutOfRangePercentage(t *testing.T) {
	store, _ := newTestStore(t)
	pct := 120
	err := store.CreateFlag(Flag{Key: "beta", Rules: []Rule{{Active: true, Percentage: &pct}}}, "tester")
	assert.Error(t, err)
}

func TestCreateFlagRejectsMissingDependency(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.CreateFlag(Flag{
		Key:          "dependent",
		Dependencies: []Dependency{{Key: "missing", Value: true}},
	}, "tester")
	require.Error(t, err)
	assert.True(t, pluginerr.IsDependencyUnresolved(err))
}

func TestUpdateFlagRejectsDependencyCycle(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.CreateFlag(Flag{Key: "a", DefaultValue: true}, "tester"))
	require.NoError(t, store.CreateFlag(Flag{
		Key:          "b",
		Dependencies: []Dependency{{Key: "a", Value: true}},
	}, "tester"))

	err := store.UpdateFlag(Flag{
		Key:          "a",
		Dependencies: []Dependency{{Key: "b", Value: true}},
	}, "tester")
	require.Error(t, err)
	assert.True(t, pluginerr.IsCircularDependency(err))
}

func TestDeleteFlagRejectsPermanent(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.CreateFlag(Flag{Key: "keeper", Permanent: true}, "tester"))

	err := store.DeleteFlag("keeper", "tester")
	require.Error(t, err)
	assert.True(t, pluginerr.IsFlagPermanentDelete(err))
	_, ok := store.Get("keeper")
	assert.True(t, ok)
}

func TestUpdateFlagPreservesCreatedAt(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.CreateFlag(Flag{Key: "beta", DefaultValue: false}, "tester"))
	created, _ := store.Get("beta")

	require.NoError(t, store.UpdateFlag(Flag{Key: "beta", DefaultValue: true}, "tester"))
	updated, _ := store.Get("beta")
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.DefaultValue)
}

func TestUpdateFlagUnknownKey(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.UpdateFlag(Flag{Key: "ghost"}, "tester")
	require.Error(t, err)
	assert.True(t, pluginerr.IsFlagNotFound(err))
}

func TestSetOverrideRequiresExistingFlag(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.SetOverride(Override{Key: "ghost", Value: true}, "tester")
	require.Error(t, err)
	assert.True(t, pluginerr.IsFlagNotFound(err))
}

func TestSetThenRemoveOverrideRestoresEvaluation(t *testing.T) {
	b := bus.New(zerolog.Nop())
	cache := NewCache(CacheConfig{Enabled: false}, zerolog.Nop())
	store := NewStore(b, cache, clock.Real{}, zerolog.Nop())
	eval := NewEvaluator(store, cache, zerolog.Nop())

	require.NoError(t, store.CreateFlag(Flag{Key: "beta", DefaultValue: true}, "tester"))
	before := eval.Evaluate("beta", Context{"userId": "u1"})
	require.True(t, before.Value)

	ovCtx := map[string]interface{}{"userId": "u1"}
	require.NoError(t, store.SetOverride(Override{Key: "beta", Value: false, Context: ovCtx}, "tester"))
	overridden := eval.Evaluate("beta", Context{"userId": "u1"})
	assert.Equal(t, ReasonOverride, overridden.Reason)
	assert.False(t, overridden.Value)

	require.NoError(t, store.RemoveOverride("beta", ovCtx, "tester"))
	after := eval.Evaluate("beta", Context{"userId": "u1"})
	assert.Equal(t, before, after)
}

func TestMostSpecificOverrideWins(t *testing.T) {
	b := bus.New(zerolog.Nop())
	cache := NewCache(CacheConfig{Enabled: false}, zerolog.Nop())
	store := NewStore(b, cache, clock.Real{}, zerolog.Nop())
	eval := NewEvaluator(store, cache, zerolog.Nop())

	require.NoError(t, store.CreateFlag(Flag{Key: "beta", DefaultValue: true}, "tester"))
	require.NoError(t, store.SetOverride(Override{Key: "beta", Value: true, Context: map[string]interface{}{"tenant": "acme"}}, "tester"))
	require.NoError(t, store.SetOverride(Override{Key: "beta", Value: false, Context: map[string]interface{}{"tenant": "acme", "userId": "u1"}}, "tester"))

	result := eval.Evaluate("beta", Context{"tenant": "acme", "userId": "u1"})
	assert.Equal(t, ReasonOverride, result.Reason)
	assert.False(t, result.Value, "the two-attribute override is more specific")

	result = eval.Evaluate("beta", Context{"tenant": "acme", "userId": "u2"})
	assert.True(t, result.Value, "only the tenant-wide override matches u2")
}
