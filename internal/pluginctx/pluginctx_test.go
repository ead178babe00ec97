package pluginctx

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgekit/pluginhost/internal/apiregistry"
	"github.com/forgekit/pluginhost/internal/bus"
	"github.com/forgekit/pluginhost/internal/clock"
	"github.com/forgekit/pluginhost/internal/collaborator"
	"github.com/forgekit/pluginhost/internal/flags"
	"github.com/forgekit/pluginhost/internal/scheduler"
	"github.com/forgekit/pluginhost/internal/uiregistry"
)

type memData struct {
	mu   sync.Mutex
	vals map[string][]byte
}

func newMemData() *memData { return &memData{vals: make(map[string][]byte)} }

func (d *memData) Get(ctx context.Context, key string) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.vals[key]
	return v, ok, nil
}

func (d *memData) Set(ctx context.Context, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.vals[key] = value
	return nil
}

func (d *memData) Delete(ctx context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.vals, key)
	return nil
}

func (d *memData) Query(ctx context.Context, collection string, filter map[string]interface{}) ([][]byte, error) {
	return nil, nil
}

type capturingLogger struct {
	mu     sync.Mutex
	fields map[string]interface{}
}

func (l *capturingLogger) Debug(msg string, fields map[string]interface{}) { l.capture(fields) }
func (l *capturingLogger) Info(msg string, fields map[string]interface{})  { l.capture(fields) }
func (l *capturingLogger) Warn(msg string, fields map[string]interface{})  { l.capture(fields) }
func (l *capturingLogger) Error(msg string, fields map[string]interface{}) { l.capture(fields) }

func (l *capturingLogger) capture(fields map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fields = fields
}

func newTestContext(t *testing.T, data collaborator.DataService, logger collaborator.Logger, b *bus.Bus, api *apiregistry.Registry, sched *scheduler.Scheduler) *Context {
	t.Helper()
	ui := uiregistry.New()
	return New("alpha", "1.0.0", data, logger, b, ui, nil, nil, api, sched, Platform{Version: "1.0.0", Environment: "test"})
}

func TestConfigGetSetAndGetAll(t *testing.T) {
	ctx := newTestContext(t, newMemData(), &capturingLogger{}, bus.New(zerolog.Nop()), apiregistry.New(), nil)

	_, ok := ctx.ConfigGet("missing")
	assert.False(t, ok)

	ctx.ConfigSet("threshold", 42)
	v, ok := ctx.ConfigGet("threshold")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	all := ctx.ConfigGetAll()
	assert.Equal(t, map[string]interface{}{"threshold": 42}, all)
}

func TestStorageIsPrefixedByPluginID(t *testing.T) {
	data := newMemData()
	ctx := newTestContext(t, data, &capturingLogger{}, bus.New(zerolog.Nop()), apiregistry.New(), nil)

	require.NoError(t, ctx.StorageSet(context.Background(), "count", []byte("1")))

	raw, ok, err := data.Get(context.Background(), "plugin:alpha:count")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(raw))

	v, ok, err := ctx.StorageGet(context.Background(), "count")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", string(v))

	require.NoError(t, ctx.StorageDelete(context.Background(), "count"))
	_, ok, err = ctx.StorageGet(context.Background(), "count")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScopedLoggerTagsPluginID(t *testing.T) {
	logger := &capturingLogger{}
	ctx := newTestContext(t, newMemData(), logger, bus.New(zerolog.Nop()), apiregistry.New(), nil)

	ctx.Services.Logger.Info("hello", map[string]interface{}{"a": 1})
	assert.Equal(t, "alpha", logger.fields["pluginId"])
	assert.Equal(t, 1, logger.fields["a"])
}

func TestScopedBusForcesPluginSourceAndMetadata(t *testing.T) {
	b := bus.New(zerolog.Nop())
	ctx := newTestContext(t, newMemData(), &capturingLogger{}, b, apiregistry.New(), nil)

	var gotSource string
	_, err := b.Subscribe("widget.updated", func(topic string, payload interface{}, meta bus.Metadata) error {
		gotSource = meta.Source
		return nil
	}, bus.SubscribeOptions{})
	require.NoError(t, err)

	require.NoError(t, ctx.Services.Bus.Publish("widget.updated", nil))
	assert.Equal(t, "plugin:alpha", gotSource)
}

func TestScopedBusClearAllSubscriptionsIsForbidden(t *testing.T) {
	ctx := newTestContext(t, newMemData(), &capturingLogger{}, bus.New(zerolog.Nop()), apiregistry.New(), nil)
	assert.Error(t, ctx.Services.Bus.ClearAllSubscriptions())
}

func TestScopedSchedulerIsNoopWithoutAScheduler(t *testing.T) {
	ctx := newTestContext(t, newMemData(), &capturingLogger{}, bus.New(zerolog.Nop()), apiregistry.New(), nil)
	err := ctx.Services.Scheduler.Schedule("job", "@every 1h", func() {})
	assert.Error(t, err)
	assert.Nil(t, ctx.Services.Scheduler.ListJobs())
	ctx.Services.Scheduler.Remove("job")
}

func TestScopedSchedulerNamespacesJobsByPlugin(t *testing.T) {
	sched := scheduler.New(zerolog.Nop())
	defer sched.Stop()
	ctx := newTestContext(t, newMemData(), &capturingLogger{}, bus.New(zerolog.Nop()), apiregistry.New(), sched)

	require.NoError(t, ctx.Services.Scheduler.Schedule("heartbeat", "@every 1h", func() {}))
	assert.Equal(t, []string{"heartbeat"}, sched.ListJobs("alpha"))
	assert.Equal(t, []string{"heartbeat"}, ctx.Services.Scheduler.ListJobs())
}

func TestCleanupRevokesRoutesSubscriptionsAndConfig(t *testing.T) {
	b := bus.New(zerolog.Nop())
	api := apiregistry.New()
	ctx := newTestContext(t, newMemData(), &capturingLogger{}, b, api, nil)

	require.NoError(t, api.Register("alpha", apiregistry.Endpoint{Method: "GET", Path: "/widgets"}))
	_, err := ctx.Services.Bus.Subscribe("widget.updated", func(string, interface{}, bus.Metadata) error { return nil }, 0)
	require.NoError(t, err)
	ctx.ConfigSet("k", "v")
	require.NoError(t, ctx.StorageSet(context.Background(), "count", []byte("1")))

	ctx.Cleanup()

	assert.Empty(t, api.ForPlugin("alpha"))
	assert.Equal(t, 0, b.GetSubscriberCount("widget.updated"))
	_, ok := ctx.ConfigGet("k")
	assert.False(t, ok)
	_, ok, err = ctx.StorageGet(context.Background(), "count")
	require.NoError(t, err)
	assert.False(t, ok, "keys written during the activation are cleared")
}

func TestEvaluatorIsReachableThroughServices(t *testing.T) {
	b := bus.New(zerolog.Nop())
	cache := flags.NewCache(flags.CacheConfig{Enabled: false}, zerolog.Nop())
	store := flags.NewStore(b, cache, clock.Real{}, zerolog.Nop())
	evaluator := flags.NewEvaluator(store, cache, zerolog.Nop())
	require.NoError(t, store.CreateFlag(flags.Flag{Key: "beta", DefaultValue: true}, "tester"))

	ctx := New("alpha", "1.0.0", newMemData(), &capturingLogger{}, b, uiregistry.New(), nil, evaluator, apiregistry.New(), nil, Platform{})
	assert.True(t, ctx.Services.Flags.IsEnabled(context.Background(), "beta", flags.Context{}))
}
