package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgekit/pluginhost/internal/clock"
	"github.com/forgekit/pluginhost/internal/collaborator"
	"github.com/forgekit/pluginhost/internal/pluginerr"
)

type stubSecurity struct {
	denyMethod string
}

func (s *stubSecurity) HasPermission(ctx context.Context, subject, permission string) (collaborator.AuthDecision, error) {
	return collaborator.AuthDecision{Granted: true}, nil
}

func (s *stubSecurity) LogEvent(ctx context.Context, entry collaborator.AuditEntry) error { return nil }

func (s *stubSecurity) ValidatePluginAction(ctx context.Context, pluginID, action string, args map[string]interface{}) error {
	if s.denyMethod != "" && action == s.denyMethod {
		return &pluginerr.OperationNotPermittedError{Operation: action}
	}
	return nil
}

// constantHeapSampler reports a fixed heap size so tests can force a
// memory-limit violation deterministically.
type constantHeapSampler struct {
	mb float64
}

func (c constantHeapSampler) SampleMB(string) float64 { return c.mb }

func newTestSandbox(t *testing.T, resolver MethodResolver, cfg Config) *Sandbox {
	t.Helper()
	cfg.PluginID = "plugin-a"
	cfg.Resolver = resolver
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	cfg.Logger = zerolog.Nop()
	if cfg.Quotas == (Quotas{}) {
		cfg.Quotas = QuotasForLevel(Strict, 64)
	}
	sb := New(cfg)
	t.Cleanup(func() { sb.Stop(context.Background()) })
	return sb
}

func TestCallMethodReturnsResult(t *testing.T) {
	resolver := MethodResolver{
		"echo": func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return args["value"], nil
		},
	}
	sb := newTestSandbox(t, resolver, Config{})

	result, err := sb.CallMethod(context.Background(), "echo", map[string]interface{}{"value": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", result)
}

func TestCallMethodUnknownMethodRejected(t *testing.T) {
	sb := newTestSandbox(t, MethodResolver{}, Config{})
	_, err := sb.CallMethod(context.Background(), "missing", nil)
	assert.True(t, pluginerr.IsModuleNotAllowed(err))
}

func TestCallMethodSecurityDenialPropagates(t *testing.T) {
	resolver := MethodResolver{
		"dangerous": func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return nil, nil
		},
	}
	sb := newTestSandbox(t, resolver, Config{Security: &stubSecurity{denyMethod: "dangerous"}})

	_, err := sb.CallMethod(context.Background(), "dangerous", nil)
	require.Error(t, err)
	var opErr *pluginerr.OperationNotPermittedError
	assert.ErrorAs(t, err, &opErr)
}

func TestCallMethodTimesOutOnSlowMethod(t *testing.T) {
	resolver := MethodResolver{
		"slow": func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			time.Sleep(time.Second)
			return "too slow", nil
		},
	}
	sb := newTestSandbox(t, resolver, Config{Quotas: Quotas{MaxExecutionTimeMs: 10, MemoryLimitMB: 64, MaxNetworkConnections: 5}})

	_, err := sb.CallMethod(context.Background(), "slow", nil)
	require.Error(t, err)
	var timeoutErr *pluginerr.ExecutionTimeoutError
	assert.ErrorAs(t, err, &timeoutErr)
}

func TestCallMethodRecoversPanic(t *testing.T) {
	resolver := MethodResolver{
		"boom": func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			panic("kaboom")
		},
	}
	sb := newTestSandbox(t, resolver, Config{})
	_, err := sb.CallMethod(context.Background(), "boom", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestCallMethodNetworkConnectionQuota(t *testing.T) {
	resolver := MethodResolver{
		"http.open": func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "opened", nil
		},
	}
	sb := newTestSandbox(t, resolver, Config{Quotas: Quotas{MaxExecutionTimeMs: 1000, MemoryLimitMB: 64, MaxNetworkConnections: 1}})

	_, err := sb.CallMethod(context.Background(), "http.open", nil)
	require.NoError(t, err)

	_, err = sb.CallMethod(context.Background(), "http.open", nil)
	assert.Error(t, err, "second concurrent connection should exceed the quota")
}

func TestTickDetectsMemoryLimitViolation(t *testing.T) {
	var gotViolations []Violation
	done := make(chan struct{})
	onViol := func(pluginID string, violations []Violation, memoryUsageMB float64) {
		gotViolations = violations
		close(done)
	}

	sb := newTestSandbox(t, MethodResolver{}, Config{
		Sampler:     constantHeapSampler{mb: 999},
		OnViolation: onViol,
		Quotas:      Quotas{MemoryLimitMB: 64, MaxExecutionTimeMs: 1000, MaxNetworkConnections: 5},
	})

	sb.tick()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onViolation was not invoked")
	}
	assert.Contains(t, gotViolations, ViolationMemory)
}

func TestLeakRateMBPerMinRequiresTenSamples(t *testing.T) {
	now := time.Unix(0, 0)
	samples := make([]MemorySample, 9)
	for i := range samples {
		samples[i] = MemorySample{At: now.Add(time.Duration(i) * time.Minute), HeapMB: float64(i)}
	}
	assert.Equal(t, 0.0, leakRateMBPerMin(samples))
}

func TestLeakRateMBPerMinComputesGrowth(t *testing.T) {
	now := time.Unix(0, 0)
	samples := make([]MemorySample, 10)
	for i := range samples {
		samples[i] = MemorySample{At: now.Add(time.Duration(i) * time.Minute), HeapMB: float64(i * 2)}
	}
	rate := leakRateMBPerMin(samples)
	assert.InDelta(t, 2.0, rate, 0.001)
}

func TestStopIsIdempotentAndCancelsPending(t *testing.T) {
	block := make(chan struct{})
	resolver := MethodResolver{
		"hang": func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			<-block
			return nil, nil
		},
	}
	sb := newTestSandbox(t, resolver, Config{Quotas: Quotas{MaxExecutionTimeMs: 60_000, MemoryLimitMB: 64, MaxNetworkConnections: 5}})

	errCh := make(chan error, 1)
	go func() {
		_, err := sb.CallMethod(context.Background(), "hang", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		sb.callMu.Lock()
		defer sb.callMu.Unlock()
		return len(sb.pending) == 1
	}, time.Second, 5*time.Millisecond)

	sb.Stop(context.Background())
	sb.Stop(context.Background())

	err := <-errCh
	assert.True(t, pluginerr.IsCancelled(err))
	close(block)
}
