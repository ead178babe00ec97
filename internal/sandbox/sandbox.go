package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/forgekit/pluginhost/internal/clock"
	"github.com/forgekit/pluginhost/internal/collaborator"
	"github.com/forgekit/pluginhost/internal/pluginerr"
)

// MethodResolver is the explicit capability table a plugin instance
// registers at activation: handler name -> closure. The table is static for
// the lifetime of the activation; there is no dynamic field-name dispatch.
type MethodResolver map[string]func(ctx context.Context, args map[string]interface{}) (interface{}, error)

// MemorySample is one point in the sandbox's rolling heap history.
type MemorySample struct {
	At     time.Time
	HeapMB float64
}

// HeapSampler reports the current heap usage attributable to a sandbox. The
// default implementation is a no-op stand-in (Go has no per-goroutine-group
// heap accounting); hosts that embed real isolation (subprocess, cgroup)
// supply their own.
type HeapSampler interface {
	SampleMB(pluginID string) float64
}

// ZeroHeapSampler always reports 0 MB; used when no real sampler is wired.
type ZeroHeapSampler struct{}

// SampleMB implements HeapSampler.
func (ZeroHeapSampler) SampleMB(string) float64 { return 0 }

// Violation is emitted on the bus as resource-limit-exceeded.
type Violation string

const (
	ViolationMemory Violation = "memory_limit"
	ViolationLeak   Violation = "memory_leak"
	ViolationOpRate Violation = "operation_rate"
)

// OnViolation is invoked when the monitor detects one or more violations.
// The sandbox manager uses it to tear the sandbox down and let the registry
// move the plugin to INACTIVE.
type OnViolation func(pluginID string, violations []Violation, memoryUsageMB float64)

// Sandbox is the isolated execution context for one ACTIVE plugin.
type Sandbox struct {
	PluginID string
	Level    IsolationLevel
	Quotas   Quotas
	Caps     *Capabilities

	startedAt time.Time
	clock     clock.Clock
	logger    zerolog.Logger
	sampler   HeapSampler
	onViol    OnViolation
	security  collaborator.SecurityService

	resolverMu sync.RWMutex
	resolver   MethodResolver

	limiter *rate.Limiter

	callMu  sync.Mutex
	pending map[string]chan callResult
	callSeq uint64

	connMu      sync.Mutex
	activeConns int

	opMu       sync.Mutex
	operations int64

	samplesMu sync.Mutex
	samples   []MemorySample

	stopMonitor chan struct{}
	monitorDone chan struct{}
	stopped     bool
	stopMu      sync.Mutex
}

type callResult struct {
	value interface{}
	err   error
}

// Config bundles the construction-time inputs for a Sandbox.
type Config struct {
	PluginID     string
	PluginDir    string
	Level        IsolationLevel
	Quotas       Quotas
	Granted      map[string]bool
	AllowedHosts []string
	EnvWhitelist []string
	Resolver     MethodResolver
	Clock        clock.Clock
	Logger       zerolog.Logger
	Sampler      HeapSampler
	OnViolation  OnViolation
	Security     collaborator.SecurityService
}

// New constructs and starts a Sandbox: its resource monitor begins ticking
// immediately at 1s intervals.
func New(cfg Config) *Sandbox {
	if cfg.Sampler == nil {
		cfg.Sampler = ZeroHeapSampler{}
	}
	s := &Sandbox{
		PluginID:    cfg.PluginID,
		Level:       cfg.Level,
		Quotas:      cfg.Quotas,
		Caps:        newCapabilities(cfg.PluginID, cfg.PluginDir, cfg.Granted, cfg.AllowedHosts, cfg.EnvWhitelist, cfg.Logger),
		startedAt:   cfg.Clock.Now(),
		clock:       cfg.Clock,
		logger:      cfg.Logger.With().Str("component", "sandbox").Str("pluginId", cfg.PluginID).Logger(),
		sampler:     cfg.Sampler,
		onViol:      cfg.OnViolation,
		security:    cfg.Security,
		resolver:    cfg.Resolver,
		limiter:     rate.NewLimiter(rate.Limit(2000.0/60.0), 50),
		pending:     make(map[string]chan callResult),
		stopMonitor: make(chan struct{}),
		monitorDone: make(chan struct{}),
	}
	go s.monitorLoop()
	return s
}

// CallMethod serializes a call to the plugin's registered method, enforcing
// the sandbox's maxExecutionTime deadline. On timeout the resolver is
// dropped and ExecutionTimeoutError is returned.
func (s *Sandbox) CallMethod(ctx context.Context, method string, args map[string]interface{}) (interface{}, error) {
	// golang.org/x/time/rate admits calls proactively so a runaway plugin is
	// throttled before it ever reaches the monitor's post-hoc operation-rate
	// violation check; the 1s-sampled monitor loop still owns the
	// authoritative resource-limit-exceeded decision.
	if !s.limiter.Allow() {
		return nil, &pluginerr.ResourceLimitExceededError{PluginID: s.PluginID, Kinds: []string{string(ViolationOpRate)}}
	}

	s.resolverMu.RLock()
	fn, ok := s.resolver[method]
	s.resolverMu.RUnlock()
	if !ok {
		return nil, &pluginerr.ModuleNotAllowedError{Module: method}
	}

	if s.security != nil {
		if err := s.security.ValidatePluginAction(ctx, s.PluginID, method, args); err != nil {
			return nil, err
		}
	}

	if isNetworkMethod(method) {
		if admitted := s.admitConnection(method); !admitted {
			return nil, fmt.Errorf("network connection quota exceeded for plugin %s", s.PluginID)
		}
		defer s.releaseConnectionIfClose(method)
	}

	s.opMu.Lock()
	s.operations++
	s.opMu.Unlock()

	timeout := time.Duration(s.Quotas.MaxExecutionTimeMs) * time.Millisecond
	if timeout <= 0 {
		timeout = DefaultMaxExecutionTime
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.callMu.Lock()
	s.callSeq++
	callID := fmt.Sprintf("%d", s.callSeq)
	resultCh := make(chan callResult, 1)
	s.pending[callID] = resultCh
	s.callMu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.resolve(callID, callResult{err: fmt.Errorf("plugin method %s panicked: %v", method, r)})
			}
		}()
		v, err := fn(callCtx, args)
		s.resolve(callID, callResult{value: v, err: err})
	}()

	select {
	case res := <-resultCh:
		return res.value, res.err
	case <-callCtx.Done():
		s.callMu.Lock()
		delete(s.pending, callID)
		s.callMu.Unlock()
		return nil, &pluginerr.ExecutionTimeoutError{PluginID: s.PluginID, Method: method}
	}
}

// resolve delivers a result to the waiter registered under callID, if it is
// still pending. A call that already timed out or was cancelled by Stop has
// no entry left, and the late result is discarded.
func (s *Sandbox) resolve(callID string, res callResult) {
	s.callMu.Lock()
	ch, ok := s.pending[callID]
	if ok {
		delete(s.pending, callID)
	}
	s.callMu.Unlock()
	if ok {
		ch <- res
	}
}

func isNetworkMethod(method string) bool {
	return containsFold(method, "open") || containsFold(method, "close") || containsFold(method, "connect") || containsFold(method, "disconnect")
}

func containsFold(s, sub string) bool {
	return len(s) >= len(sub) && indexFold(s, sub) >= 0
}

func indexFold(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if equalFold(s[i:i+len(sub)], sub) {
			return i
		}
	}
	return -1
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (s *Sandbox) admitConnection(method string) bool {
	if containsFold(method, "close") || containsFold(method, "disconnect") {
		return true
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.activeConns >= s.Quotas.MaxNetworkConnections {
		return false
	}
	s.activeConns++
	return true
}

func (s *Sandbox) releaseConnectionIfClose(method string) {
	if !containsFold(method, "close") && !containsFold(method, "disconnect") {
		return
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.activeConns > 0 {
		s.activeConns--
	}
}

// monitorLoop samples heap usage every second, keeps the last 100 samples,
// and checks the memory-limit, leak-rate, and operation-rate violations.
func (s *Sandbox) monitorLoop() {
	defer close(s.monitorDone)
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopMonitor:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}

func (s *Sandbox) tick() {
	heapMB := s.sampler.SampleMB(s.PluginID)
	now := s.clock.Now()

	s.samplesMu.Lock()
	s.samples = append(s.samples, MemorySample{At: now, HeapMB: heapMB})
	if len(s.samples) > 100 {
		s.samples = s.samples[len(s.samples)-100:]
	}
	samples := append([]MemorySample(nil), s.samples...)
	s.samplesMu.Unlock()

	var violations []Violation

	if heapMB > float64(s.Quotas.MemoryLimitMB) {
		violations = append(violations, ViolationMemory)
	}

	if leak := leakRateMBPerMin(samples); leak > 5.0 {
		violations = append(violations, ViolationLeak)
	}

	s.opMu.Lock()
	ops := s.operations
	s.opMu.Unlock()
	runtimeMinutes := now.Sub(s.startedAt).Minutes()
	if runtimeMinutes > 0 && float64(ops)/runtimeMinutes > 2000 {
		violations = append(violations, ViolationOpRate)
	}

	if len(violations) > 0 {
		s.logger.Warn().Interface("violations", violations).Float64("heapMB", heapMB).Msg("resource limit exceeded")
		if s.onViol != nil {
			s.onViol(s.PluginID, violations, heapMB)
		}
	}
}

// leakRateMBPerMin computes growth over the last 10 samples in MB/minute.
func leakRateMBPerMin(samples []MemorySample) float64 {
	if len(samples) < 10 {
		return 0
	}
	window := samples[len(samples)-10:]
	first, last := window[0], window[len(window)-1]
	elapsedMin := last.At.Sub(first.At).Minutes()
	if elapsedMin <= 0 {
		return 0
	}
	return (last.HeapMB - first.HeapMB) / elapsedMin
}

// Stop halts the monitor, cancels every pending call with CancelledError,
// and requests the worker terminate with a 5s guard. There is no real
// subprocess to kill in this in-process model, so the "kill" step is a
// no-op beyond marking the sandbox stopped.
func (s *Sandbox) Stop(ctx context.Context) {
	s.stopMu.Lock()
	if s.stopped {
		s.stopMu.Unlock()
		return
	}
	s.stopped = true
	s.stopMu.Unlock()

	close(s.stopMonitor)

	s.callMu.Lock()
	for id, ch := range s.pending {
		ch <- callResult{err: &pluginerr.CancelledError{PluginID: s.PluginID}}
		delete(s.pending, id)
	}
	s.callMu.Unlock()

	select {
	case <-s.monitorDone:
	case <-time.After(5 * time.Second):
	}
}
