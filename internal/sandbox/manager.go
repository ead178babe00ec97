package sandbox

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/forgekit/pluginhost/internal/clock"
	"github.com/forgekit/pluginhost/internal/collaborator"
	"github.com/forgekit/pluginhost/internal/pluginerr"
)

// ManagerConfig bundles the shared dependencies every sandbox the manager
// creates will use.
type ManagerConfig struct {
	Clock       clock.Clock
	Logger      zerolog.Logger
	Sampler     HeapSampler
	OnViolation OnViolation
	Security    collaborator.SecurityService
}

// Manager owns the set of running sandboxes, one per ACTIVE plugin, and
// runs a 30s aggregate monitor mirroring the per-sandbox one at fleet scale.
type Manager struct {
	cfg ManagerConfig

	mu        sync.RWMutex
	sandboxes map[string]*Sandbox

	cron   *cron.Cron
	logger zerolog.Logger
}

// NewManager constructs a Manager and starts its aggregate monitor.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Sampler == nil {
		cfg.Sampler = ZeroHeapSampler{}
	}
	m := &Manager{
		cfg:       cfg,
		sandboxes: make(map[string]*Sandbox),
		cron:      cron.New(),
		logger:    cfg.Logger.With().Str("component", "sandbox-manager").Logger(),
	}
	_, err := m.cron.AddFunc("@every 30s", m.aggregateTick)
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to schedule aggregate sandbox monitor")
	}
	m.cron.Start()
	return m
}

// Create starts a new sandbox for pluginID. Returns SandboxAlreadyExistsError
// if one is already running.
func (m *Manager) Create(cfg Config) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sandboxes[cfg.PluginID]; exists {
		return nil, &pluginerr.SandboxAlreadyExistsError{PluginID: cfg.PluginID}
	}

	if cfg.Clock == nil {
		cfg.Clock = m.cfg.Clock
	}
	if cfg.Sampler == nil {
		cfg.Sampler = m.cfg.Sampler
	}
	if cfg.Security == nil {
		cfg.Security = m.cfg.Security
	}
	if cfg.OnViolation == nil {
		cfg.OnViolation = m.wrapViolation(cfg.OnViolation)
	} else {
		userCb := cfg.OnViolation
		cfg.OnViolation = func(pluginID string, violations []Violation, memMB float64) {
			m.destroyLocked(pluginID)
			userCb(pluginID, violations, memMB)
		}
	}

	sb := New(cfg)
	m.sandboxes[cfg.PluginID] = sb
	return sb, nil
}

func (m *Manager) wrapViolation(_ OnViolation) OnViolation {
	return func(pluginID string, violations []Violation, memMB float64) {
		m.logger.Warn().Str("pluginId", pluginID).Interface("violations", violations).Float64("heapMB", memMB).Msg("tearing down sandbox after violation")
		m.destroyLocked(pluginID)
	}
}

func (m *Manager) destroyLocked(pluginID string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[pluginID]
	if ok {
		delete(m.sandboxes, pluginID)
	}
	m.mu.Unlock()
	if ok {
		sb.Stop(context.Background())
	}
}

// Destroy stops and removes the sandbox for pluginID. Idempotent.
func (m *Manager) Destroy(pluginID string) {
	m.destroyLocked(pluginID)
}

// Get returns the running sandbox for pluginID, if any.
func (m *Manager) Get(pluginID string) (*Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sb, ok := m.sandboxes[pluginID]
	return sb, ok
}

// Count returns the number of currently running sandboxes.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sandboxes)
}

func (m *Manager) aggregateTick() {
	m.mu.RLock()
	count := len(m.sandboxes)
	ids := make([]string, 0, count)
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	if count > 20 {
		m.logger.Error().Int("activeSandboxes", count).Msg("active sandbox count exceeds fleet ceiling")
	}

	var totalHeap float64
	for _, id := range ids {
		totalHeap += m.cfg.Sampler.SampleMB(id)
	}
	if totalHeap > 1024 {
		m.logger.Warn().Float64("totalHeapMB", totalHeap).Msg("aggregate sandbox heap usage above 1024MB")
	} else if totalHeap > 512 {
		m.logger.Warn().Float64("totalHeapMB", totalHeap).Msg("aggregate sandbox heap usage above 512MB")
	}
}

// DestroyAll stops the aggregate monitor and every running sandbox in parallel.
func (m *Manager) DestroyAll() {
	m.cron.Stop()

	m.mu.Lock()
	sandboxes := make([]*Sandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		sandboxes = append(sandboxes, sb)
	}
	m.sandboxes = make(map[string]*Sandbox)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sb := range sandboxes {
		wg.Add(1)
		go func(sb *Sandbox) {
			defer wg.Done()
			sb.Stop(context.Background())
		}(sb)
	}
	wg.Wait()
}
