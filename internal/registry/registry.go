package registry

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/forgekit/pluginhost/internal/apiregistry"
	"github.com/forgekit/pluginhost/internal/bus"
	"github.com/forgekit/pluginhost/internal/clock"
	"github.com/forgekit/pluginhost/internal/collaborator"
	"github.com/forgekit/pluginhost/internal/flags"
	"github.com/forgekit/pluginhost/internal/manifest"
	"github.com/forgekit/pluginhost/internal/permission"
	"github.com/forgekit/pluginhost/internal/pluginerr"
	"github.com/forgekit/pluginhost/internal/sandbox"
	"github.com/forgekit/pluginhost/internal/scheduler"
	"github.com/forgekit/pluginhost/internal/uiregistry"
)

// Config bundles every collaborator the Registry orchestrates.
type Config struct {
	PlatformVersion string
	Environment     string
	Features        map[string]bool

	// AllowedHosts and EnvWhitelist are handed to every sandbox: the hosts a
	// plugin with network:http may reach, and the environment variables its
	// process record exposes. Both default to empty, which means no host and
	// no variable beyond PLUGIN_ID.
	AllowedHosts []string
	EnvWhitelist []string

	Bus        *bus.Bus
	Permission *permission.Validator
	Sandboxes  *sandbox.Manager
	Flags      *flags.Evaluator
	API        *apiregistry.Registry
	UI         *uiregistry.Registry
	Factories  *FactoryRegistry
	Scheduler  *scheduler.Scheduler

	Data     collaborator.DataService
	Logger   collaborator.Logger
	Security collaborator.SecurityService
	Clock    clock.Clock

	ZLog zerolog.Logger
}

// Registry is the single-writer/multi-reader plugin map plus its
// per-plugin-id locks: mutations to one plugin id are serialized, distinct
// plugin ids proceed independently.
type Registry struct {
	cfg Config

	mu      sync.RWMutex
	records map[string]*Record

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	logger zerolog.Logger
}

// New constructs an empty Registry over cfg.
func New(cfg Config) *Registry {
	if cfg.Factories == nil {
		cfg.Factories = GlobalFactoryRegistry()
	}
	return &Registry{
		cfg:     cfg,
		records: make(map[string]*Record),
		locks:   make(map[string]*sync.Mutex),
		logger:  cfg.ZLog.With().Str("component", "registry").Logger(),
	}
}

func (reg *Registry) lockFor(id string) *sync.Mutex {
	reg.locksMu.Lock()
	defer reg.locksMu.Unlock()
	l, ok := reg.locks[id]
	if !ok {
		l = &sync.Mutex{}
		reg.locks[id] = l
	}
	return l
}

// Get returns the record for id.
func (reg *Registry) Get(id string) (*Record, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.records[id]
	return r, ok
}

// List returns a snapshot of every record.
func (reg *Registry) List() []*Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Record, 0, len(reg.records))
	for _, r := range reg.records {
		out = append(out, r)
	}
	return out
}

func (reg *Registry) snapshot() map[string]*Record {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make(map[string]*Record, len(reg.records))
	for k, v := range reg.records {
		out[k] = v
	}
	return out
}

// Discover scans dir's immediate subdirectories in parallel. Each must
// contain plugin.json; a missing manifest or any parse/validation failure is
// logged and skipped, never aborting the rest of the pass. Successful reads
// are inserted at DISCOVERED, unless the id is already known: discover never
// silently overwrites an existing record (that is update's job).
func (reg *Registry) Discover(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	type result struct {
		subdir string
		m      *manifest.Manifest
		err    error
	}

	results := make(chan result, len(entries))
	var wg sync.WaitGroup
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			subdir := filepath.Join(dir, name)
			m, err := manifest.LoadFromDir(subdir)
			results <- result{subdir: subdir, m: m, err: err}
		}(entry.Name())
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.err != nil {
			reg.logger.Warn().Str("dir", res.subdir).Err(res.err).Msg("skipping plugin directory: manifest missing or invalid")
			continue
		}

		reg.mu.Lock()
		if existing, exists := reg.records[res.m.ID]; exists {
			// A superseding manifest for an installed plugin marks the record
			// NEEDS_UPDATE; applying it is an explicit Update call.
			if existing.State == StateInstalled || existing.State == StateInactive {
				if greater, err := manifest.GreaterThan(res.m.Version, existing.Manifest.Version); err == nil && greater {
					existing.State = StateNeedsUpdate
					reg.logger.Info().
						Str("pluginId", res.m.ID).
						Str("installedVersion", existing.Manifest.Version).
						Str("observedVersion", res.m.Version).
						Msg("superseding manifest observed, plugin needs update")
				}
			}
			reg.mu.Unlock()
			continue
		}
		reg.records[res.m.ID] = &Record{
			Manifest:     res.m,
			Dir:          res.subdir,
			State:        StateDiscovered,
			DiscoveredAt: reg.cfg.Clock.Now(),
		}
		reg.mu.Unlock()
	}
	return nil
}

func (reg *Registry) publish(topic string, payload interface{}) {
	if reg.cfg.Bus == nil {
		return
	}
	if err := reg.cfg.Bus.Publish(topic, payload, bus.Metadata{Source: "registry"}); err != nil {
		reg.logger.Warn().Err(err).Str("topic", topic).Msg("failed to publish registry event")
	}
}

// requireRecord fetches a record or returns PluginNotFoundError.
func (reg *Registry) requireRecord(id string) (*Record, error) {
	reg.mu.RLock()
	r, ok := reg.records[id]
	reg.mu.RUnlock()
	if !ok {
		return nil, &pluginerr.PluginNotFoundError{PluginID: id}
	}
	return r, nil
}
