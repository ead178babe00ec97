// Package registry implements the plugin registry state machine: directory
// discovery, manifest validation wiring, dependency DAG resolution, and the
// six-state lifecycle (DISCOVERED/INSTALLED/ACTIVE/INACTIVE/NEEDS_UPDATE/
// ERRORED). It is the orchestrator that wires together bus, permission,
// sandbox, flags, and pluginctx.
package registry

import (
	"sync"
	"time"

	"github.com/forgekit/pluginhost/internal/manifest"
	"github.com/forgekit/pluginhost/internal/pluginctx"
)

// ActivationContext is the façade handed to every lifecycle hook.
type ActivationContext = pluginctx.Context

// State is one of the six lifecycle states.
type State string

const (
	StateDiscovered  State = "DISCOVERED"
	StateInstalled   State = "INSTALLED"
	StateActive      State = "ACTIVE"
	StateInactive    State = "INACTIVE"
	StateNeedsUpdate State = "NEEDS_UPDATE"
	StateErrored     State = "ERRORED"
)

// Plugin is the lifecycle capability set a plugin instance may implement:
// every hook is optional, the registry type-asserts before invoking rather
// than requiring a full interface implementation.
type Plugin interface{}

// Installer is implemented by plugins that need install-time setup.
type Installer interface {
	OnInstall(ctx *ActivationContext) error
}

// Activator is implemented by plugins that need activate-time setup.
type Activator interface {
	OnActivate(ctx *ActivationContext) error
}

// Deactivator is implemented by plugins that need deactivate-time teardown.
type Deactivator interface {
	OnDeactivate(ctx *ActivationContext) error
}

// Uninstaller is implemented by plugins that need uninstall-time teardown.
type Uninstaller interface {
	OnUninstall(ctx *ActivationContext) error
}

// Updater is implemented by plugins that react to their own version change.
type Updater interface {
	OnUpdate(ctx *ActivationContext, oldVersion, newVersion string) error
}

// Record is the registry's bookkeeping for one plugin across its lifetime.
type Record struct {
	Manifest *manifest.Manifest
	Dir      string
	State    State

	DiscoveredAt time.Time
	InstalledAt  *time.Time
	ActivatedAt  *time.Time

	LastError error

	settingsMu sync.RWMutex
	settings   map[string]interface{}

	instance        Plugin
	activationCtx   *ActivationContext
	subscriptionIDs []string
}

// ID is a convenience accessor over the manifest.
func (r *Record) ID() string { return r.Manifest.ID }

// Settings returns a copy of the plugin's mutable settings map.
func (r *Record) Settings() map[string]interface{} {
	r.settingsMu.RLock()
	defer r.settingsMu.RUnlock()
	out := make(map[string]interface{}, len(r.settings))
	for k, v := range r.settings {
		out[k] = v
	}
	return out
}

// SetSetting stores a single settings key.
func (r *Record) SetSetting(key string, value interface{}) {
	r.settingsMu.Lock()
	defer r.settingsMu.Unlock()
	if r.settings == nil {
		r.settings = make(map[string]interface{})
	}
	r.settings[key] = value
}
