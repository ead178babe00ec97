// Package uiregistry tracks plugin-contributed UI component bookkeeping as
// one generic {type, id, payload} record per component: the concrete
// component taxonomy (widgets, pages, menu items) is a host-UI concern, not
// this runtime core's.
package uiregistry

import (
	"fmt"
	"sync"
)

// Component is one UI contribution, tagged with its owning plugin.
type Component struct {
	PluginID string
	Type     string
	ID       string
	Payload  map[string]interface{}
}

// Registry holds every plugin's registered UI components.
//
// Map key format: "{pluginId}:{type}:{id}". Register acquires a write lock;
// lookups acquire a read lock.
type Registry struct {
	mu         sync.RWMutex
	components map[string]Component
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{components: make(map[string]Component)}
}

func key(pluginID, componentType, id string) string {
	return pluginID + ":" + componentType + ":" + id
}

// Register stores a component, rejecting a duplicate (pluginId, type, id).
func (r *Registry) Register(pluginID, componentType, id string, payload map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(pluginID, componentType, id)
	if _, exists := r.components[k]; exists {
		return fmt.Errorf("ui component %s/%s already registered by plugin %s", componentType, id, pluginID)
	}
	r.components[k] = Component{PluginID: pluginID, Type: componentType, ID: id, Payload: payload}
	return nil
}

// Unregister removes a single component.
func (r *Registry) Unregister(pluginID, componentType, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.components, key(pluginID, componentType, id))
}

// UnregisterAll removes every component registered by pluginID, called on
// deactivate/uninstall.
func (r *Registry) UnregisterAll(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, c := range r.components {
		if c.PluginID == pluginID {
			delete(r.components, k)
		}
	}
}

// ByType returns every registered component of componentType, across plugins.
func (r *Registry) ByType(componentType string) []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Component, 0)
	for _, c := range r.components {
		if c.Type == componentType {
			out = append(out, c)
		}
	}
	return out
}

// ForPlugin returns every component registered by pluginID.
func (r *Registry) ForPlugin(pluginID string) []Component {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Component, 0)
	for _, c := range r.components {
		if c.PluginID == pluginID {
			out = append(out, c)
		}
	}
	return out
}
