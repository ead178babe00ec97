// Package apiregistry tracks plugin-contributed API route bookkeeping: this
// runtime core owns which routes exist and who owns them, not how the host
// mounts them.
package apiregistry

import (
	"fmt"
	"sync"
)

// Endpoint is one registered route contribution.
type Endpoint struct {
	PluginID    string
	Method      string
	Path        string
	Permissions []string
	Description string
}

// Registry holds every plugin's registered endpoints.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]Endpoint
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{endpoints: make(map[string]Endpoint)}
}

func key(pluginID, method, path string) string {
	return pluginID + ":" + method + ":" + path
}

// Register adds an endpoint, namespaced under /api/plugins/<pluginId>.
// Fails if the same plugin has already registered method+path.
func (r *Registry) Register(pluginID string, ep Endpoint) error {
	if len(ep.Path) == 0 || ep.Path[0] != '/' {
		ep.Path = "/" + ep.Path
	}
	ep.Path = fmt.Sprintf("/api/plugins/%s%s", pluginID, ep.Path)
	ep.PluginID = pluginID

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(pluginID, ep.Method, ep.Path)
	if _, exists := r.endpoints[k]; exists {
		return fmt.Errorf("endpoint %s %s already registered by plugin %s", ep.Method, ep.Path, pluginID)
	}
	r.endpoints[k] = ep
	return nil
}

// Unregister removes a single endpoint.
func (r *Registry) Unregister(pluginID, method, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.endpoints, key(pluginID, method, path))
}

// RevokeAll removes every endpoint registered by pluginID.
func (r *Registry) RevokeAll(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, ep := range r.endpoints {
		if ep.PluginID == pluginID {
			delete(r.endpoints, k)
		}
	}
}

// All returns every registered endpoint.
func (r *Registry) All() []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0, len(r.endpoints))
	for _, ep := range r.endpoints {
		out = append(out, ep)
	}
	return out
}

// ForPlugin returns the endpoints owned by pluginID.
func (r *Registry) ForPlugin(pluginID string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Endpoint, 0)
	for _, ep := range r.endpoints {
		if ep.PluginID == pluginID {
			out = append(out, ep)
		}
	}
	return out
}
