// Package collaborator declares the interfaces the plugin runtime core
// consumes from the host platform. The core never imports a concrete HTTP
// server, auth stack, or database driver; it is handed implementations of
// these interfaces by the host at construction time.
package collaborator

import "context"

// Logger is the structured logging sink the core and plugin contexts write
// to. A concrete implementation typically wraps zerolog, matching the rest
// of the platform's logging idiom.
type Logger interface {
	Debug(message string, fields map[string]interface{})
	Info(message string, fields map[string]interface{})
	Warn(message string, fields map[string]interface{})
	Error(message string, fields map[string]interface{})
}

// DataService is the abstracted persistent store. Plugin storage and,
// optionally, the feature flag store are backed by it.
type DataService interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Query(ctx context.Context, collection string, filter map[string]interface{}) ([][]byte, error)
}

// AuthDecision is the result of a permission check against the security
// service.
type AuthDecision struct {
	Granted bool
	Reason  string
}

// AuditEntry is a single audit record handed to the security service's sink.
type AuditEntry struct {
	PluginID  string
	Action    string
	Detail    map[string]interface{}
	Timestamp int64
}

// SecurityService is the external authorization/audit collaborator. The
// sandbox consults it before dispatching a method call.
type SecurityService interface {
	HasPermission(ctx context.Context, subject, permission string) (AuthDecision, error)
	LogEvent(ctx context.Context, entry AuditEntry) error
	ValidatePluginAction(ctx context.Context, pluginID, action string, args map[string]interface{}) error
}

// UIComponent is an opaque UI contribution record tagged with its owning plugin.
type UIComponent struct {
	PluginID string
	Type     string
	ID       string
	Payload  map[string]interface{}
}

// UIShell is the external UI component registry.
type UIShell interface {
	RegisterComponent(component UIComponent) error
	UnregisterComponent(pluginID, id string) error
	GetComponentsByType(componentType string) []UIComponent
}
