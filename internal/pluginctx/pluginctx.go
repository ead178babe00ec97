// Package pluginctx builds the per-activation façade handed to each plugin
// instance: services wrappers that tag every call with the owning plugin's
// identity, a scoped config map, scoped storage, and a read-only platform
// snapshot.
package pluginctx

import (
	"context"
	"sync"

	"github.com/forgekit/pluginhost/internal/apiregistry"
	"github.com/forgekit/pluginhost/internal/bus"
	"github.com/forgekit/pluginhost/internal/collaborator"
	"github.com/forgekit/pluginhost/internal/flags"
	"github.com/forgekit/pluginhost/internal/pluginerr"
	"github.com/forgekit/pluginhost/internal/scheduler"
	"github.com/forgekit/pluginhost/internal/uiregistry"
)

// Platform is the read-only snapshot exposed to every plugin.
type Platform struct {
	Version     string
	Environment string
	Features    map[string]bool
}

// Services bundles the identity-tagged collaborator wrappers a plugin reaches.
type Services struct {
	Logger    *scopedLogger
	Bus       *scopedBus
	Storage   *scopedStorage
	UI        *scopedUI
	Security  collaborator.SecurityService
	Flags     *flags.Evaluator
	API       *apiregistry.Registry
	Scheduler *scopedScheduler
}

// Context is the full façade for one plugin activation.
type Context struct {
	PluginID      string
	PluginVersion string
	storagePrefix string

	Services *Services
	Platform Platform

	configMu sync.RWMutex
	config   map[string]interface{}
}

// New builds the façade for one activation. data backs Storage; logger, b,
// ui, security, evaluator and api are the process-wide shared collaborators.
func New(pluginID, pluginVersion string, data collaborator.DataService, logger collaborator.Logger, b *bus.Bus, ui *uiregistry.Registry, security collaborator.SecurityService, evaluator *flags.Evaluator, api *apiregistry.Registry, sched *scheduler.Scheduler, platform Platform) *Context {
	prefix := "plugin:" + pluginID + ":"
	return &Context{
		PluginID:      pluginID,
		PluginVersion: pluginVersion,
		storagePrefix: prefix,
		config:        make(map[string]interface{}),
		Platform:      platform,
		Services: &Services{
			Logger:    &scopedLogger{pluginID: pluginID, inner: logger},
			Bus:       &scopedBus{pluginID: pluginID, inner: b},
			Storage:   &scopedStorage{prefix: prefix, inner: data, keys: make(map[string]bool)},
			UI:        &scopedUI{pluginID: pluginID, inner: ui},
			Security:  security,
			Flags:     evaluator,
			API:       api,
			Scheduler: &scopedScheduler{pluginID: pluginID, inner: sched},
		},
	}
}

// ConfigGet returns a config value and whether it was present.
func (c *Context) ConfigGet(key string) (interface{}, bool) {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	v, ok := c.config[key]
	return v, ok
}

// ConfigSet stores a config value.
func (c *Context) ConfigSet(key string, value interface{}) {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	c.config[key] = value
}

// ConfigGetAll returns a copy of the entire config map.
func (c *Context) ConfigGetAll() map[string]interface{} {
	c.configMu.RLock()
	defer c.configMu.RUnlock()
	out := make(map[string]interface{}, len(c.config))
	for k, v := range c.config {
		out[k] = v
	}
	return out
}

// StorageGet reads storagePrefix-scoped key via the data collaborator.
func (c *Context) StorageGet(ctx context.Context, key string) ([]byte, bool, error) {
	return c.Services.Storage.Get(ctx, key)
}

// StorageSet writes storagePrefix-scoped key.
func (c *Context) StorageSet(ctx context.Context, key string, value []byte) error {
	return c.Services.Storage.Set(ctx, key, value)
}

// StorageDelete removes storagePrefix-scoped key.
func (c *Context) StorageDelete(ctx context.Context, key string) error {
	return c.Services.Storage.Delete(ctx, key)
}

// Cleanup revokes the plugin's route registrations, unsubscribes every bus
// subscription tagged with this plugin, and clears the config map and the
// storage keys this activation wrote.
func (c *Context) Cleanup() {
	c.Services.API.RevokeAll(c.PluginID)
	c.Services.Bus.inner.UnsubscribeByMetadata("pluginId", c.PluginID)
	if err := c.Services.Storage.Clear(context.Background()); err != nil {
		c.Services.Logger.Warn("failed to clear plugin storage on cleanup", map[string]interface{}{"error": err.Error()})
	}
	c.configMu.Lock()
	c.config = make(map[string]interface{})
	c.configMu.Unlock()
}

// scopedLogger injects pluginId into every field map.
type scopedLogger struct {
	pluginID string
	inner    collaborator.Logger
}

func (l *scopedLogger) tag(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out["pluginId"] = l.pluginID
	return out
}

func (l *scopedLogger) Debug(msg string, fields map[string]interface{}) { l.inner.Debug(msg, l.tag(fields)) }
func (l *scopedLogger) Info(msg string, fields map[string]interface{})  { l.inner.Info(msg, l.tag(fields)) }
func (l *scopedLogger) Warn(msg string, fields map[string]interface{})  { l.inner.Warn(msg, l.tag(fields)) }
func (l *scopedLogger) Error(msg string, fields map[string]interface{}) { l.inner.Error(msg, l.tag(fields)) }

// scopedBus forces source=plugin:<id> on publish and tags subscriptions with
// {pluginId} so the registry can bulk-unsubscribe on deactivate.
type scopedBus struct {
	pluginID string
	inner    *bus.Bus
}

func (b *scopedBus) Publish(topic string, payload interface{}) error {
	return b.inner.Publish(topic, payload, bus.Metadata{Source: "plugin:" + b.pluginID})
}

func (b *scopedBus) Subscribe(topic string, handler bus.Handler, priority int) (string, error) {
	return b.inner.Subscribe(topic, handler, bus.SubscribeOptions{
		Metadata: map[string]interface{}{"pluginId": b.pluginID},
		Priority: priority,
	})
}

func (b *scopedBus) SubscribePattern(pattern string, handler bus.Handler, priority int) (string, error) {
	return b.inner.SubscribePattern(pattern, handler, bus.SubscribeOptions{
		Metadata: map[string]interface{}{"pluginId": b.pluginID},
		Priority: priority,
	})
}

func (b *scopedBus) Unsubscribe(id string) { b.inner.Unsubscribe(id) }

// ClearAllSubscriptions is intentionally not exposed: a plugin may only
// manage its own subscriptions.
func (b *scopedBus) ClearAllSubscriptions() error {
	return &pluginerr.OperationNotPermittedError{Operation: "clearAllSubscriptions"}
}

// scopedStorage prefixes every key with the owning plugin's storagePrefix and
// remembers which keys this activation wrote so Clear can remove them. The
// DataService interface has no prefix scan, so keys written by a previous
// activation are beyond Clear's reach.
type scopedStorage struct {
	prefix string
	inner  collaborator.DataService

	mu   sync.Mutex
	keys map[string]bool
}

func (s *scopedStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return s.inner.Get(ctx, s.prefix+key)
}

func (s *scopedStorage) Set(ctx context.Context, key string, value []byte) error {
	if err := s.inner.Set(ctx, s.prefix+key, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.keys[key] = true
	s.mu.Unlock()
	return nil
}

func (s *scopedStorage) Delete(ctx context.Context, key string) error {
	if err := s.inner.Delete(ctx, s.prefix+key); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.keys, key)
	s.mu.Unlock()
	return nil
}

// Clear deletes every key this activation has written.
func (s *scopedStorage) Clear(ctx context.Context) error {
	s.mu.Lock()
	keys := make([]string, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	s.keys = make(map[string]bool)
	s.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := s.inner.Delete(ctx, s.prefix+k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// scopedUI tags every registered component with pluginId.
type scopedUI struct {
	pluginID string
	inner    *uiregistry.Registry
}

func (u *scopedUI) Register(componentType, id string, payload map[string]interface{}) {
	u.inner.Register(u.pluginID, componentType, id, payload)
}

func (u *scopedUI) Unregister(componentType, id string) {
	u.inner.Unregister(u.pluginID, componentType, id)
}

// scopedScheduler confines a plugin to its own cron job namespace.
type scopedScheduler struct {
	pluginID string
	inner    *scheduler.Scheduler
}

func (s *scopedScheduler) Schedule(jobName, cronExpr string, job func()) error {
	if s.inner == nil {
		return &pluginerr.OperationNotPermittedError{Operation: "schedule"}
	}
	return s.inner.Schedule(s.pluginID, jobName, cronExpr, job)
}

func (s *scopedScheduler) Remove(jobName string) {
	if s.inner == nil {
		return
	}
	s.inner.Remove(s.pluginID, jobName)
}

func (s *scopedScheduler) ListJobs() []string {
	if s.inner == nil {
		return nil
	}
	return s.inner.ListJobs(s.pluginID)
}
