package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/forgekit/pluginhost/internal/bus"
	"github.com/forgekit/pluginhost/internal/flags"
	"github.com/forgekit/pluginhost/internal/manifest"
	"github.com/forgekit/pluginhost/internal/pluginctx"
	"github.com/forgekit/pluginhost/internal/pluginerr"
	"github.com/forgekit/pluginhost/internal/sandbox"
)

// HandlerProvider is implemented by a plugin instance that exposes a static
// handler table for its event subscriptions. A plugin that implements no
// handlers at all is still legal; Handlers() may return nil.
type HandlerProvider interface {
	Handlers() sandbox.MethodResolver
}

type uiContribution struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id"`
	Payload map[string]interface{} `json:"payload"`
}

func (reg *Registry) newActivationCtx(id, version string) *pluginctx.Context {
	return pluginctx.New(
		id, version,
		reg.cfg.Data, reg.cfg.Logger, reg.cfg.Bus, reg.cfg.UI, reg.cfg.Security,
		reg.cfg.Flags, reg.cfg.API, reg.cfg.Scheduler,
		pluginctx.Platform{
			Version:     reg.cfg.PlatformVersion,
			Environment: reg.cfg.Environment,
			Features:    reg.cfg.Features,
		},
	)
}

func resolverFor(instance Plugin) sandbox.MethodResolver {
	hp, ok := instance.(HandlerProvider)
	if !ok {
		return sandbox.MethodResolver{}
	}
	resolver := hp.Handlers()
	if resolver == nil {
		return sandbox.MethodResolver{}
	}
	return resolver
}

// Install transitions id from DISCOVERED/NEEDS_UPDATE to INSTALLED: platform
// compatibility, dependency resolution, module (factory) load, and the
// optional onInstall hook.
func (reg *Registry) Install(id string) error {
	lock := reg.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	record, err := reg.requireRecord(id)
	if err != nil {
		return err
	}

	if record.State != StateDiscovered && record.State != StateNeedsUpdate {
		return &pluginerr.IllegalTransitionError{PluginID: id, From: string(record.State), Op: "install"}
	}

	if ok, err := record.Manifest.PlatformCompatible(reg.cfg.PlatformVersion); err != nil || !ok {
		return &pluginerr.IncompatiblePlatformError{
			PluginID: id, PlatformVersion: reg.cfg.PlatformVersion,
			MinVersion: record.Manifest.MinPlatformVersion, MaxVersion: record.Manifest.MaxPlatformVersion,
		}
	}

	snapshot := reg.snapshot()
	if resolved, missing := checkDependencies(record.Manifest, snapshot); !resolved {
		return &pluginerr.DependencyUnresolvedError{PluginID: id, Missing: missing}
	}

	factory, ok := reg.cfg.Factories.Get(id)
	if !ok {
		err := &pluginerr.ModuleLoadFailedError{PluginID: id, Cause: fmt.Errorf("no factory registered for plugin %q", id)}
		reg.setErrored(record, err)
		return err
	}
	instance := factory()

	if installer, ok := instance.(Installer); ok {
		ctx := reg.newActivationCtx(id, record.Manifest.Version)
		if err := installer.OnInstall(ctx); err != nil {
			wrapped := &pluginerr.HookFailedError{PluginID: id, Stage: "install", Cause: err}
			reg.setErrored(record, wrapped)
			return wrapped
		}
	}

	now := reg.cfg.Clock.Now()
	reg.mu.Lock()
	record.instance = instance
	record.State = StateInstalled
	record.InstalledAt = &now
	record.LastError = nil
	reg.mu.Unlock()

	reg.publish("plugins.installed", map[string]interface{}{
		"pluginId": id, "version": record.Manifest.Version, "timestamp": now,
	})
	return nil
}

// Activate transitions id to ACTIVE: platform/dependency/feature-flag gates,
// permission validation, sandbox creation, event subscription and UI
// registration, then the onActivate hook. Calling Activate on an
// already-ACTIVE plugin is a no-op that returns success.
func (reg *Registry) Activate(id string) error {
	lock := reg.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return reg.activateLocked(id)
}

func (reg *Registry) activateLocked(id string) error {
	record, err := reg.requireRecord(id)
	if err != nil {
		return err
	}

	if record.State == StateActive {
		return nil
	}
	if record.State != StateInstalled && record.State != StateInactive {
		return &pluginerr.IllegalTransitionError{PluginID: id, From: string(record.State), Op: "activate"}
	}

	if ok, err := record.Manifest.PlatformCompatible(reg.cfg.PlatformVersion); err != nil || !ok {
		return &pluginerr.IncompatiblePlatformError{
			PluginID: id, PlatformVersion: reg.cfg.PlatformVersion,
			MinVersion: record.Manifest.MinPlatformVersion, MaxVersion: record.Manifest.MaxPlatformVersion,
		}
	}

	snapshot := reg.snapshot()
	if ok, depID := depsActive(record.Manifest, snapshot); !ok {
		return &pluginerr.DependencyNotActiveError{DependencyID: depID}
	}

	if reg.cfg.Flags != nil {
		allowed := reg.cfg.Flags.ShouldActivatePlugin(context.Background(), id, flags.Context{"pluginId": id})
		if !allowed {
			err := fmt.Errorf("activation of plugin %q is gated off by feature flag", id)
			reg.setErrored(record, err)
			return err
		}
	}

	result := reg.cfg.Permission.Validate(record.Manifest.Permissions)
	if !result.Valid {
		err := &pluginerr.PermissionInvalidError{Permissions: result.Errors}
		reg.setErrored(record, err)
		return err
	}
	for _, w := range result.Warnings {
		reg.logger.Warn().Str("pluginId", id).Str("warning", w).Msg("plugin permission warning")
	}

	granted := make(map[string]bool, len(record.Manifest.Permissions))
	for _, p := range record.Manifest.Permissions {
		granted[p] = true
	}

	quotas := sandbox.QuotasForLevel(sandbox.Moderate, 256)
	quotas.TimeoutMs = 60_000
	quotas.MaxExecutionTimeMs = 60_000

	resolver := resolverFor(record.instance)

	sb, err := reg.cfg.Sandboxes.Create(sandbox.Config{
		PluginID:     id,
		PluginDir:    record.Dir,
		Level:        sandbox.Moderate,
		Quotas:       quotas,
		Granted:      granted,
		AllowedHosts: reg.cfg.AllowedHosts,
		EnvWhitelist: reg.cfg.EnvWhitelist,
		Resolver:     resolver,
		Clock:        reg.cfg.Clock,
		Logger:       reg.cfg.ZLog,
		Security:     reg.cfg.Security,
		OnViolation: func(pluginID string, violations []sandbox.Violation, memMB float64) {
			reg.handleSandboxViolation(pluginID, violations, memMB)
		},
	})
	if err != nil {
		reg.setErrored(record, err)
		return err
	}

	actCtx := reg.newActivationCtx(id, record.Manifest.Version)

	var subIDs []string
	rollback := func() {
		for _, sid := range subIDs {
			reg.cfg.Bus.Unsubscribe(sid)
		}
		reg.cfg.Bus.UnsubscribeByMetadata("pluginId", id)
		reg.cfg.UI.UnregisterAll(id)
		reg.cfg.Sandboxes.Destroy(id)
	}

	for _, sub := range record.Manifest.EventSubscriptions {
		handlerName := sub.Handler
		subID, err := reg.cfg.Bus.Subscribe(sub.Topic, func(topic string, payload interface{}, meta bus.Metadata) error {
			args, _ := payload.(map[string]interface{})
			_, err := sb.CallMethod(context.Background(), handlerName, args)
			return err
		}, bus.SubscribeOptions{Metadata: map[string]interface{}{"pluginId": id, "handler": handlerName}})
		if err != nil {
			rollback()
			wrapped := &pluginerr.HookFailedError{PluginID: id, Stage: "activate", Cause: err}
			reg.setErrored(record, wrapped)
			return wrapped
		}
		subIDs = append(subIDs, subID)
	}

	registerUIContributions(reg, id, record.Manifest.UIContributions)

	if activator, ok := record.instance.(Activator); ok {
		if err := activator.OnActivate(actCtx); err != nil {
			rollback()
			wrapped := &pluginerr.HookFailedError{PluginID: id, Stage: "activate", Cause: err}
			reg.setErrored(record, wrapped)
			return wrapped
		}
	}

	now := reg.cfg.Clock.Now()
	reg.mu.Lock()
	record.State = StateActive
	record.ActivatedAt = &now
	record.activationCtx = actCtx
	record.subscriptionIDs = subIDs
	record.LastError = nil
	reg.mu.Unlock()

	reg.publish("plugins.activated", map[string]interface{}{
		"pluginId": id, "version": record.Manifest.Version, "timestamp": now,
	})
	return nil
}

func registerUIContributions(reg *Registry, id string, raw json.RawMessage) {
	if len(raw) == 0 || reg.cfg.UI == nil {
		return
	}
	var contributions []uiContribution
	if err := json.Unmarshal(raw, &contributions); err != nil {
		reg.logger.Debug().Str("pluginId", id).Err(err).Msg("uiContributions not in the registry's recognized shape, skipping registration")
		return
	}
	for _, c := range contributions {
		if err := reg.cfg.UI.Register(id, c.Type, c.ID, c.Payload); err != nil {
			reg.logger.Warn().Str("pluginId", id).Err(err).Msg("failed to register UI contribution")
		}
	}
}

// Deactivate transitions an ACTIVE plugin to INACTIVE: onDeactivate hook,
// then UI/bus/sandbox teardown. Fails if any other ACTIVE plugin still
// declares id as a dependency.
func (reg *Registry) Deactivate(id string) error {
	lock := reg.lockFor(id)
	lock.Lock()
	defer lock.Unlock()
	return reg.deactivateLocked(id, false)
}

func (reg *Registry) deactivateLocked(id string, force bool) error {
	record, err := reg.requireRecord(id)
	if err != nil {
		return err
	}
	if record.State != StateActive {
		if force {
			return nil
		}
		return &pluginerr.IllegalTransitionError{PluginID: id, From: string(record.State), Op: "deactivate"}
	}

	if !force {
		snapshot := reg.snapshot()
		if dependents := dependentsActive(id, snapshot); len(dependents) > 0 {
			return fmt.Errorf("cannot deactivate plugin %q: active dependents %v", id, dependents)
		}
	}

	if deactivator, ok := record.instance.(Deactivator); ok && record.activationCtx != nil {
		if err := deactivator.OnDeactivate(record.activationCtx); err != nil {
			reg.logger.Warn().Str("pluginId", id).Err(err).Msg("onDeactivate hook failed; continuing teardown")
		}
	}

	if record.activationCtx != nil {
		record.activationCtx.Cleanup()
	}
	reg.cfg.UI.UnregisterAll(id)
	reg.cfg.Bus.UnsubscribeByMetadata("pluginId", id)
	reg.cfg.Sandboxes.Destroy(id)
	if reg.cfg.Scheduler != nil {
		reg.cfg.Scheduler.RemoveAll(id)
	}

	now := reg.cfg.Clock.Now()
	reg.mu.Lock()
	record.State = StateInactive
	record.activationCtx = nil
	record.subscriptionIDs = nil
	reg.mu.Unlock()

	reg.publish("plugins.deactivated", map[string]interface{}{
		"pluginId": id, "version": record.Manifest.Version, "timestamp": now,
	})
	return nil
}

// handleSandboxViolation is the sandbox manager's OnViolation callback: it
// publishes resource-limit-exceeded and force-deactivates the plugin,
// moving it to INACTIVE.
func (reg *Registry) handleSandboxViolation(pluginID string, violations []sandbox.Violation, memMB float64) {
	reg.publish("resource-limit-exceeded", map[string]interface{}{
		"pluginId": pluginID, "violations": violations, "memoryUsage": memMB,
	})
	go func() {
		lock := reg.lockFor(pluginID)
		lock.Lock()
		defer lock.Unlock()
		if err := reg.deactivateLocked(pluginID, true); err != nil {
			reg.logger.Error().Str("pluginId", pluginID).Err(err).Msg("failed to deactivate plugin after resource violation")
		}
	}()
}

// Uninstall removes id's record entirely: deactivates first if ACTIVE,
// invokes onUninstall, then deletes the record. Fails if any other plugin
// still declares id as a dependency.
func (reg *Registry) Uninstall(id string) error {
	lock := reg.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	record, err := reg.requireRecord(id)
	if err != nil {
		return err
	}
	if record.State != StateInstalled && record.State != StateInactive && record.State != StateActive {
		return &pluginerr.IllegalTransitionError{PluginID: id, From: string(record.State), Op: "uninstall"}
	}

	snapshot := reg.snapshot()
	if dependents := anyDependsOn(id, snapshot); len(dependents) > 0 {
		return fmt.Errorf("cannot uninstall plugin %q: depended on by %v", id, dependents)
	}

	if record.State == StateActive {
		if err := reg.deactivateLocked(id, false); err != nil {
			return err
		}
	}

	if uninstaller, ok := record.instance.(Uninstaller); ok {
		ctx := reg.newActivationCtx(id, record.Manifest.Version)
		if err := uninstaller.OnUninstall(ctx); err != nil {
			reg.logger.Warn().Str("pluginId", id).Err(err).Msg("onUninstall hook failed; continuing removal")
		}
	}
	reg.cfg.API.RevokeAll(id)

	version := record.Manifest.Version
	now := reg.cfg.Clock.Now()
	reg.mu.Lock()
	delete(reg.records, id)
	reg.mu.Unlock()

	reg.publish("plugins.uninstalled", map[string]interface{}{
		"pluginId": id, "version": version, "timestamp": now,
	})
	return nil
}

// Update replaces id's manifest with newManifest (read from newDir),
// preserving installedAt and reactivating if the plugin was previously
// ACTIVE.
func (reg *Registry) Update(id string, newManifest *manifest.Manifest, newDir string) error {
	lock := reg.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	record, err := reg.requireRecord(id)
	if err != nil {
		return err
	}
	if newManifest.ID != id {
		return &pluginerr.InvalidManifestError{PluginID: newManifest.ID, Reason: "update manifest id must match the existing plugin id"}
	}
	if err := newManifest.Validate(); err != nil {
		return err
	}

	greater, err := manifest.GreaterThan(newManifest.Version, record.Manifest.Version)
	if err != nil {
		return err
	}
	if !greater {
		return fmt.Errorf("update for plugin %q must strictly increase version: %s -> %s", id, record.Manifest.Version, newManifest.Version)
	}

	snapshot := reg.snapshot()
	delete(snapshot, id)
	if resolved, missing := checkDependencies(newManifest, snapshot); !resolved {
		return &pluginerr.DependencyUnresolvedError{PluginID: id, Missing: missing}
	}

	wasActive := record.State == StateActive
	if wasActive {
		if err := reg.deactivateLocked(id, false); err != nil {
			return err
		}
	}

	factory, ok := reg.cfg.Factories.Get(id)
	if !ok {
		err := &pluginerr.ModuleLoadFailedError{PluginID: id, Cause: fmt.Errorf("no factory registered for plugin %q", id)}
		reg.setErrored(record, err)
		return err
	}
	newInstance := factory()

	oldVersion := record.Manifest.Version
	if updater, ok := newInstance.(Updater); ok {
		ctx := reg.newActivationCtx(id, newManifest.Version)
		if err := updater.OnUpdate(ctx, oldVersion, newManifest.Version); err != nil {
			wrapped := &pluginerr.HookFailedError{PluginID: id, Stage: "update", Cause: err}
			reg.setErrored(record, wrapped)
			return wrapped
		}
	}

	reg.mu.Lock()
	record.Manifest = newManifest
	record.Dir = newDir
	record.instance = newInstance
	record.State = StateInstalled
	record.LastError = nil
	reg.mu.Unlock()

	reg.publish("plugins.updated", map[string]interface{}{
		"pluginId": id, "fromVersion": oldVersion, "toVersion": newManifest.Version, "timestamp": reg.cfg.Clock.Now(),
	})

	if wasActive {
		if err := reg.activateLocked(id); err != nil {
			return err
		}
	}
	return nil
}

// Recover transitions an ERRORED plugin back to DISCOVERED so install can be
// retried.
func (reg *Registry) Recover(id string) error {
	lock := reg.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	record, err := reg.requireRecord(id)
	if err != nil {
		return err
	}
	if record.State != StateErrored {
		return &pluginerr.IllegalTransitionError{PluginID: id, From: string(record.State), Op: "recover"}
	}

	reg.mu.Lock()
	record.State = StateDiscovered
	record.LastError = nil
	reg.mu.Unlock()
	return nil
}

// setErrored transitions record to ERRORED with err as the recorded cause,
// the state any non-terminal lifecycle operation falls back to on failure.
func (reg *Registry) setErrored(record *Record, err error) {
	reg.mu.Lock()
	record.State = StateErrored
	record.LastError = err
	reg.mu.Unlock()
	reg.logger.Error().Str("pluginId", record.ID()).Err(err).Msg("plugin entered ERRORED state")
}
