// Package pluginerr defines the closed error taxonomy used across the plugin
// runtime. Each kind is a distinct struct so callers can recover structured
// detail with errors.As, mirroring the quota package's QuotaExceededError.
package pluginerr

import "fmt"

// InvalidManifestError indicates a manifest failed structural or semver validation.
type InvalidManifestError struct {
	PluginID string
	Reason   string
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("invalid manifest for %q: %s", e.PluginID, e.Reason)
}

// IsInvalidManifest reports whether err is an InvalidManifestError.
func IsInvalidManifest(err error) bool {
	_, ok := err.(*InvalidManifestError)
	return ok
}

// ManifestMissingFieldError indicates a required manifest field was absent.
type ManifestMissingFieldError struct {
	Field string
}

func (e *ManifestMissingFieldError) Error() string {
	return fmt.Sprintf("manifest missing required field %q", e.Field)
}

// IsManifestMissingField reports whether err is a ManifestMissingFieldError.
func IsManifestMissingField(err error) bool {
	_, ok := err.(*ManifestMissingFieldError)
	return ok
}

// IncompatiblePlatformError indicates a plugin's platform range excludes the
// running platform version.
type IncompatiblePlatformError struct {
	PluginID        string
	PlatformVersion string
	MinVersion      string
	MaxVersion      string
}

func (e *IncompatiblePlatformError) Error() string {
	return fmt.Sprintf("plugin %q requires platform in [%s, %s], got %s", e.PluginID, e.MinVersion, e.MaxVersion, e.PlatformVersion)
}

// IsIncompatiblePlatform reports whether err is an IncompatiblePlatformError.
func IsIncompatiblePlatform(err error) bool {
	_, ok := err.(*IncompatiblePlatformError)
	return ok
}

// DependencyUnresolvedError lists dependency ids that could not be satisfied.
type DependencyUnresolvedError struct {
	PluginID string
	Missing  []string
}

func (e *DependencyUnresolvedError) Error() string {
	return fmt.Sprintf("plugin %q has unresolved dependencies: %v", e.PluginID, e.Missing)
}

// IsDependencyUnresolved reports whether err is a DependencyUnresolvedError.
func IsDependencyUnresolved(err error) bool {
	_, ok := err.(*DependencyUnresolvedError)
	return ok
}

// DependencyNotActiveError indicates a declared dependency is not yet ACTIVE.
type DependencyNotActiveError struct {
	DependencyID string
}

func (e *DependencyNotActiveError) Error() string {
	return fmt.Sprintf("dependency %q is not active", e.DependencyID)
}

// IsDependencyNotActive reports whether err is a DependencyNotActiveError.
func IsDependencyNotActive(err error) bool {
	_, ok := err.(*DependencyNotActiveError)
	return ok
}

// IllegalTransitionError indicates a lifecycle operation isn't legal from the
// record's current state.
type IllegalTransitionError struct {
	PluginID string
	From     string
	Op       string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition: plugin %q cannot %s from state %s", e.PluginID, e.Op, e.From)
}

// IsIllegalTransition reports whether err is an IllegalTransitionError.
func IsIllegalTransition(err error) bool {
	_, ok := err.(*IllegalTransitionError)
	return ok
}

// PermissionInvalidError lists permission strings that failed validation.
type PermissionInvalidError struct {
	Permissions []string
}

func (e *PermissionInvalidError) Error() string {
	return fmt.Sprintf("invalid permissions: %v", e.Permissions)
}

// IsPermissionInvalid reports whether err is a PermissionInvalidError.
func IsPermissionInvalid(err error) bool {
	_, ok := err.(*PermissionInvalidError)
	return ok
}

// PermissionRateLimitedError indicates a (plugin, permission) pair exceeded
// its configured rate limit.
type PermissionRateLimitedError struct {
	PluginID   string
	Permission string
}

func (e *PermissionRateLimitedError) Error() string {
	return fmt.Sprintf("plugin %q is rate limited for permission %q", e.PluginID, e.Permission)
}

// IsPermissionRateLimited reports whether err is a PermissionRateLimitedError.
func IsPermissionRateLimited(err error) bool {
	_, ok := err.(*PermissionRateLimitedError)
	return ok
}

// PathTraversalError indicates a resolved path escaped its allowed root.
type PathTraversalError struct {
	Path string
}

func (e *PathTraversalError) Error() string {
	return fmt.Sprintf("path traversal rejected: %q", e.Path)
}

// IsPathTraversal reports whether err is a PathTraversalError.
func IsPathTraversal(err error) bool {
	_, ok := err.(*PathTraversalError)
	return ok
}

// ModuleLoadFailedError wraps a failure loading a plugin's entry module.
type ModuleLoadFailedError struct {
	PluginID string
	Cause    error
}

func (e *ModuleLoadFailedError) Error() string {
	return fmt.Sprintf("failed to load module for %q: %v", e.PluginID, e.Cause)
}

func (e *ModuleLoadFailedError) Unwrap() error { return e.Cause }

// IsModuleLoadFailed reports whether err is a ModuleLoadFailedError.
func IsModuleLoadFailed(err error) bool {
	_, ok := err.(*ModuleLoadFailedError)
	return ok
}

// HookFailedError wraps a failure from a plugin lifecycle hook.
type HookFailedError struct {
	PluginID string
	Stage    string
	Cause    error
}

func (e *HookFailedError) Error() string {
	return fmt.Sprintf("plugin %q hook %q failed: %v", e.PluginID, e.Stage, e.Cause)
}

func (e *HookFailedError) Unwrap() error { return e.Cause }

// IsHookFailed reports whether err is a HookFailedError.
func IsHookFailed(err error) bool {
	_, ok := err.(*HookFailedError)
	return ok
}

// ExecutionTimeoutError indicates a sandbox call exceeded its deadline.
type ExecutionTimeoutError struct {
	PluginID string
	Method   string
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution timeout: plugin %q method %q", e.PluginID, e.Method)
}

// IsExecutionTimeout reports whether err is an ExecutionTimeoutError.
func IsExecutionTimeout(err error) bool {
	_, ok := err.(*ExecutionTimeoutError)
	return ok
}

// ResourceLimitExceededError lists the violation kinds that tripped.
type ResourceLimitExceededError struct {
	PluginID string
	Kinds    []string
}

func (e *ResourceLimitExceededError) Error() string {
	return fmt.Sprintf("plugin %q exceeded resource limits: %v", e.PluginID, e.Kinds)
}

// IsResourceLimitExceeded reports whether err is a ResourceLimitExceededError.
func IsResourceLimitExceeded(err error) bool {
	_, ok := err.(*ResourceLimitExceededError)
	return ok
}

// SandboxAlreadyExistsError indicates the manager already has a sandbox for this plugin.
type SandboxAlreadyExistsError struct {
	PluginID string
}

func (e *SandboxAlreadyExistsError) Error() string {
	return fmt.Sprintf("sandbox already exists for plugin %q", e.PluginID)
}

// IsSandboxAlreadyExists reports whether err is a SandboxAlreadyExistsError.
func IsSandboxAlreadyExists(err error) bool {
	_, ok := err.(*SandboxAlreadyExistsError)
	return ok
}

// SandboxNotRunningError indicates an operation targeted a sandbox that isn't running.
type SandboxNotRunningError struct {
	PluginID string
}

func (e *SandboxNotRunningError) Error() string {
	return fmt.Sprintf("sandbox not running for plugin %q", e.PluginID)
}

// IsSandboxNotRunning reports whether err is a SandboxNotRunningError.
func IsSandboxNotRunning(err error) bool {
	_, ok := err.(*SandboxNotRunningError)
	return ok
}

// OperationNotPermittedError indicates an operation a plugin context attempted
// that the façade forbids (e.g. clearAllSubscriptions from inside a plugin).
type OperationNotPermittedError struct {
	Operation string
}

func (e *OperationNotPermittedError) Error() string {
	return fmt.Sprintf("operation not permitted: %s", e.Operation)
}

// IsOperationNotPermitted reports whether err is an OperationNotPermittedError.
func IsOperationNotPermitted(err error) bool {
	_, ok := err.(*OperationNotPermittedError)
	return ok
}

// CircularDependencyError indicates a dependency or flag-dependency cycle was detected.
type CircularDependencyError struct {
	Key string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency detected at %q", e.Key)
}

// IsCircularDependency reports whether err is a CircularDependencyError.
func IsCircularDependency(err error) bool {
	_, ok := err.(*CircularDependencyError)
	return ok
}

// FlagNotFoundError indicates an unknown flag key was referenced.
type FlagNotFoundError struct {
	Key string
}

func (e *FlagNotFoundError) Error() string {
	return fmt.Sprintf("flag not found: %q", e.Key)
}

// IsFlagNotFound reports whether err is a FlagNotFoundError.
func IsFlagNotFound(err error) bool {
	_, ok := err.(*FlagNotFoundError)
	return ok
}

// FlagPermanentDeleteError indicates an attempt to delete a permanent flag.
type FlagPermanentDeleteError struct {
	Key string
}

func (e *FlagPermanentDeleteError) Error() string {
	return fmt.Sprintf("flag %q is permanent and cannot be deleted", e.Key)
}

// IsFlagPermanentDelete reports whether err is a FlagPermanentDeleteError.
func IsFlagPermanentDelete(err error) bool {
	_, ok := err.(*FlagPermanentDeleteError)
	return ok
}

// PluginNotFoundError indicates an operation targeted an unknown plugin id.
type PluginNotFoundError struct {
	PluginID string
}

func (e *PluginNotFoundError) Error() string {
	return fmt.Sprintf("plugin not found: %q", e.PluginID)
}

// IsPluginNotFound reports whether err is a PluginNotFoundError.
func IsPluginNotFound(err error) bool {
	_, ok := err.(*PluginNotFoundError)
	return ok
}

// CancelledError indicates a pending sandbox call was cancelled by a sandbox
// shutdown before it could complete.
type CancelledError struct {
	PluginID string
	Method   string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("call cancelled: plugin %q method %q", e.PluginID, e.Method)
}

// IsCancelled reports whether err is a CancelledError.
func IsCancelled(err error) bool {
	_, ok := err.(*CancelledError)
	return ok
}

// ModuleNotAllowedError indicates the sandboxed worker requested a module or
// capability its permission grant doesn't cover.
type ModuleNotAllowedError struct {
	Module string
}

func (e *ModuleNotAllowedError) Error() string {
	return fmt.Sprintf("module not allowed: %q", e.Module)
}

// IsModuleNotAllowed reports whether err is a ModuleNotAllowedError.
func IsModuleNotAllowed(err error) bool {
	_, ok := err.(*ModuleNotAllowedError)
	return ok
}

// InvalidTopicError indicates an empty or malformed bus topic.
type InvalidTopicError struct {
	Topic string
}

func (e *InvalidTopicError) Error() string {
	return fmt.Sprintf("invalid topic: %q", e.Topic)
}

// IsInvalidTopic reports whether err is an InvalidTopicError.
func IsInvalidTopic(err error) bool {
	_, ok := err.(*InvalidTopicError)
	return ok
}
