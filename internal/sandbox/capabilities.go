package sandbox

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgekit/pluginhost/internal/pluginerr"
)

var secretKeyPattern = regexp.MustCompile(`(?i)password|secret|token|key|auth|credential`)

// SafeConsole sanitizes context maps before they reach the log sink so a
// plugin can't leak credentials through its own debug logging.
type SafeConsole struct {
	pluginID string
	logger   zerolog.Logger
}

func newSafeConsole(pluginID string, logger zerolog.Logger) *SafeConsole {
	return &SafeConsole{pluginID: pluginID, logger: logger.With().Str("pluginId", pluginID).Logger()}
}

func redact(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if secretKeyPattern.MatchString(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}

// Log writes a sanitized console message at the given level ("debug", "info",
// "warn", "error").
func (c *SafeConsole) Log(level, message string, fields map[string]interface{}) {
	evt := c.logger.Info()
	switch level {
	case "debug":
		evt = c.logger.Debug()
	case "warn":
		evt = c.logger.Warn()
	case "error":
		evt = c.logger.Error()
	}
	evt.Fields(redact(fields)).Msg(message)
}

// BoundedTimers caps the number of concurrently active timers a plugin may
// hold and clamps every delay to 60s.
type BoundedTimers struct {
	mu     sync.Mutex
	active int
	max    int
}

func newBoundedTimers() *BoundedTimers {
	return &BoundedTimers{max: 100}
}

// MaxDelay is the clamp applied to every requested timer delay.
const MaxDelay = 60 * time.Second

// Set starts a timer that invokes fn after delay (clamped to MaxDelay),
// rejecting the request once 100 timers are concurrently active.
func (t *BoundedTimers) Set(delay time.Duration, fn func()) (cancel func(), err error) {
	if delay > MaxDelay {
		delay = MaxDelay
	}
	t.mu.Lock()
	if t.active >= t.max {
		t.mu.Unlock()
		return nil, fmt.Errorf("sandbox timer limit (%d) reached", t.max)
	}
	t.active++
	t.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		t.mu.Lock()
		t.active--
		t.mu.Unlock()
		fn()
	})
	return func() {
		if timer.Stop() {
			t.mu.Lock()
			t.active--
			t.mu.Unlock()
		}
	}, nil
}

// ScopedFS mediates filesystem access, constrained to the plugin directory
// after real-path resolution, gated by file:read/file:write permissions.
type ScopedFS struct {
	root     string
	canRead  bool
	canWrite bool
}

func newScopedFS(root string, granted map[string]bool) *ScopedFS {
	return &ScopedFS{root: root, canRead: granted["file:read"], canWrite: granted["file:write"]}
}

func (f *ScopedFS) resolve(relPath string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(f.root)
	if err != nil {
		return "", err
	}
	candidate := filepath.Join(f.root, relPath)
	real, err := filepath.EvalSymlinks(filepath.Dir(candidate))
	if err != nil {
		real = filepath.Dir(candidate)
	}
	real = filepath.Join(real, filepath.Base(candidate))

	rel, err := filepath.Rel(realRoot, real)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &pluginerr.PathTraversalError{Path: candidate}
	}
	return real, nil
}

// Read reads relPath under the plugin root. Requires file:read.
func (f *ScopedFS) Read(relPath string) ([]byte, error) {
	if !f.canRead {
		return nil, &pluginerr.ModuleNotAllowedError{Module: "file:read"}
	}
	path, err := f.resolve(relPath)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Write writes data to relPath under the plugin root. Requires file:write.
func (f *ScopedFS) Write(relPath string, data []byte) error {
	if !f.canWrite {
		return &pluginerr.ModuleNotAllowedError{Module: "file:write"}
	}
	path, err := f.resolve(relPath)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ScopedHTTPClient gates outbound HTTP behind network:http and a host
// allow-list.
type ScopedHTTPClient struct {
	client     *http.Client
	allowed    map[string]bool
	hasNetwork bool
}

func newScopedHTTPClient(allowedHosts []string, granted map[string]bool) *ScopedHTTPClient {
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		allowed[h] = true
	}
	return &ScopedHTTPClient{
		client:     &http.Client{Timeout: 10 * time.Second},
		allowed:    allowed,
		hasNetwork: granted["network:http"],
	}
}

// Do performs req if network:http is granted and req.URL.Host is allow-listed.
func (c *ScopedHTTPClient) Do(req *http.Request) (*http.Response, error) {
	if !c.hasNetwork {
		return nil, &pluginerr.ModuleNotAllowedError{Module: "network:http"}
	}
	if !c.allowed[req.URL.Host] {
		return nil, &pluginerr.ModuleNotAllowedError{Module: "network:http:" + req.URL.Host}
	}
	return c.client.Do(req)
}

// ProcessRecord exposes only a whitelisted slice of environment variables
// plus PLUGIN_ID.
type ProcessRecord struct {
	pluginID  string
	whitelist map[string]bool
}

func newProcessRecord(pluginID string, envWhitelist []string) *ProcessRecord {
	wl := make(map[string]bool, len(envWhitelist))
	for _, k := range envWhitelist {
		wl[k] = true
	}
	return &ProcessRecord{pluginID: pluginID, whitelist: wl}
}

// Env returns the value of an allow-listed environment variable, or
// PLUGIN_ID for that synthetic key.
func (p *ProcessRecord) Env(key string) (string, bool) {
	if key == "PLUGIN_ID" {
		return p.pluginID, true
	}
	if !p.whitelist[key] {
		return "", false
	}
	return os.LookupEnv(key)
}

// Capabilities bundles the restricted worker surface handed to a plugin
// instance for the duration of its activation.
type Capabilities struct {
	Console *SafeConsole
	Timers  *BoundedTimers
	FS      *ScopedFS
	HTTP    *ScopedHTTPClient
	Process *ProcessRecord
}

func newCapabilities(pluginID, dir string, granted map[string]bool, allowedHosts, envWhitelist []string, logger zerolog.Logger) *Capabilities {
	return &Capabilities{
		Console: newSafeConsole(pluginID, logger),
		Timers:  newBoundedTimers(),
		FS:      newScopedFS(dir, granted),
		HTTP:    newScopedHTTPClient(allowedHosts, granted),
		Process: newProcessRecord(pluginID, envWhitelist),
	}
}
