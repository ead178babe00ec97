// Package manifest parses and validates plugin.json manifests: identity,
// version and platform-range checks, dependency range satisfaction, and the
// path-traversal guard on the entry module.
package manifest

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"

	"github.com/forgekit/pluginhost/internal/pluginerr"
)

var idPattern = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Author is the manifest's required author record.
type Author struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
}

// EventSubscription declares a handler the plugin wants wired into the bus
// on activation.
type EventSubscription struct {
	Topic   string `json:"topic"`
	Handler string `json:"handler"`
}

// Manifest is the immutable declaration read from a plugin directory's
// plugin.json. Only the fields declared below are kept; any other JSON field
// in plugin.json is dropped when the manifest is parsed.
type Manifest struct {
	ID                 string              `json:"id"`
	Version            string              `json:"version"`
	MinPlatformVersion string              `json:"minPlatformVersion"`
	MaxPlatformVersion string              `json:"maxPlatformVersion,omitempty"`
	Main               string              `json:"main"`
	Author             Author              `json:"author"`
	Dependencies       map[string]string   `json:"dependencies,omitempty"`
	Permissions        []string            `json:"permissions,omitempty"`
	EventSubscriptions []EventSubscription `json:"eventSubscriptions,omitempty"`
	UIContributions    json.RawMessage     `json:"uiContributions,omitempty"`
	SettingsSchema     json.RawMessage     `json:"settingsSchema,omitempty"`
	Type               string              `json:"type,omitempty"`
	License            string              `json:"license,omitempty"`
	Metadata           map[string]string   `json:"metadata,omitempty"`

	// version is the parsed concrete semver, cached by Validate.
	version *semver.Version
}

// Parse decodes raw JSON bytes into a Manifest without validating it.
func Parse(raw []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, &pluginerr.InvalidManifestError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	return &m, nil
}

// ParsedVersion returns the manifest's parsed concrete semver. Validate must
// have succeeded first.
func (m *Manifest) ParsedVersion() *semver.Version {
	return m.version
}

// Validate checks the structural invariants of a manifest: required fields
// present, id format, valid semver for version and platform range endpoints,
// every dependency range parseable, author has a name.
func (m *Manifest) Validate() error {
	if m.ID == "" {
		return &pluginerr.ManifestMissingFieldError{Field: "id"}
	}
	if !idPattern.MatchString(m.ID) {
		return &pluginerr.InvalidManifestError{PluginID: m.ID, Reason: "id must be lowercase alphanumeric, '-', or '_'"}
	}
	if m.Main == "" {
		return &pluginerr.ManifestMissingFieldError{Field: "main"}
	}
	if m.Author.Name == "" {
		return &pluginerr.ManifestMissingFieldError{Field: "author.name"}
	}
	if m.Version == "" {
		return &pluginerr.ManifestMissingFieldError{Field: "version"}
	}

	v, err := semver.NewVersion(m.Version)
	if err != nil {
		return &pluginerr.InvalidManifestError{PluginID: m.ID, Reason: fmt.Sprintf("version %q is not valid semver: %v", m.Version, err)}
	}
	m.version = v

	if m.MinPlatformVersion == "" {
		return &pluginerr.ManifestMissingFieldError{Field: "minPlatformVersion"}
	}
	if _, err := semver.NewVersion(m.MinPlatformVersion); err != nil {
		return &pluginerr.InvalidManifestError{PluginID: m.ID, Reason: fmt.Sprintf("minPlatformVersion %q is not valid semver: %v", m.MinPlatformVersion, err)}
	}
	if m.MaxPlatformVersion != "" {
		if _, err := semver.NewVersion(m.MaxPlatformVersion); err != nil {
			return &pluginerr.InvalidManifestError{PluginID: m.ID, Reason: fmt.Sprintf("maxPlatformVersion %q is not valid semver: %v", m.MaxPlatformVersion, err)}
		}
	}

	for depID, rng := range m.Dependencies {
		if _, err := semver.NewConstraint(rng); err != nil {
			return &pluginerr.InvalidManifestError{PluginID: m.ID, Reason: fmt.Sprintf("dependency %q has invalid range %q: %v", depID, rng, err)}
		}
	}

	return nil
}

// PlatformCompatible reports whether platformVersion falls within
// [MinPlatformVersion, MaxPlatformVersion] (MaxPlatformVersion absent means
// unbounded above).
func (m *Manifest) PlatformCompatible(platformVersion string) (bool, error) {
	pv, err := semver.NewVersion(platformVersion)
	if err != nil {
		return false, fmt.Errorf("invalid platform version %q: %w", platformVersion, err)
	}
	min, err := semver.NewVersion(m.MinPlatformVersion)
	if err != nil {
		return false, fmt.Errorf("invalid minPlatformVersion %q: %w", m.MinPlatformVersion, err)
	}
	if pv.LessThan(min) {
		return false, nil
	}
	if m.MaxPlatformVersion != "" {
		max, err := semver.NewVersion(m.MaxPlatformVersion)
		if err != nil {
			return false, fmt.Errorf("invalid maxPlatformVersion %q: %w", m.MaxPlatformVersion, err)
		}
		if pv.GreaterThan(max) {
			return false, nil
		}
	}
	return true, nil
}

// SatisfiesRange reports whether candidateVersion satisfies the semver range
// expression rng (used by dependency resolution).
func SatisfiesRange(rng, candidateVersion string) (bool, error) {
	constraint, err := semver.NewConstraint(rng)
	if err != nil {
		return false, fmt.Errorf("invalid range %q: %w", rng, err)
	}
	v, err := semver.NewVersion(candidateVersion)
	if err != nil {
		return false, fmt.Errorf("invalid candidate version %q: %w", candidateVersion, err)
	}
	return constraint.Check(v), nil
}

// GreaterThan reports whether newVersion > oldVersion, used to enforce that
// updates strictly increase the version.
func GreaterThan(newVersion, oldVersion string) (bool, error) {
	nv, err := semver.NewVersion(newVersion)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", newVersion, err)
	}
	ov, err := semver.NewVersion(oldVersion)
	if err != nil {
		return false, fmt.Errorf("invalid version %q: %w", oldVersion, err)
	}
	return nv.GreaterThan(ov), nil
}
