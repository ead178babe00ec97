package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/forgekit/pluginhost/internal/pluginerr"
)

// ManifestFileName is the required manifest filename inside every plugin directory.
const ManifestFileName = "plugin.json"

// LoadFromDir reads and validates the manifest at dir/plugin.json. It does
// not resolve dependencies (that is the registry's job); it only checks
// structural and semver validity plus the entry-module path-traversal guard.
func LoadFromDir(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFileName)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", manifestPath, err)
	}

	m, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if err := checkEntryPath(dir, m.Main); err != nil {
		return nil, err
	}
	return m, nil
}

// checkEntryPath resolves dir and dir/main through the real filesystem
// (following symlinks) and rejects any result that escapes dir. This is the
// sole path-traversal guard on module load.
func checkEntryPath(dir, main string) error {
	realDir, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return fmt.Errorf("resolving plugin directory %s: %w", dir, err)
	}

	candidate := filepath.Join(dir, main)
	realMain, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		// The entry file need not exist yet at discovery time for every
		// caller; fall back to a lexical check against the unresolved path.
		realMain = filepath.Clean(candidate)
	}

	rel, err := filepath.Rel(realDir, realMain)
	if err != nil {
		return &pluginerr.PathTraversalError{Path: candidate}
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return &pluginerr.PathTraversalError{Path: candidate}
	}
	return nil
}
