package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePluginDir(t *testing.T, root, id, version string) string {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifestJSON := `{
		"id": "` + id + `",
		"version": "` + version + `",
		"minPlatformVersion": "1.0.0",
		"main": "index.js",
		"author": {"name": "tester"}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.json"), []byte(manifestJSON), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte("// entry"), 0o644))
	return dir
}

func TestDiscoverInsertsValidAndSkipsBrokenDirectories(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()

	writePluginDir(t, root, "good-plugin", "1.0.0")

	// directory with unparseable manifest
	badDir := filepath.Join(root, "bad-plugin")
	require.NoError(t, os.MkdirAll(badDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(badDir, "plugin.json"), []byte("{not json"), 0o644))

	// directory with no manifest at all
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty-plugin"), 0o755))

	// a plain file in the root is not a plugin directory
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("readme"), 0o644))

	require.NoError(t, h.reg.Discover(root))

	rec, ok := h.reg.Get("good-plugin")
	require.True(t, ok)
	assert.Equal(t, StateDiscovered, rec.State)

	_, ok = h.reg.Get("bad-plugin")
	assert.False(t, ok)
	_, ok = h.reg.Get("empty-plugin")
	assert.False(t, ok)
	assert.Len(t, h.reg.List(), 1)
}

func TestDiscoverMissingRootFails(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.reg.Discover(filepath.Join(t.TempDir(), "does-not-exist")))
}

func TestDiscoverMarksInstalledPluginNeedsUpdate(t *testing.T) {
	h := newHarness(t)
	p := newRecordingPlugin()
	h.discover("alpha", "1.0.0", nil, p)
	require.NoError(t, h.reg.Install("alpha"))

	root := t.TempDir()
	writePluginDir(t, root, "alpha", "1.1.0")
	require.NoError(t, h.reg.Discover(root))

	rec, ok := h.reg.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, StateNeedsUpdate, rec.State)
	assert.Equal(t, "1.0.0", rec.Manifest.Version, "the installed manifest is replaced by Update, not by discovery")

	// install is legal again from NEEDS_UPDATE
	require.NoError(t, h.reg.Install("alpha"))
	assert.Equal(t, StateInstalled, rec.State)
}

func TestDiscoverLeavesDiscoveredRecordAlone(t *testing.T) {
	h := newHarness(t)
	p := newRecordingPlugin()
	h.discover("alpha", "1.0.0", nil, p)

	root := t.TempDir()
	writePluginDir(t, root, "alpha", "1.1.0")
	require.NoError(t, h.reg.Discover(root))

	rec, _ := h.reg.Get("alpha")
	assert.Equal(t, StateDiscovered, rec.State)
	assert.Equal(t, "1.0.0", rec.Manifest.Version)
}
