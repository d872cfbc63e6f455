//go:build darwin || linux

package mediaplugin

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDynamicLoaderNotALibrary(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "gmp-fake")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, BinaryName("fake")), []byte("not a library"), 0o644))

	// A relative directory is resolved against SearchDirs.
	_, err := (&DynamicLoader{SearchDirs: []string{root}}).Load("gmp-fake")
	var le *LoadError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "open", le.Op)
	assert.NotErrorIs(t, err, ErrPluginNotFound)
}

func TestDynamicLoaderMissing(t *testing.T) {
	_, err := (&DynamicLoader{SearchDirs: []string{t.TempDir()}}).Load("gmp-absent")
	assert.ErrorIs(t, err, ErrPluginNotFound)
}
