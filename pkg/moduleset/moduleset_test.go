package moduleset_test

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/magicmount/magicmount/pkg/moduleset"
)

func mkModule(t *testing.T, root, name string, markers ...string) {
	t.Helper()
	dir := filepath.Join(root, name)
	assert.NilError(t, os.MkdirAll(filepath.Join(dir, moduleset.SystemDir), 0755))
	for _, m := range markers {
		assert.NilError(t, os.WriteFile(filepath.Join(dir, m), nil, 0644))
	}
}

func TestEnabledSortsAlphabetically(t *testing.T) {
	root := t.TempDir()
	mkModule(t, root, "zzz")
	mkModule(t, root, "aaa")
	mkModule(t, root, "mmm")

	mods, err := moduleset.Enabled(root)
	assert.NilError(t, err)
	assert.Equal(t, len(mods), 3)
	assert.Equal(t, mods[0].Name, "aaa")
	assert.Equal(t, mods[1].Name, "mmm")
	assert.Equal(t, mods[2].Name, "zzz")
}

func TestEnabledSkipsDisabledAndSkipMount(t *testing.T) {
	root := t.TempDir()
	mkModule(t, root, "good")
	mkModule(t, root, "disabled", moduleset.DisableMarker)
	mkModule(t, root, "skipmount", moduleset.SkipMountMarker)

	mods, err := moduleset.Enabled(root)
	assert.NilError(t, err)
	assert.Equal(t, len(mods), 1)
	assert.Equal(t, mods[0].Name, "good")
}

func TestEnabledSkipsMissingSystemDir(t *testing.T) {
	root := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(root, "nosys"), 0755))

	mods, err := moduleset.Enabled(root)
	assert.NilError(t, err)
	assert.Equal(t, len(mods), 0)
}

func TestEnabledMissingRoot(t *testing.T) {
	mods, err := moduleset.Enabled(filepath.Join(t.TempDir(), "does-not-exist"))
	assert.NilError(t, err)
	assert.Equal(t, len(mods), 0)
}
