package tree_test

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"

	"github.com/magicmount/magicmount/pkg/moduleset"
	"github.com/magicmount/magicmount/tree"
)

func mkModule(t *testing.T, root, name string) string {
	t.Helper()
	sys := filepath.Join(root, name, moduleset.SystemDir)
	assert.NilError(t, os.MkdirAll(sys, 0755))
	return sys
}

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0755))
	assert.NilError(t, os.WriteFile(path, []byte(contents), 0644))
}

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root: mknod/trusted.* xattrs")
	}
}

func mkWhiteout(t *testing.T, path string) {
	t.Helper()
	requireRoot(t)
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0755))
	assert.NilError(t, unix.Mknod(path, unix.S_IFCHR|0000, 0))
}

func markOpaque(t *testing.T, dir string) {
	t.Helper()
	requireRoot(t)
	assert.NilError(t, unix.Lsetxattr(dir, "trusted.overlay.opaque", []byte("y"), 0))
}

// buildSystem runs Build against a scratch root holding only a "system"
// directory, so partition routing (which otherwise consults the live "/")
// lifts nothing and tests can assert on the merged "system" subtree directly.
func buildSystem(t *testing.T, moduleRoot string) *tree.Node {
	t.Helper()
	scratch := withScratchRoot(t)
	assert.NilError(t, os.MkdirAll(filepath.Join(scratch, "system"), 0755))
	root, err := tree.Build(moduleRoot)
	assert.NilError(t, err)
	if root == nil {
		return nil
	}
	return root.Children["system"]
}

func TestBuildNoModulesYieldsNil(t *testing.T) {
	moduleRoot := t.TempDir()
	root, err := tree.Build(moduleRoot)
	assert.NilError(t, err)
	assert.Assert(t, root == nil)
}

func TestBuildWhiteoutOfNonexistentPathIsKept(t *testing.T) {
	// A whiteout is still a contribution node even though there's nothing
	// stock-side to hide yet; the engine (not the builder) decides whether
	// it changes anything observable.
	moduleRoot := t.TempDir()
	sysA := mkModule(t, moduleRoot, "a")
	mkWhiteout(t, filepath.Join(sysA, "bin", "foo"))

	system := buildSystem(t, moduleRoot)
	assert.Assert(t, system != nil)
	bin := system.Children["bin"]
	assert.Assert(t, bin != nil)
	foo := bin.Children["foo"]
	assert.Assert(t, foo != nil)
	assert.Equal(t, foo.Kind, tree.Whiteout)
}

func TestBuildFirstContributorWinsOnNonDirectoryCollision(t *testing.T) {
	moduleRoot := t.TempDir()
	sysA := mkModule(t, moduleRoot, "a") // alphabetically first
	sysB := mkModule(t, moduleRoot, "b")
	writeFile(t, filepath.Join(sysA, "etc", "hosts"), "from-a")
	writeFile(t, filepath.Join(sysB, "etc", "hosts"), "from-b")

	system := buildSystem(t, moduleRoot)
	hosts := system.Children["etc"].Children["hosts"]
	assert.Equal(t, hosts.Module, "a")
	assert.Equal(t, hosts.SourcePath, filepath.Join(sysA, "etc", "hosts"))
}

func TestBuildDirectoriesMergeAcrossModules(t *testing.T) {
	moduleRoot := t.TempDir()
	sysA := mkModule(t, moduleRoot, "a")
	sysB := mkModule(t, moduleRoot, "b")
	writeFile(t, filepath.Join(sysA, "app", "X"), "x")
	writeFile(t, filepath.Join(sysB, "app", "Y"), "y")

	system := buildSystem(t, moduleRoot)
	app := system.Children["app"]
	assert.Assert(t, app != nil)
	assert.Equal(t, len(app.Children), 2)
	assert.Assert(t, app.Children["X"] != nil)
	assert.Assert(t, app.Children["Y"] != nil)
}

func TestBuildOpaqueDirectoryMarksReplace(t *testing.T) {
	moduleRoot := t.TempDir()
	sysA := mkModule(t, moduleRoot, "a")
	fooDir := filepath.Join(sysA, "app", "Foo")
	writeFile(t, filepath.Join(fooDir, "X"), "x")
	markOpaque(t, fooDir)

	system := buildSystem(t, moduleRoot)
	foo := system.Children["app"].Children["Foo"]
	assert.Equal(t, foo.Replace, true)
}

func TestBuildPrunesEmptyShellDirectories(t *testing.T) {
	moduleRoot := t.TempDir()
	sysA := mkModule(t, moduleRoot, "a")
	// An empty directory with nothing beneath it must not survive.
	assert.NilError(t, os.MkdirAll(filepath.Join(sysA, "empty"), 0755))
	writeFile(t, filepath.Join(sysA, "etc", "hosts"), "x")

	system := buildSystem(t, moduleRoot)
	assert.Assert(t, system.Children["empty"] == nil)
	assert.Assert(t, system.Children["etc"] != nil)
}
