package mirror_test

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
	"gotest.tools/v3/assert"

	"github.com/magicmount/magicmount/mirror"
)

func mkfifo(path string) error {
	return unix.Mkfifo(path, 0644)
}

func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("mirror.Entry bind-mounts files; requires root")
	}
}

func TestEntrySymlinkIsCloned(t *testing.T) {
	orig := t.TempDir()
	work := t.TempDir()
	assert.NilError(t, os.Symlink("/lib/libfoo.so.1", filepath.Join(orig, "libfoo.so")))

	assert.NilError(t, mirror.Entry(orig, work, "libfoo.so"))

	target, err := os.Readlink(filepath.Join(work, "libfoo.so"))
	assert.NilError(t, err)
	assert.Equal(t, target, "/lib/libfoo.so.1")
}

func TestEntryDirectoryRecurses(t *testing.T) {
	requireRoot(t)

	orig := t.TempDir()
	work := t.TempDir()
	assert.NilError(t, os.MkdirAll(filepath.Join(orig, "sub"), 0755))
	assert.NilError(t, os.WriteFile(filepath.Join(orig, "sub", "f"), []byte("hi"), 0644))

	assert.NilError(t, mirror.Entry(orig, work, "sub"))
	t.Cleanup(func() { os.RemoveAll(filepath.Join(work, "sub")) })

	got, err := os.ReadFile(filepath.Join(work, "sub", "f"))
	assert.NilError(t, err)
	assert.Equal(t, string(got), "hi")
}

func TestEntryIgnoresFifo(t *testing.T) {
	requireRoot(t)

	orig := t.TempDir()
	work := t.TempDir()
	fifoPath := filepath.Join(orig, "p")
	assert.NilError(t, mkfifo(fifoPath))

	assert.NilError(t, mirror.Entry(orig, work, "p"))

	_, err := os.Lstat(filepath.Join(work, "p"))
	assert.Assert(t, os.IsNotExist(err))
}
