// Package label clones filesystem metadata — mode, ownership and security
// label — from a source path to a destination path.
//
// All label operations use the link-level (non-dereferencing) variants so
// that cloning a symlink never touches the file it points to.
package label

import (
	"fmt"
	"os"

	"github.com/opencontainers/selinux/go-selinux"
	"golang.org/x/sys/unix"
)

// CloneSymlink reads the link target of src, creates a symlink at dst with
// that target, and copies src's security label onto dst.
func CloneSymlink(src, dst string) error {
	target, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("label: readlink %s: %w", src, err)
	}
	if err := os.Symlink(target, dst); err != nil {
		return fmt.Errorf("label: symlink %s -> %s: %w", dst, target, err)
	}
	return cloneLabel(src, dst)
}

// CloneDirMetadata applies src's mode bits, uid/gid, then security label to
// dst, in that order: mode and owner must land before the label so label
// enforcement observes the final owner.
func CloneDirMetadata(src, dst string) error {
	var st unix.Stat_t
	if err := unix.Lstat(src, &st); err != nil {
		return fmt.Errorf("label: lstat %s: %w", src, err)
	}
	if err := os.Chmod(dst, os.FileMode(st.Mode&0o7777)); err != nil {
		return fmt.Errorf("label: chmod %s: %w", dst, err)
	}
	if err := os.Chown(dst, int(st.Uid), int(st.Gid)); err != nil {
		return fmt.Errorf("label: chown %s: %w", dst, err)
	}
	return cloneLabel(src, dst)
}

// cloneLabel copies src's security label to dst using the non-dereferencing
// get/set pair. When SELinux isn't enabled on the host, this is a no-op,
// matching go-selinux's own behavior of returning an empty label.
func cloneLabel(src, dst string) error {
	if !selinux.GetEnabled() {
		return nil
	}
	l, err := selinux.LfileLabel(src)
	if err != nil {
		return fmt.Errorf("label: read label of %s: %w", src, err)
	}
	if l == "" {
		return nil
	}
	if err := selinux.LsetFileLabel(dst, l); err != nil {
		return fmt.Errorf("label: set label of %s: %w", dst, err)
	}
	return nil
}
