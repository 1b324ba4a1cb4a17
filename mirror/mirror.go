// Package mirror reproduces the stock siblings of a tmpfs-shadowed directory
// so that a composed directory listing stays complete. It is invoked only
// after the magic-mount engine has decided a tmpfs skeleton is required for
// a directory's parent (§4.4).
package mirror

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magicmount/magicmount/pkg/label"
	"github.com/magicmount/magicmount/pkg/mountutil"
)

// Entry mirrors one directory entry under orig (the stock directory) into
// work (its tmpfs-backed replacement), by name.
func Entry(orig, work, name string) error {
	srcPath := filepath.Join(orig, name)
	dstPath := filepath.Join(work, name)

	info, err := os.Lstat(srcPath)
	if err != nil {
		return fmt.Errorf("mirror: lstat %s: %w", srcPath, err)
	}

	switch {
	case info.Mode()&os.ModeSymlink != 0:
		return label.CloneSymlink(srcPath, dstPath)
	case info.IsDir():
		return mirrorDir(srcPath, dstPath)
	case info.Mode().IsRegular():
		return mirrorFile(srcPath, dstPath)
	default:
		// Block/char devices (other than whiteout markers, which never
		// reach here because they only exist in the module tree, not the
		// stock tree), sockets, fifos: not reproduced.
		return nil
	}
}

func mirrorFile(src, dst string) error {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("mirror: create placeholder %s: %w", dst, err)
	}
	f.Close()

	if err := mountutil.BindMount(src, dst); err != nil {
		return fmt.Errorf("mirror: bind mount %s -> %s: %w", src, dst, err)
	}
	return nil
}

func mirrorDir(src, dst string) error {
	if err := os.Mkdir(dst, 0755); err != nil {
		return fmt.Errorf("mirror: mkdir %s: %w", dst, err)
	}
	if err := label.CloneDirMetadata(src, dst); err != nil {
		return err
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return fmt.Errorf("mirror: readdir %s: %w", src, err)
	}
	for _, e := range entries {
		if err := Entry(src, dst, e.Name()); err != nil {
			return err
		}
	}
	return nil
}
