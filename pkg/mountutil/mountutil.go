// Package mountutil wraps the bind/tmpfs/overlay mount syscalls and mount
// table inspection the engine needs, on top of github.com/moby/sys/mount and
// github.com/moby/sys/mountinfo.
package mountutil

import (
	"fmt"

	"github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
)

// Source strings used for the source (device) argument of the mount(2) call, matching
// the teacher's convention of giving mounts an identifiable source name
// rather than an empty string.
const (
	TmpfsSource   = "AP_MAGIC_MOUNT_SOURCE"
	OverlaySource = "AP_OVERLAY_SOURCE"
)

// BindMount bind-mounts src onto dst. dst must already exist (a file or
// directory matching src's kind).
func BindMount(src, dst string) error {
	if err := mount.Mount(src, dst, "", "bind"); err != nil {
		return fmt.Errorf("mountutil: bind mount %s -> %s: %w", src, dst, err)
	}
	return nil
}

// MountTmpfs mounts a fresh tmpfs at dst.
func MountTmpfs(dst string) error {
	if err := mount.Mount(TmpfsSource, dst, "tmpfs", ""); err != nil {
		return fmt.Errorf("mountutil: mount tmpfs at %s: %w", dst, err)
	}
	return nil
}

// MountOverlay mounts an overlay filesystem at dst with the given
// colon-joined lowerdir stack. No upperdir/workdir is ever set: this is a
// read-only composition, never a writable one.
func MountOverlay(dst, lowerdir string) error {
	opts := "lowerdir=" + lowerdir
	if err := mount.Mount(OverlaySource, dst, "overlay", opts); err != nil {
		return fmt.Errorf("mountutil: mount overlay at %s: %w", dst, err)
	}
	return nil
}

// MoveMount moves the mount at src to dst. Used to relocate a tmpfs skeleton
// staged in the work area into its final position in the live tree. MS_MOVE
// is a raw kernel flag, not expressible through moby/sys/mount's
// comma-separated options string, so this calls unix.Mount directly.
func MoveMount(src, dst string) error {
	if err := unix.Mount(src, dst, "", unix.MS_MOVE, ""); err != nil {
		return fmt.Errorf("mountutil: move mount %s -> %s: %w", src, dst, err)
	}
	return nil
}

// MakePrivate sets the mount propagation of path to PRIVATE, so that
// subsequent mounts under it do not leak to peer mount namespaces.
func MakePrivate(path string) error {
	if err := mount.MakePrivate(path); err != nil {
		return fmt.Errorf("mountutil: make %s private: %w", path, err)
	}
	return nil
}

// Unmount performs a lazy (detach) unmount, tolerating an already-unmounted
// target.
func Unmount(path string) error {
	if err := mount.Unmount(path); err != nil {
		return fmt.Errorf("mountutil: unmount %s: %w", path, err)
	}
	return nil
}

// MountRow is a single entry of the kernel mount table, as read from
// /proc/self/mountinfo.
type MountRow struct {
	MountPoint string
	FSType     string
}

// Mounts returns every mount point strictly under root (root itself is
// excluded), in the order the kernel reports them. The same mount point may
// appear more than once if it has been mounted over (stacked mounts).
func Mounts(root string) ([]MountRow, error) {
	infos, err := mountinfo.GetMounts(mountinfo.PrefixFilter(root))
	if err != nil {
		return nil, fmt.Errorf("mountutil: read mount table: %w", err)
	}
	var rows []MountRow
	for _, info := range infos {
		if info.Mountpoint == root {
			continue
		}
		rows = append(rows, MountRow{MountPoint: info.Mountpoint, FSType: info.FSType})
	}
	return rows, nil
}
