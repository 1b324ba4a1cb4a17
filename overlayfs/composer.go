// Package overlayfs composes module contributions onto a partition using
// native OverlayFS mounts at the partition's existing child mount points,
// falling back to per-partition failure (handled by package compose) when
// the mount layout makes that unsafe or impossible (§4.6).
package overlayfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/magicmount/magicmount/pkg/moduleset"
	"github.com/magicmount/magicmount/pkg/mountutil"
)

var log = logrus.WithField("component", "overlayfs")

// Candidates lists the partitions the composer attempts, in the order
// named by §4.6.
var Candidates = []string{"system", "vendor", "odm", "product", "system_ext"}

// ComposePartition attempts to compose module contributions onto
// partitionPath using OverlayFS mounts at each of its child mount points.
// moduleRoots are the enabled modules' "system/" directories, in
// enumeration order (earliest wins, per §4.6's layer-precedence note).
func ComposePartition(partitionPath string, moduleRoots []string) error {
	rows, err := mountutil.Mounts(partitionPath)
	if err != nil {
		return fmt.Errorf("overlayfs: read mount table under %s: %w", partitionPath, err)
	}

	var overlayMounts, childMounts []string
	for _, r := range rows {
		if r.FSType == "overlay" {
			overlayMounts = append(overlayMounts, r.MountPoint)
		} else {
			childMounts = append(childMounts, r.MountPoint)
		}
	}

	for _, m := range overlayMounts {
		rel, err := filepath.Rel(partitionPath, m)
		if err != nil {
			return fmt.Errorf("overlayfs: relativize %s: %w", m, err)
		}
		for _, mr := range moduleRoots {
			if _, err := os.Lstat(filepath.Join(mr, rel)); err == nil {
				return fmt.Errorf("overlayfs: module files exist in %s overlay mounts", filepath.Base(partitionPath))
			}
		}
	}

	childMounts = sortUnique(childMounts)

	var failures []error
	for _, c := range childMounts {
		if hasPrefixIn(c, overlayMounts) {
			continue
		}
		rel, err := filepath.Rel(partitionPath, c)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if err := mountOverlayChild(c, rel, moduleRoots); err != nil {
			failures = append(failures, err)
		}
	}

	if err := sweepNonMountPointContributions(partitionPath, childMounts, moduleRoots); err != nil {
		failures = append(failures, err)
	}

	if len(failures) > 0 {
		return fmt.Errorf("overlayfs: %d failure(s) composing %s: %w", len(failures), partitionPath, failures[0])
	}
	return nil
}

// mountOverlayChild mounts an overlay filesystem at mountPoint whose
// lowerdir stack is module contributions (in enumeration order) layered
// over the stock mount point itself as the lowest layer.
func mountOverlayChild(mountPoint, relative string, moduleRoots []string) error {
	var lowers []string
	for _, mr := range moduleRoots {
		p := filepath.Join(mr, relative)
		info, err := os.Stat(p)
		if err != nil {
			continue // no contribution from this module
		}
		if !info.IsDir() {
			// A module file sits where a directory is required: the stock
			// tree cannot be overlaid under a conflicting module file.
			log.WithField("path", p).Debug("overlayfs: conflicting module file, aborting this mount point")
			return nil
		}
		if empty, err := isEmptyDir(p); err != nil {
			return err
		} else if !empty {
			lowers = append(lowers, p)
		}
	}
	if len(lowers) == 0 {
		return nil
	}
	lowers = append(lowers, mountPoint)

	if err := mountutil.MountOverlay(mountPoint, strings.Join(lowers, ":")); err != nil {
		return fmt.Errorf("overlayfs: mount overlay at %s: %w", mountPoint, err)
	}
	return nil
}

// sweepNonMountPointContributions fails the partition if any module
// contributes under a top-level directory name that isn't itself a known
// child mount point: such contributions can't be expressed by overlaying on
// child mount points alone.
func sweepNonMountPointContributions(partitionPath string, childMounts, moduleRoots []string) error {
	known := make(map[string]bool, len(childMounts))
	for _, c := range childMounts {
		rel, err := filepath.Rel(partitionPath, c)
		if err != nil {
			continue
		}
		known[topComponent(rel)] = true
	}

	for _, mr := range moduleRoots {
		entries, err := os.ReadDir(mr)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if known[e.Name()] {
				continue
			}
			if !e.IsDir() {
				// A top-level module entry that isn't a directory can't be
				// expressed as an overlay mount point; it is simply not
				// reproduced by this composer, not a sweep violation.
				continue
			}
			nonEmpty, err := dirHasAnyEntry(filepath.Join(mr, e.Name()))
			if err != nil {
				return err
			}
			if nonEmpty {
				return fmt.Errorf("overlayfs: module contribution under %q is not a mount point beneath %s", e.Name(), partitionPath)
			}
		}
	}
	return nil
}

func topComponent(rel string) string {
	if i := strings.IndexByte(rel, filepath.Separator); i >= 0 {
		return rel[:i]
	}
	return rel
}

func dirHasAnyEntry(dir string) (bool, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return false, nil
	}
	if !info.IsDir() {
		return true, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

func isEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

func hasPrefixIn(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

func sortUnique(in []string) []string {
	sort.Strings(in)
	out := in[:0]
	var prev string
	for i, v := range in {
		if i == 0 || v != prev {
			out = append(out, v)
			prev = v
		}
	}
	return out
}

// ModuleRoots returns the enabled modules' "system/" directories under
// moduleRoot, in enumeration order.
func ModuleRoots(moduleRoot string) ([]string, error) {
	modules, err := moduleset.Enabled(moduleRoot)
	if err != nil {
		return nil, err
	}
	roots := make([]string, 0, len(modules))
	for _, m := range modules {
		roots = append(roots, m.Root)
	}
	return roots, nil
}
