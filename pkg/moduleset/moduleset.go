// Package moduleset enumerates the modules contributed to the overlay tree.
//
// A module is a directory under the module root that carries a "system/"
// subdirectory of overlay contributions. It is enabled unless it carries a
// "disable" or "skip_mount" marker file at its top level.
package moduleset

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
)

const (
	// DisableMarker, present at a module's top level, disables the module.
	DisableMarker = "disable"
	// SkipMountMarker, present at a module's top level, disables the module
	// for mounting purposes only (it may still run other install hooks).
	SkipMountMarker = "skip_mount"
	// SystemDir is the subdirectory of a module tree merged into the overlay.
	SystemDir = "system"
)

// Module is a single enabled module contributing to the overlay.
type Module struct {
	// Name is the module's directory name under the module root.
	Name string
	// Root is the absolute path to the module's "system/" subdirectory,
	// i.e. the root of its overlay contribution.
	Root string
}

// Enabled returns every enabled module under moduleRoot, in alphabetical
// order by name. Alphabetical order makes first-contributor-wins collision
// resolution in the tree builder deterministic.
func Enabled(moduleRoot string) ([]Module, error) {
	entries, err := os.ReadDir(moduleRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var modules []Module
	for _, name := range names {
		dir := filepath.Join(moduleRoot, name)
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}
		if !isEnabled(dir) {
			logrus.WithField("module", name).Debug("moduleset: module disabled, skipping")
			continue
		}
		systemDir := filepath.Join(dir, SystemDir)
		sysInfo, err := os.Stat(systemDir)
		if err != nil || !sysInfo.IsDir() {
			logrus.WithField("module", name).Debug("moduleset: no system/ subdirectory, skipping")
			continue
		}
		modules = append(modules, Module{Name: name, Root: systemDir})
	}
	return modules, nil
}

func isEnabled(moduleDir string) bool {
	for _, marker := range []string{DisableMarker, SkipMountMarker} {
		if _, err := os.Stat(filepath.Join(moduleDir, marker)); err == nil {
			return false
		}
	}
	return true
}
