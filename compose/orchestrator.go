// Package compose drives the fallback orchestrator (§4.7): it is the single
// public entry point a caller (the out-of-scope CLI/init sequencer) uses to
// compose module contributions onto the live partition trees.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/magicmount/magicmount/magicmount"
	"github.com/magicmount/magicmount/overlayfs"
	"github.com/magicmount/magicmount/pkg/mountutil"
	"github.com/magicmount/magicmount/pkg/rootdir"
	"github.com/magicmount/magicmount/tree"
)

var log = logrus.WithField("component", "compose")

// WorkDirProvider returns an absolute path usable as a transient mount
// target. The default implementation creates a fresh directory under the
// OS temp dir, named uniquely per invocation.
type WorkDirProvider func() (string, error)

// DefaultWorkDir is the default WorkDirProvider.
func DefaultWorkDir() (string, error) {
	dir := filepath.Join(os.TempDir(), "magic-mount-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("compose: create work dir: %w", err)
	}
	return dir, nil
}

// Report is the per-partition outcome of a Compose call, for logging by the
// caller.
type Report struct {
	// OverlaySucceeded lists partitions composed purely via OverlayFS.
	OverlaySucceeded []string
	// MagicMountFallback lists partitions composed via the magic-mount
	// fallback after their OverlayFS attempt failed.
	MagicMountFallback []string
}

// Compose composes every enabled module under moduleRoot onto the live
// partition trees rooted at rootdir.RootDir(). It first attempts the
// OverlayFS composer per partition (§4.6); any partition that fails falls
// back to a magic-mount pass restricted to that partition's subtree (§4.7).
func Compose(moduleRoot string) (Report, error) {
	return compose(moduleRoot, DefaultWorkDir)
}

func compose(moduleRoot string, workDir WorkDirProvider) (Report, error) {
	var report Report
	var failedPartitions []string

	moduleRoots, err := overlayfs.ModuleRoots(moduleRoot)
	if err != nil {
		return report, fmt.Errorf("compose: enumerate modules: %w", err)
	}
	if len(moduleRoots) == 0 {
		log.Debug("compose: no enabled modules, nothing to do")
		return report, nil
	}

	for _, name := range overlayfs.Candidates {
		partitionPath := rootdir.Path(name)
		info, err := os.Stat(partitionPath)
		if err != nil || !info.IsDir() {
			continue
		}
		if err := overlayfs.ComposePartition(partitionPath, moduleRoots); err != nil {
			log.WithError(err).WithField("partition", name).Warn("compose: overlayfs composition failed, will fall back to magic mount")
			failedPartitions = append(failedPartitions, name)
			continue
		}
		report.OverlaySucceeded = append(report.OverlaySucceeded, name)
	}

	if len(failedPartitions) == 0 {
		return report, nil
	}

	if err := fallback(moduleRoot, failedPartitions, workDir); err != nil {
		return report, fmt.Errorf("compose: magic-mount fallback for [%s]: %w", strings.Join(failedPartitions, ","), err)
	}
	report.MagicMountFallback = failedPartitions
	return report, nil
}

// fallback runs a restricted magic-mount pass against exactly the
// partitions named in failedPartitions.
func fallback(moduleRoot string, failedPartitions []string, workDir WorkDirProvider) error {
	root, err := tree.Build(moduleRoot)
	if err != nil {
		return fmt.Errorf("build tree: %w", err)
	}
	if root == nil {
		return nil
	}

	return withWorkArea(workDir, func(work string) error {
		for _, name := range failedPartitions {
			node, ok := root.Children[name]
			if !ok {
				continue
			}
			partitionPath := rootdir.Path(name)
			partitionWork := filepath.Join(work, name)
			if err := os.MkdirAll(partitionWork, 0755); err != nil {
				return fmt.Errorf("mkdir work area for %s: %w", name, err)
			}
			if err := magicmount.Mount(partitionPath, partitionWork, node); err != nil {
				return fmt.Errorf("magic mount %s: %w", name, err)
			}
		}
		return nil
	})
}

// withWorkArea creates a transient tmpfs work directory, runs fn against it,
// then unconditionally unmounts (detach) and removes it — on every exit
// path, including errors, per §9 "Scoped mount cleanup".
func withWorkArea(provider WorkDirProvider, fn func(work string) error) (retErr error) {
	dir, err := provider()
	if err != nil {
		return err
	}
	if err := mountutil.MountTmpfs(dir); err != nil {
		os.RemoveAll(dir)
		return err
	}
	if err := mountutil.MakePrivate(dir); err != nil {
		_ = mountutil.Unmount(dir)
		os.RemoveAll(dir)
		return err
	}

	defer func() {
		if err := mountutil.Unmount(dir); err != nil {
			log.WithError(err).WithField("dir", dir).Warn("compose: failed to unmount work area")
		}
		if err := os.RemoveAll(dir); err != nil {
			log.WithError(err).WithField("dir", dir).Warn("compose: failed to remove work area")
		}
	}()

	return fn(dir)
}
