// Package magicmount implements the magic-mount algorithm: a recursive
// composer that selectively creates a tmpfs skeleton over in-place
// directories and bind-mounts individual files and symlinks (§4.5).
package magicmount

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/magicmount/magicmount/mirror"
	"github.com/magicmount/magicmount/pkg/label"
	"github.com/magicmount/magicmount/pkg/mountutil"
	"github.com/magicmount/magicmount/tree"
)

var log = logrus.WithField("component", "magicmount")

// Mount composes node onto stockPath, staging any tmpfs skeletons it needs
// under workPath (a scratch directory the caller owns and tears down after
// the call returns — see compose.withWorkArea).
//
// node is typically a partition subtree (root.Children["system"], or a
// lifted partition) rather than the whole tree's synthetic root, since a
// bare synthetic root can never itself be promoted to tmpfs (§7 item 4).
func Mount(stockPath, workPath string, node *tree.Node) error {
	return mountNode(stockPath, workPath, node, false)
}

func mountNode(stockPath, workPath string, node *tree.Node, parentHasTmpfs bool) error {
	switch node.Kind {
	case tree.RegularFile:
		return mountFile(stockPath, workPath, node, parentHasTmpfs)
	case tree.Symlink:
		return mountSymlink(stockPath, workPath, node, parentHasTmpfs)
	case tree.Whiteout:
		// No mount performed; the entry simply doesn't appear in a
		// tmpfs-composed parent.
		return nil
	case tree.Directory:
		return mountDir(stockPath, workPath, node, parentHasTmpfs)
	default:
		return fmt.Errorf("magicmount: unknown node kind for %s", stockPath)
	}
}

func mountFile(stockPath, workPath string, node *tree.Node, parentHasTmpfs bool) error {
	if node.SourcePath == "" {
		return fmt.Errorf("magicmount: file node %s has no source (root cannot be a file)", stockPath)
	}
	if parentHasTmpfs {
		f, err := os.OpenFile(workPath, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("magicmount: create placeholder %s: %w", workPath, err)
		}
		f.Close()
		return mountutil.BindMount(node.SourcePath, workPath)
	}
	return mountutil.BindMount(node.SourcePath, stockPath)
}

func mountSymlink(_ string, workPath string, node *tree.Node, parentHasTmpfs bool) error {
	if node.SourcePath == "" {
		return fmt.Errorf("magicmount: symlink node %s has no source", workPath)
	}
	if !parentHasTmpfs {
		// Should not happen: a symlink child always forces its parent to
		// require tmpfs (childRequiresTmpfs below). Surface it loudly if it does.
		return fmt.Errorf("magicmount: symlink %s requires a tmpfs parent", workPath)
	}
	return label.CloneSymlink(node.SourcePath, workPath)
}

func mountDir(stockPath, workPath string, node *tree.Node, parentHasTmpfs bool) error {
	if node.Replace && node.SourcePath == "" {
		return fmt.Errorf("magicmount: opaque directory %s has no contributing module source", stockPath)
	}

	requiresTmpfs := parentHasTmpfs || (node.Replace && node.SourcePath != "")
	if !requiresTmpfs {
		for _, c := range node.Children {
			if childRequiresTmpfs(stockPath, c) {
				requiresTmpfs = true
				break
			}
		}
	}

	if requiresTmpfs && !parentHasTmpfs && node.SourcePath == "" {
		for _, c := range node.Children {
			if childRequiresTmpfs(stockPath, c) {
				c.Skip = true
				log.WithField("path", filepath.Join(stockPath, c.Name)).
					Error("magicmount: cannot promote synthesized root directory to tmpfs; skipping child")
			}
		}
		// A synthesized node (no contributing module source) can never itself
		// be promoted to tmpfs, regardless of what its children need; only a
		// tmpfs already established by a parent can host them (they were just
		// marked Skip above if not).
		requiresTmpfs = parentHasTmpfs
	}

	createsTmpfs := requiresTmpfs && !parentHasTmpfs
	hasTmpfs := parentHasTmpfs || requiresTmpfs

	if requiresTmpfs {
		if err := os.MkdirAll(workPath, 0755); err != nil {
			return fmt.Errorf("magicmount: mkdir %s: %w", workPath, err)
		}
		metaSrc := stockPath
		if _, err := os.Stat(stockPath); err != nil {
			metaSrc = node.SourcePath
		}
		if metaSrc != "" {
			if err := label.CloneDirMetadata(metaSrc, workPath); err != nil {
				return err
			}
		}
		if createsTmpfs {
			// Bind-mount workPath onto itself: the work area as a whole is
			// already a tmpfs (mounted once by the caller, see
			// compose.withWorkArea); this just turns this particular
			// directory into its own independent mount point so it can
			// later be moved into place without disturbing its siblings.
			if err := mountutil.BindMount(workPath, workPath); err != nil {
				return err
			}
		}
	}

	fatal := hasTmpfs

	if stat, err := os.Stat(stockPath); err == nil && stat.IsDir() && !node.Replace {
		entries, rerr := os.ReadDir(stockPath)
		if rerr != nil {
			if fatal {
				return fmt.Errorf("magicmount: readdir %s: %w", stockPath, rerr)
			}
			log.WithError(rerr).WithField("path", stockPath).Warn("magicmount: readdir failed, continuing")
			entries = nil
		}
		for _, e := range entries {
			name := e.Name()
			child, ok := node.Children[name]
			childStock := filepath.Join(stockPath, name)
			childWork := filepath.Join(workPath, name)

			if ok && !child.Skip {
				delete(node.Children, name)
				if err := mountNode(childStock, childWork, child, hasTmpfs); err != nil {
					if fatal {
						return err
					}
					log.WithError(err).WithField("path", childStock).Warn("magicmount: child mount failed, continuing")
				}
				continue
			}

			if hasTmpfs {
				if err := mirror.Entry(stockPath, workPath, name); err != nil {
					if fatal {
						return err
					}
					log.WithError(err).WithField("path", childStock).Warn("magicmount: mirror failed, continuing")
				}
			}
			// Else: leave the real entry alone, used as-is beneath.
		}
	}

	for name, child := range node.Children {
		if child.Skip {
			continue
		}
		childStock := filepath.Join(stockPath, name)
		childWork := filepath.Join(workPath, name)
		if err := mountNode(childStock, childWork, child, hasTmpfs); err != nil {
			if fatal {
				return err
			}
			log.WithError(err).WithField("path", childStock).Warn("magicmount: child mount failed, continuing")
		}
	}

	if createsTmpfs {
		if err := mountutil.MoveMount(workPath, stockPath); err != nil {
			return err
		}
		if err := mountutil.MakePrivate(stockPath); err != nil {
			return err
		}
	}

	return nil
}

// childRequiresTmpfs implements §4.5's "requires tmpfs" predicate for a
// directory's children.
func childRequiresTmpfs(parentStock string, child *tree.Node) bool {
	switch child.Kind {
	case tree.Symlink:
		return true
	case tree.Whiteout:
		_, err := os.Lstat(filepath.Join(parentStock, child.Name))
		return err == nil
	default: // RegularFile, Directory
		stockPath := filepath.Join(parentStock, child.Name)
		info, err := os.Lstat(stockPath)
		if err != nil {
			return true // doesn't exist stock-side
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return true // stock symlinks can't be shadowed by a bind mount
		}
		stockIsDir := info.IsDir()
		childIsDir := child.Kind == tree.Directory
		return stockIsDir != childIsDir
	}
}
