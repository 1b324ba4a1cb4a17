package tree

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"github.com/magicmount/magicmount/pkg/moduleset"
)

// opaqueXattr is the extended attribute that marks a module directory as
// fully replacing, rather than merging with, the stock directory at the
// same path. Value must be exactly "y".
const opaqueXattr = "trusted.overlay.opaque"

// Build walks every enabled module under moduleRoot and merges their
// "system/" contributions into a single tree rooted at "/". It returns a nil
// root (and no error) when no module contributes anything, per §4.1's
// "empty result signaling no modules contribute".
func Build(moduleRoot string) (*Node, error) {
	modules, err := moduleset.Enabled(moduleRoot)
	if err != nil {
		return nil, fmt.Errorf("tree: enumerate modules: %w", err)
	}

	system := &Node{Kind: Directory, Children: map[string]*Node{}}
	for _, m := range modules {
		if err := mergeModule(system, m); err != nil {
			return nil, fmt.Errorf("tree: merge module %s: %w", m.Name, err)
		}
	}
	prune(system)

	if !system.HasContributions() {
		return nil, nil
	}

	root := NewRoot()
	Route(root, system)
	return root, nil
}

// mergeModule walks one module's "system/" subtree and merges it into dst.
func mergeModule(dst *Node, m moduleset.Module) error {
	return mergeDir(dst, m.Root, m.Name)
}

// mergeDir merges the directory entries at srcDir into dst (a Directory
// Node), attributing new contributions to moduleName.
//
// Collision rule (§4.1): a new contribution overrides an existing child
// only if both the new entry and the existing child are directories;
// otherwise the first contributor wins — later modules never overwrite an
// existing non-directory child at the same path.
func mergeDir(dst *Node, srcDir, moduleName string) error {
	if dst.Kind != Directory {
		return fmt.Errorf("cannot merge into non-directory node %q", dst.Name)
	}
	if dst.Children == nil {
		dst.Children = map[string]*Node{}
	}

	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	infoByName := make(map[string]os.DirEntry, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
		infoByName[e.Name()] = e
	}
	sort.Strings(names)

	for _, name := range names {
		entry := infoByName[name]
		srcPath := filepath.Join(srcDir, name)

		kind, err := classify(srcPath, entry)
		if err != nil {
			return fmt.Errorf("classify %s: %w", srcPath, err)
		}

		existing, had := dst.Children[name]
		if had && !(kind == Directory && existing.Kind == Directory) {
			// First contributor wins at this path.
			continue
		}

		var node *Node
		if had {
			node = existing
		} else {
			node = &Node{Name: name}
			dst.Children[name] = node
		}
		node.Kind = kind
		node.SourcePath = srcPath
		node.Module = moduleName

		if kind == Directory {
			opaque, err := isOpaque(srcPath)
			if err != nil {
				return fmt.Errorf("read opaque xattr on %s: %w", srcPath, err)
			}
			node.Replace = opaque
			if node.Children == nil {
				node.Children = map[string]*Node{}
			}
			if err := mergeDir(node, srcPath, moduleName); err != nil {
				return err
			}
		}
	}
	return nil
}

// classify determines a module tree entry's Kind, recognizing the
// OverlayFS whiteout encoding: a character device with device number 0.
func classify(path string, entry os.DirEntry) (Kind, error) {
	info, err := entry.Info()
	if err != nil {
		return 0, err
	}
	mode := info.Mode()
	switch {
	case mode&os.ModeCharDevice != 0:
		var st unix.Stat_t
		if err := unix.Lstat(path, &st); err != nil {
			return 0, err
		}
		if st.Rdev == 0 {
			return Whiteout, nil
		}
		// A real char device that isn't the whiteout encoding: treat it
		// like an ordinary contribution, which the engine bind-mounts the
		// same way as a regular file. This engine does not
		// special-case device nodes beyond the whiteout marker.
		return RegularFile, nil
	case mode&os.ModeSymlink != 0:
		return Symlink, nil
	case mode.IsDir():
		return Directory, nil
	default:
		return RegularFile, nil
	}
}

// isOpaque reads the trusted.overlay.opaque xattr and reports whether its
// value is exactly "y".
func isOpaque(dir string) (bool, error) {
	buf := make([]byte, 8)
	n, err := unix.Lgetxattr(dir, opaqueXattr, buf)
	if err != nil {
		if err == unix.ENODATA || err == unix.ENOTSUP {
			return false, nil
		}
		return false, err
	}
	return string(buf[:n]) == "y", nil
}

// prune removes empty-shell Directory descendants — those with neither
// Replace set nor any descendant file/symlink/whiteout contribution — so
// they never force tmpfs creation downstream (§4.1).
func prune(n *Node) {
	if n.Kind != Directory {
		return
	}
	for name, c := range n.Children {
		if c.Kind != Directory {
			continue
		}
		prune(c)
		if !c.HasContributions() {
			delete(n.Children, name)
		}
	}
}
