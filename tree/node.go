// Package tree builds and routes the in-memory overlay tree that the
// magic-mount engine and the OverlayFS composer consume.
package tree

// Kind classifies a Node.
type Kind int

const (
	// Directory nodes carry Children; composed recursively.
	Directory Kind = iota
	// RegularFile nodes are bind-mounted in place from SourcePath.
	RegularFile
	// Symlink nodes are recreated with their module-contributed target.
	Symlink
	// Whiteout nodes mark a path that must appear deleted in the composed
	// view, regardless of what the stock tree contains there.
	Whiteout
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "directory"
	case RegularFile:
		return "file"
	case Symlink:
		return "symlink"
	case Whiteout:
		return "whiteout"
	default:
		return "unknown"
	}
}

// Node is one entry in the overlay tree.
type Node struct {
	// Name is the final path segment.
	Name string
	Kind Kind

	// Children holds this node's contents, keyed by name. Present only
	// when Kind == Directory.
	Children map[string]*Node

	// SourcePath is the absolute on-disk path of the contributing module's
	// file, for RegularFile and Symlink nodes, and for Directory nodes that
	// were created from an actual module directory entry (as opposed to a
	// synthesized root or partition node). Empty for synthetic nodes.
	SourcePath string

	// Replace is true when this directory's composed view must show only
	// module contributions, hiding the stock directory's other contents.
	// Sourced from the module directory's trusted.overlay.opaque xattr.
	// Only ever true on a Directory node with a non-empty SourcePath.
	Replace bool

	// Skip is a scratch flag the magic-mount engine sets on children that
	// must not be mounted (e.g. children of a directory that needed tmpfs
	// but has no SourcePath to promote to tmpfs).
	Skip bool

	// Module is the name of the module that contributed this node, for
	// diagnostics. Empty for synthetic nodes.
	Module string
}

// NewRoot creates the synthetic root node ("", Directory, no SourcePath).
func NewRoot() *Node {
	return &Node{Kind: Directory, Children: map[string]*Node{}}
}

// child returns (creating if necessary) the named child of a Directory node.
func (n *Node) child(name string) *Node {
	if n.Children == nil {
		n.Children = map[string]*Node{}
	}
	c, ok := n.Children[name]
	if !ok {
		c = &Node{Name: name}
		n.Children[name] = c
	}
	return c
}

// HasContributions reports whether this subtree has any descendant that is
// not a Directory, or any descendant Directory with Replace set — the
// pruning predicate from §4.1: an empty-shell directory that contributes
// nothing must not force tmpfs creation downstream.
func (n *Node) HasContributions() bool {
	if n.Kind != Directory {
		return true
	}
	if n.Replace {
		return true
	}
	for _, c := range n.Children {
		if c.HasContributions() {
			return true
		}
	}
	return false
}
