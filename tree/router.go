package tree

import (
	"os"

	"github.com/magicmount/magicmount/pkg/rootdir"
)

// partitionRule describes a partition name's lift condition, per §4.2's
// table.
type partitionRule struct {
	name           string
	requireSymlink bool
}

// routedPartitions lists every partition name the router considers for
// lifting, in the order given by the spec's table. Order does not affect
// the outcome (each partition's lift test is independent) but is kept
// stable for deterministic logging.
var routedPartitions = []partitionRule{
	{name: "system_ext", requireSymlink: true},
	{name: "vendor", requireSymlink: true},
	{name: "product", requireSymlink: true},
	{name: "odm", requireSymlink: false},
	{name: "oem", requireSymlink: false},
	{name: "my_product", requireSymlink: false},
	{name: "my_preload", requireSymlink: false},
}

// Route lifts system's partition subtrees to direct children of root where
// §4.2's conditions are met, then attaches the (possibly reduced) system
// subtree to root under "system".
//
// The live filesystem under pkg/rootdir.RootDir() is consulted for each
// partition's lift test (is <root>/<p> a directory; is <root>/system/<p> a
// symlink). Tests override the root prefix via rootdir.SetRootDir to exercise
// this against a scratch tree instead of the real system.
func Route(root, system *Node) {
	for _, rule := range routedPartitions {
		lift(root, system, rule)
	}

	if info, err := os.Stat(rootdir.Path("system")); err == nil && info.IsDir() {
		root.Children["system"] = system
	}
}

func lift(root, system *Node, rule partitionRule) {
	child, ok := system.Children[rule.name]
	if !ok {
		return
	}

	info, err := os.Stat(rootdir.Path(rule.name))
	if err != nil || !info.IsDir() {
		return
	}

	isSymlink := false
	if fi, err := os.Lstat(rootdir.Path("system", rule.name)); err == nil {
		isSymlink = fi.Mode()&os.ModeSymlink != 0
	}

	if rule.requireSymlink != isSymlink {
		return
	}

	delete(system.Children, rule.name)
	root.Children[rule.name] = child
}
