// Package calltree implements the call-path aggregation tree (component
// C6): a per-class tree of stack-frame nodes that deduplicates common
// prefixes, tracks both total (all-time) and retained (live) counts per
// node, and supports top-N pruning to bound memory under sustained
// allocation pressure.
package calltree

import (
	"sort"
	"strconv"
)

// Frame identifies one stack location. Path and Line come from the host's
// stack inspection; Label is an optional human-readable function name.
type Frame struct {
	Path  string
	Line  int
	Label string
}

// key renders Frame as the deduplication key used for the tree's children
// maps, matching spec §4.6's "path:line[ in label]" format.
func (f Frame) key() string {
	s := f.Path + ":" + strconv.Itoa(f.Line)
	if f.Label != "" {
		s += " in " + f.Label
	}
	return s
}

// Node is one call-tree node. The root node has a zero-value Location and a
// nil Parent.
type Node struct {
	Location Frame
	Parent   *Node
	Total    uint64
	Retained uint64
	children map[string]*Node
}

// Tree is a single class's call-path aggregation tree.
type Tree struct {
	root           *Node
	insertionCount uint64
}

// New constructs an empty Tree with a fresh root node.
func New() *Tree {
	return &Tree{root: &Node{}}
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node { return t.root }

// InsertionCount returns the number of Record calls since the tree was
// constructed or last Clear'd.
func (t *Tree) InsertionCount() uint64 { return t.insertionCount }

// TotalAllocations is the root node's total — the all-time count of every
// Record call made against this tree.
func (t *Tree) TotalAllocations() uint64 { return t.root.Total }

// RetainedAllocations is the root node's retained count.
func (t *Tree) RetainedAllocations() uint64 { return t.root.Retained }

// Record walks frames (ordered outer-to-inner-most, root call first) from
// the root, creating any missing child nodes, then walks back to the root
// incrementing both Total and Retained by 1 on every node on the path. It
// returns the deepest (leaf) node, which the caller stores as a site's
// "data" so a later decrement_path can find it again.
func (t *Tree) Record(frames []Frame) *Node {
	t.insertionCount++

	cur := t.root
	path := make([]*Node, 0, len(frames)+1)
	path = append(path, cur)

	for _, f := range frames {
		if cur.children == nil {
			cur.children = make(map[string]*Node)
		}
		k := f.key()
		child, ok := cur.children[k]
		if !ok {
			child = &Node{Location: f, Parent: cur}
			cur.children[k] = child
		}
		cur = child
		path = append(path, cur)
	}

	for _, n := range path {
		n.Total++
		n.Retained++
	}

	return cur
}

// DecrementPath walks from node to the root, decrementing only Retained.
// Total is permanent — it preserves all-time history even once a path's
// allocations are fully freed.
func (n *Node) DecrementPath() {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Retained > 0 {
			cur.Retained--
		}
	}
}

// MetricKind selects which counter top_paths/hotspots rank by.
type MetricKind uint8

const (
	// ByTotal ranks by Node.Total.
	ByTotal MetricKind = iota
	// ByRetained ranks by Node.Retained.
	ByRetained
)

func (n *Node) metric(by MetricKind) uint64 {
	if by == ByRetained {
		return n.Retained
	}
	return n.Total
}

// Path is one root-to-leaf call path, returned by TopPaths.
type Path struct {
	Frames []Frame
	Leaf   *Node
	Metric uint64
}

// TopPaths collects every leaf path (a non-root node with no children; an
// empty tree yields no paths), sorts by the chosen metric descending, and
// returns the first limit entries.
func (t *Tree) TopPaths(limit int, by MetricKind) []Path {
	var leaves []*Node
	var walk func(n *Node)
	walk = func(n *Node) {
		if len(n.children) == 0 {
			if n != t.root {
				leaves = append(leaves, n)
			}
			return
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)

	paths := make([]Path, 0, len(leaves))
	for _, leaf := range leaves {
		var frames []Frame
		for n := leaf; n != t.root; n = n.Parent {
			frames = append(frames, n.Location)
		}
		for i, j := 0, len(frames)-1; i < j; i, j = i+1, j-1 {
			frames[i], frames[j] = frames[j], frames[i]
		}
		paths = append(paths, Path{Frames: frames, Leaf: leaf, Metric: leaf.metric(by)})
	}

	sort.SliceStable(paths, func(i, j int) bool { return paths[i].Metric > paths[j].Metric })

	if limit >= 0 && limit < len(paths) {
		paths = paths[:limit]
	}
	return paths
}

// Hotspot is one frame's aggregated count across every occurrence in the
// tree, returned by Hotspots.
type Hotspot struct {
	Frame  Frame
	Metric uint64
}

// Hotspots sums per-frame counts across all occurrences of that frame
// anywhere in the tree (a recursive allocation site shows up once per
// depth, each contributing its own node's count), sorts descending by the
// chosen metric, and returns the first limit entries.
func (t *Tree) Hotspots(limit int, by MetricKind) []Hotspot {
	totals := make(map[string]*Hotspot)
	var walk func(n *Node)
	walk = func(n *Node) {
		if n != t.root {
			k := n.Location.key()
			h, ok := totals[k]
			if !ok {
				h = &Hotspot{Frame: n.Location}
				totals[k] = h
			}
			h.Metric += n.metric(by)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)

	out := make([]Hotspot, 0, len(totals))
	for _, h := range totals {
		out = append(out, *h)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Metric > out[j].Metric })

	if limit >= 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// Prune walks every internal node; where a node has more than limit
// children, it keeps the limit children with the largest Retained counts
// and detaches the rest (clearing their Parent/children references so the
// host collector can reclaim them), then recurses into the survivors.
// Returns the number of nodes detached, counting every node in each
// detached subtree.
func (t *Tree) Prune(limit int) int {
	return pruneNode(t.root, limit)
}

func pruneNode(n *Node, limit int) int {
	detached := 0

	if len(n.children) > limit {
		type kv struct {
			key  string
			node *Node
		}
		all := make([]kv, 0, len(n.children))
		for k, c := range n.children {
			all = append(all, kv{k, c})
		}
		sort.Slice(all, func(i, j int) bool { return all[i].node.Retained > all[j].node.Retained })

		for _, e := range all[limit:] {
			delete(n.children, e.key)
			detached += countSubtree(e.node)
			e.node.Parent = nil
			e.node.children = nil
		}
	}

	for _, c := range n.children {
		detached += pruneNode(c, limit)
	}
	return detached
}

func countSubtree(n *Node) int {
	count := 1
	for _, c := range n.children {
		count += countSubtree(c)
	}
	return count
}

// ResetInsertionCount zeros InsertionCount without discarding the tree's
// contents, for use after a Sampler-driven Prune pass.
func (t *Tree) ResetInsertionCount() { t.insertionCount = 0 }

// Clear replaces the root with a fresh node and resets InsertionCount.
func (t *Tree) Clear() {
	t.root = &Node{}
	t.insertionCount = 0
}
