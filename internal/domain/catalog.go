package domain

import (
	"sort"
	"strings"
	"sync/atomic"
)

// NoParent is the parent index of the catalog root
const NoParent = -1

// Node is one entry of the test catalog. Nodes reference each other by
// arena index; the Catalog owns them.
type Node struct {
	Path       string
	Name       string
	Type       NodeType
	Markers    []string
	LineNumber int
	Docstring  string

	parent   int
	children []int
	status   atomic.Value
	selected atomic.Bool
}

// NewNode creates a detached node with pending status
func NewNode(path, name string, typ NodeType) *Node {
	n := &Node{Path: path, Name: name, Type: typ, parent: NoParent}
	n.status.Store(StatusPending)
	return n
}

// Status returns the current status. Safe for concurrent use.
func (n *Node) Status() TestStatus {
	s, _ := n.status.Load().(TestStatus)
	if s == "" {
		return StatusPending
	}
	return s
}

// SetStatus replaces the status in a single atomic write
func (n *Node) SetStatus(s TestStatus) {
	n.status.Store(s)
}

// Selected reports whether the UI marked this node for running
func (n *Node) Selected() bool {
	return n.selected.Load()
}

// IsTest is true for nodes that pytest reports results for
func (n *Node) IsTest() bool {
	return n.Type == NodeFunction
}

// HasMarker reports whether the node carries the given marker
func (n *Node) HasMarker(m string) bool {
	for _, x := range n.Markers {
		if x == m {
			return true
		}
	}
	return false
}

// AddMarkers merges markers into the node, keeping them sorted and unique
func (n *Node) AddMarkers(markers ...string) {
	for _, m := range markers {
		if m == "" || n.HasMarker(m) {
			continue
		}
		n.Markers = append(n.Markers, m)
	}
	sort.Strings(n.Markers)
}

// Catalog is an arena of nodes rooted at index 0
type Catalog struct {
	Root  string
	nodes []*Node
}

// NewCatalog creates a catalog with a directory root node
func NewCatalog(root string) *Catalog {
	c := &Catalog{Root: root}
	c.nodes = append(c.nodes, NewNode("", baseName(root), NodeDirectory))
	return c
}

// AddNode appends node as the last child of parent and returns its index
func (c *Catalog) AddNode(parent int, n *Node) int {
	idx := len(c.nodes)
	n.parent = parent
	c.nodes = append(c.nodes, n)
	if parent >= 0 && parent < idx {
		c.nodes[parent].children = append(c.nodes[parent].children, idx)
	}
	return idx
}

// Len returns the number of nodes including the root
func (c *Catalog) Len() int {
	return len(c.nodes)
}

// Node returns the node at index i, or nil when out of range
func (c *Catalog) Node(i int) *Node {
	if i < 0 || i >= len(c.nodes) {
		return nil
	}
	return c.nodes[i]
}

// RootNode returns the root directory node
func (c *Catalog) RootNode() *Node {
	return c.nodes[0]
}

// Parent returns the parent index of i, or NoParent
func (c *Catalog) Parent(i int) int {
	if n := c.Node(i); n != nil {
		return n.parent
	}
	return NoParent
}

// Children returns the child indices of i
func (c *Catalog) Children(i int) []int {
	if n := c.Node(i); n != nil {
		return n.children
	}
	return nil
}

// Depth returns the distance from the root
func (c *Catalog) Depth(i int) int {
	d := 0
	for p := c.Parent(i); p != NoParent; p = c.Parent(p) {
		d++
	}
	return d
}

// Walk visits the subtree at i depth-first. Returning false from fn skips
// the children of that node.
func (c *Catalog) Walk(i int, fn func(idx int, n *Node) bool) {
	n := c.Node(i)
	if n == nil {
		return
	}
	if !fn(i, n) {
		return
	}
	for _, ch := range n.children {
		c.Walk(ch, fn)
	}
}

// Leaves returns the indices of all test nodes in tree order
func (c *Catalog) Leaves() []int {
	var out []int
	c.Walk(0, func(idx int, n *Node) bool {
		if n.IsTest() {
			out = append(out, idx)
		}
		return true
	})
	return out
}

// ResetStatuses sets every node back to pending
func (c *Catalog) ResetStatuses() {
	for _, n := range c.nodes {
		n.SetStatus(StatusPending)
	}
}

// SetSelected marks the subtree at i as selected or not
func (c *Catalog) SetSelected(i int, selected bool) {
	c.Walk(i, func(_ int, n *Node) bool {
		n.selected.Store(selected)
		return true
	})
}

// SelectedPaths returns the paths of selected test nodes, deduplicated,
// in tree order
func (c *Catalog) SelectedPaths() []string {
	seen := make(map[string]bool)
	var out []string
	for _, idx := range c.Leaves() {
		n := c.nodes[idx]
		if !n.Selected() || !strings.Contains(n.Path, "::") || seen[n.Path] {
			continue
		}
		seen[n.Path] = true
		out = append(out, n.Path)
	}
	return out
}

// Markers returns the sorted union of all markers in the catalog
func (c *Catalog) Markers() []string {
	set := make(map[string]bool)
	for _, n := range c.nodes {
		for _, m := range n.Markers {
			set[m] = true
		}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// FilterByMarkers returns the test nodes carrying at least one of markers.
// An empty marker list matches every test.
func (c *Catalog) FilterByMarkers(markers []string) []int {
	var out []int
	for _, idx := range c.Leaves() {
		n := c.nodes[idx]
		if len(markers) == 0 {
			out = append(out, idx)
			continue
		}
		for _, m := range markers {
			if n.HasMarker(m) {
				out = append(out, idx)
				break
			}
		}
	}
	return out
}

// Find returns the index of the node with the given path
func (c *Catalog) Find(path string) (int, bool) {
	for i, n := range c.nodes {
		if n.Path == path {
			return i, true
		}
	}
	return NoParent, false
}

// CatalogStats summarises a catalog
type CatalogStats struct {
	Files     int
	Classes   int
	Functions int
	ByStatus  map[TestStatus]int
}

// Stats counts nodes by type and test nodes by status
func (c *Catalog) Stats() CatalogStats {
	s := CatalogStats{ByStatus: make(map[TestStatus]int)}
	for _, n := range c.nodes {
		switch n.Type {
		case NodeFile:
			s.Files++
		case NodeClass:
			s.Classes++
		case NodeFunction:
			s.Functions++
			s.ByStatus[n.Status()]++
		}
	}
	return s
}

func baseName(p string) string {
	p = strings.TrimRight(strings.ReplaceAll(p, "\\", "/"), "/")
	if i := strings.LastIndex(p, "/"); i >= 0 {
		return p[i+1:]
	}
	return p
}
