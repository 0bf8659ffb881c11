package tail

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/coral-mesh/scopewire/internal/cli/helpers"
	"github.com/coral-mesh/scopewire/internal/collector"
)

// scopeNode groups scopes by dotted name segments: "collect.cpu" and
// "collect.mem" share the "collect" node. A node's duration and call count
// cover every scope at or below it.
type scopeNode struct {
	name     string
	duration time.Duration
	calls    uint64
	slow     bool
	children []*scopeNode
}

func (n *scopeNode) GetName() string            { return n.name }
func (n *scopeNode) GetDuration() time.Duration { return n.duration }
func (n *scopeNode) GetCallCount() uint64       { return n.calls }
func (n *scopeNode) IsSlow() bool               { return n.slow }

func (n *scopeNode) GetChildren() []helpers.TreeNode {
	out := make([]helpers.TreeNode, len(n.children))
	for i, c := range n.children {
		out[i] = c
	}
	return out
}

func (n *scopeNode) child(name string) *scopeNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	c := &scopeNode{name: name}
	n.children = append(n.children, c)
	return c
}

func (n *scopeNode) sort() {
	slices.SortFunc(n.children, func(a, b *scopeNode) int {
		if c := cmp.Compare(b.duration, a.duration); c != 0 {
			return c
		}
		return cmp.Compare(a.name, b.name)
	})
	for _, c := range n.children {
		c.sort()
	}
}

// buildScopeTree arranges rows under a root named label. A scope whose mean
// exceeds slow is marked; slow <= 0 marks nothing.
func buildScopeTree(label string, rows []collector.Stat, slow time.Duration) *scopeNode {
	root := &scopeNode{name: label}
	for _, row := range rows {
		root.duration += row.Total
		root.calls += row.Count

		node := root
		for _, part := range strings.Split(row.Name, ".") {
			node = node.child(part)
			node.duration += row.Total
			node.calls += row.Count
		}
		if slow > 0 && row.Mean() > slow {
			node.slow = true
		}
	}
	root.sort()
	return root
}
