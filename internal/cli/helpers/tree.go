package helpers

import (
	"fmt"
	"strings"
	"time"
)

// TreeNode is one level of a scope hierarchy.
type TreeNode interface {
	GetName() string
	GetDuration() time.Duration
	GetCallCount() uint64
	GetChildren() []TreeNode
	IsSlow() bool
}

// RenderTree draws root and its descendants as an ASCII tree. Percentages
// are relative to totalDuration.
func RenderTree(root TreeNode, totalDuration time.Duration) string {
	if root == nil {
		return "No scopes recorded.\n"
	}

	var buf strings.Builder
	renderTreeNode(&buf, root, "", true, totalDuration)
	buf.WriteString("\n" + treeLegend)
	return buf.String()
}

func renderTreeNode(buf *strings.Builder, node TreeNode, prefix string, isLast bool, totalDuration time.Duration) {
	connector := "├─"
	if isLast {
		connector = "└─"
	}

	percentage := 0.0
	if totalDuration > 0 {
		percentage = float64(node.GetDuration()) / float64(totalDuration) * 100
	}

	slowMarker := ""
	if node.IsSlow() {
		slowMarker = " ← SLOW"
	}

	fmt.Fprintf(buf, "%s%s %s (%s, %d calls, %.1f%%)%s\n",
		prefix,
		connector,
		node.GetName(),
		FormatDuration(node.GetDuration()),
		node.GetCallCount(),
		percentage,
		slowMarker,
	)

	childPrefix := prefix + "│ "
	if isLast {
		childPrefix = prefix + "  "
	}

	children := node.GetChildren()
	for i, child := range children {
		renderTreeNode(buf, child, childPrefix, i == len(children)-1, totalDuration)
	}
}

// FormatDuration formats a duration in a human-readable way.
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Microsecond:
		return fmt.Sprintf("%dns", d.Nanoseconds())
	case d < time.Millisecond:
		return fmt.Sprintf("%.1fµs", float64(d.Nanoseconds())/1000)
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d.Microseconds())/1000)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

const treeLegend = `Legend:
  ├─ = intermediate node    │  = continuation
  └─ = last child           ← SLOW = mean above the --slow threshold
`
