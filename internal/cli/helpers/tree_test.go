package helpers

import (
	"strings"
	"testing"
	"time"
)

type testNode struct {
	name     string
	dur      time.Duration
	calls    uint64
	slow     bool
	children []TreeNode
}

func (n *testNode) GetName() string            { return n.name }
func (n *testNode) GetDuration() time.Duration { return n.dur }
func (n *testNode) GetCallCount() uint64       { return n.calls }
func (n *testNode) GetChildren() []TreeNode    { return n.children }
func (n *testNode) IsSlow() bool               { return n.slow }

func TestRenderTree(t *testing.T) {
	root := &testNode{
		name:  "collect",
		dur:   100 * time.Millisecond,
		calls: 4,
		children: []TreeNode{
			&testNode{name: "cpu", dur: 75 * time.Millisecond, calls: 2, slow: true},
			&testNode{name: "mem", dur: 25 * time.Millisecond, calls: 2},
		},
	}

	out := RenderTree(root, 100*time.Millisecond)
	lines := strings.Split(out, "\n")

	if want := "└─ collect (100.0ms, 4 calls, 100.0%)"; lines[0] != want {
		t.Errorf("line 0 = %q, want %q", lines[0], want)
	}
	if want := "  ├─ cpu (75.0ms, 2 calls, 75.0%) ← SLOW"; lines[1] != want {
		t.Errorf("line 1 = %q, want %q", lines[1], want)
	}
	if want := "  └─ mem (25.0ms, 2 calls, 25.0%)"; lines[2] != want {
		t.Errorf("line 2 = %q, want %q", lines[2], want)
	}
	if !strings.Contains(out, "Legend:") {
		t.Error("legend missing")
	}
}

func TestRenderTree_Nil(t *testing.T) {
	if got := RenderTree(nil, time.Second); got != "No scopes recorded.\n" {
		t.Errorf("RenderTree(nil) = %q", got)
	}
}
