package capture

import (
	"sort"
	"sync"
)

// Tree is the merged component tree of a capture: every entity, component,
// and nested numeric key observed across all frames. The controller uses it
// to present selectable metric paths, so it only ever grows.
type Tree struct {
	mu   sync.RWMutex
	root *TreeNode
}

// TreeNode is one level of the component tree.
type TreeNode struct {
	Name     string               `json:"name"`
	Children map[string]*TreeNode `json:"children,omitempty"`
}

// NewTree returns an empty component tree.
func NewTree() *Tree {
	return &Tree{root: &TreeNode{Name: "", Children: map[string]*TreeNode{}}}
}

// Merge folds a frame's structure into the tree and reports whether any new
// node was added. Callers use the return value to decide whether the tree
// needs re-publishing to the controller.
func (t *Tree) Merge(f *Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	grew := false
	for entity, comps := range f.Entities {
		en := t.child(t.root, entity, &grew)
		for comp, val := range comps {
			cn := t.child(en, comp, &grew)
			t.mergeValue(cn, val, &grew)
		}
	}
	return grew
}

func (t *Tree) mergeValue(n *TreeNode, v any, grew *bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return
	}
	for key, sub := range m {
		t.mergeValue(t.child(n, key, grew), sub, grew)
	}
}

func (t *Tree) child(n *TreeNode, name string, grew *bool) *TreeNode {
	c, ok := n.Children[name]
	if !ok {
		c = &TreeNode{Name: name, Children: map[string]*TreeNode{}}
		n.Children[name] = c
		*grew = true
	}
	return c
}

// Snapshot returns a deep copy of the tree with children sorted by name,
// safe to marshal and send while merges continue.
func (t *Tree) Snapshot() *TreeNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return copyNode(t.root)
}

// Paths returns every root-to-leaf path in the tree, joined with ".".
func (t *Tree) Paths() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []string
	var walk func(n *TreeNode, prefix []string)
	walk = func(n *TreeNode, prefix []string) {
		if len(n.Children) == 0 {
			if len(prefix) > 0 {
				out = append(out, JoinPath(prefix))
			}
			return
		}
		for _, name := range sortedKeys(n.Children) {
			walk(n.Children[name], append(prefix, name))
		}
	}
	walk(t.root, nil)
	return out
}

func copyNode(n *TreeNode) *TreeNode {
	out := &TreeNode{Name: n.Name}
	if len(n.Children) > 0 {
		out.Children = make(map[string]*TreeNode, len(n.Children))
		for name, c := range n.Children {
			out.Children[name] = copyNode(c)
		}
	}
	return out
}

func sortedKeys(m map[string]*TreeNode) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
