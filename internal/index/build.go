package index

import (
	"github.com/thebardofavon/nvram-db/internal/base"
)

// levelRef pairs a built node with the smallest key beneath it, which
// becomes its separator in the parent.
type levelRef struct {
	n        *node
	firstKey int64
}

// Build replaces the tree contents with keys and refs, which must be strictly
// ascending and of equal length. Leaves are filled to half capacity so later
// inserts have room; branch levels are stacked until one root remains.
func (t *Tree) Build(keys []int64, refs []base.Ref) error {
	if len(keys) != len(refs) {
		return ErrUnsorted
	}
	for _, r := range refs {
		if r.IsZero() {
			return ErrZeroRef
		}
	}
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			return ErrUnsorted
		}
	}

	t.Destroy(nil)
	if len(keys) == 0 {
		return nil
	}
	t.pool.put(t.root)
	t.nodes = 0

	perLeaf := max(1, t.maxKeys()/2)
	level := make([]levelRef, 0, (len(keys)+perLeaf-1)/perLeaf)

	var prev *node
	for start := 0; start < len(keys); start += perLeaf {
		end := min(start+perLeaf, len(keys))

		leaf := t.pool.leaf()
		leaf.keys = append(leaf.keys, keys[start:end]...)
		leaf.leaf.refs = append(leaf.leaf.refs, refs[start:end]...)
		if prev != nil {
			prev.leaf.next = leaf
		}
		prev = leaf

		level = append(level, levelRef{n: leaf, firstKey: keys[start]})
		t.nodes++
	}

	for len(level) > 1 {
		level = t.buildBranches(level)
	}

	t.root = level[0].n
	t.records = len(keys)
	return nil
}

// buildBranches groups up to fanout children under each branch. When a single
// child would be left for the last branch, the group before it gives one up.
func (t *Tree) buildBranches(children []levelRef) []levelRef {
	groups := (len(children) + t.fanout - 1) / t.fanout
	parents := make([]levelRef, 0, groups)

	for start := 0; start < len(children); {
		end := min(start+t.fanout, len(children))
		if rest := len(children) - end; rest == 1 {
			end--
		}

		branch := t.pool.branchNode()
		for i, c := range children[start:end] {
			if i > 0 {
				branch.keys = append(branch.keys, c.firstKey)
			}
			branch.branch.children = append(branch.branch.children, c.n)
		}
		parents = append(parents, levelRef{n: branch, firstKey: children[start].firstKey})
		t.nodes++
		start = end
	}
	return parents
}
