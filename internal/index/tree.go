// Package index implements the volatile B+Tree mapping row keys to the
// persistent location of their data.
//
// Leaves never split. An insert into a full leaf fails with ErrOverflow and
// leaves the tree unchanged; trees deeper than one leaf come from Build.
//
// A key can be tombstoned: it keeps its leaf slot but reads as absent until
// it is purged or written again.
//
// A Tree is not safe for concurrent use. Callers serialize access.
package index

import (
	"errors"
	"fmt"
	"iter"

	"github.com/thebardofavon/nvram-db/internal/base"
)

const (
	DefaultFanout = 64
	MinFanout     = 3
)

var (
	ErrNotFound      = fmt.Errorf("key not found: %w", base.ErrNotFound)
	ErrOverflow      = fmt.Errorf("leaf full: %w", base.ErrStructuralOverflow)
	ErrUnsorted      = fmt.Errorf("keys not strictly ascending: %w", base.ErrInvalidState)
	ErrInvalidFanout = fmt.Errorf("fanout below %d: %w", MinFanout, base.ErrInvalidState)
	ErrZeroRef       = fmt.Errorf("zero location: %w", base.ErrInvalidState)
	ErrEnd           = errors.New("no more keys")
)

// Cursor is the iteration state of Next: the last key returned, or Start.
type Cursor struct {
	key   int64
	valid bool
}

// Start positions a cursor before the first key.
var Start = Cursor{}

// At returns a cursor positioned on key.
func At(key int64) Cursor {
	return Cursor{key: key, valid: true}
}

// Key returns the cursor key and whether the cursor is past Start.
func (c Cursor) Key() (int64, bool) {
	return c.key, c.valid
}

// Tree is a B+Tree of fixed fanout M: nodes hold at most M-1 keys and
// branches at most M children.
type Tree struct {
	root       *node
	fanout     int
	pool       *nodePool
	records    int // live keys
	tombstones int
	nodes      int
}

// Stats describes tree shape.
type Stats struct {
	Height     int
	Nodes      int
	Leaves     int
	Records    int
	Tombstones int
}

// New creates a tree with a single empty leaf as root.
func New(fanout int) (*Tree, error) {
	if fanout < MinFanout {
		return nil, ErrInvalidFanout
	}
	t := &Tree{
		fanout: fanout,
		pool:   newNodePool(fanout),
	}
	t.root = t.pool.leaf()
	t.nodes = 1
	return t, nil
}

func (t *Tree) maxKeys() int {
	return t.fanout - 1
}

// findLeaf descends from the root to the leaf covering key.
func (t *Tree) findLeaf(key int64) *node {
	n := t.root
	for !n.isLeaf() {
		n = n.branch.children[childIndex(n, key)]
	}
	return n
}

// Get returns the location stored for key.
func (t *Tree) Get(key int64) (base.Ref, error) {
	leaf := t.findLeaf(key)
	if i := findKey(leaf, key); i >= 0 && !leaf.leaf.refs[i].IsZero() {
		return leaf.leaf.refs[i], nil
	}
	return base.Ref{}, ErrNotFound
}

// CanPut reports whether Put(key, ...) would succeed.
func (t *Tree) CanPut(key int64) error {
	leaf := t.findLeaf(key)
	if findKey(leaf, key) >= 0 || len(leaf.keys) < t.maxKeys() {
		return nil
	}
	return ErrOverflow
}

// Put stores ref under key. An existing key is overwritten in place and its
// previous location returned with replaced set. Writing a tombstoned key
// revives it in its slot.
func (t *Tree) Put(key int64, ref base.Ref) (prev base.Ref, replaced bool, err error) {
	if ref.IsZero() {
		return base.Ref{}, false, ErrZeroRef
	}
	leaf := t.findLeaf(key)
	pos := insertPosition(leaf.keys, key)
	if pos < len(leaf.keys) && leaf.keys[pos] == key {
		prev = leaf.leaf.refs[pos]
		leaf.leaf.refs[pos] = ref
		if prev.IsZero() {
			t.tombstones--
			t.records++
			return base.Ref{}, false, nil
		}
		return prev, true, nil
	}
	if len(leaf.keys) >= t.maxKeys() {
		return base.Ref{}, false, ErrOverflow
	}

	leaf.keys = append(leaf.keys, 0)
	copy(leaf.keys[pos+1:], leaf.keys[pos:])
	leaf.keys[pos] = key

	leaf.leaf.refs = append(leaf.leaf.refs, base.Ref{})
	copy(leaf.leaf.refs[pos+1:], leaf.leaf.refs[pos:])
	leaf.leaf.refs[pos] = ref

	t.records++
	return base.Ref{}, false, nil
}

// Delete removes key, compacting the leaf, and returns its location.
func (t *Tree) Delete(key int64) (base.Ref, error) {
	leaf := t.findLeaf(key)
	i := findKey(leaf, key)
	if i < 0 || leaf.leaf.refs[i].IsZero() {
		return base.Ref{}, ErrNotFound
	}
	ref := leaf.leaf.refs[i]
	removeAt(leaf, i)
	t.records--
	return ref, nil
}

// Tombstone hides key without giving up its leaf slot and returns its
// location.
func (t *Tree) Tombstone(key int64) (base.Ref, error) {
	leaf := t.findLeaf(key)
	i := findKey(leaf, key)
	if i < 0 || leaf.leaf.refs[i].IsZero() {
		return base.Ref{}, ErrNotFound
	}
	ref := leaf.leaf.refs[i]
	leaf.leaf.refs[i] = base.Ref{}
	t.records--
	t.tombstones++
	return ref, nil
}

// Tombstoned reports whether key holds a tombstone.
func (t *Tree) Tombstoned(key int64) bool {
	leaf := t.findLeaf(key)
	i := findKey(leaf, key)
	return i >= 0 && leaf.leaf.refs[i].IsZero()
}

// Purge compacts key out of its leaf if it is still tombstoned and reports
// whether it did.
func (t *Tree) Purge(key int64) bool {
	leaf := t.findLeaf(key)
	i := findKey(leaf, key)
	if i < 0 || !leaf.leaf.refs[i].IsZero() {
		return false
	}
	removeAt(leaf, i)
	t.tombstones--
	return true
}

func removeAt(leaf *node, i int) {
	copy(leaf.keys[i:], leaf.keys[i+1:])
	leaf.keys = leaf.keys[:len(leaf.keys)-1]
	copy(leaf.leaf.refs[i:], leaf.leaf.refs[i+1:])
	leaf.leaf.refs = leaf.leaf.refs[:len(leaf.leaf.refs)-1]
}

// Next returns the smallest live key strictly greater than the cursor, or the
// first live key for Start. The cursor key need not be present any more.
func (t *Tree) Next(c Cursor) (int64, error) {
	var leaf *node
	pos := 0
	if !c.valid {
		leaf = t.root
		for !leaf.isLeaf() {
			leaf = leaf.branch.children[0]
		}
	} else {
		leaf = t.findLeaf(c.key)
		pos = upperBound(leaf.keys, c.key)
	}

	for leaf != nil {
		for ; pos < len(leaf.keys); pos++ {
			if !leaf.leaf.refs[pos].IsZero() {
				return leaf.keys[pos], nil
			}
		}
		leaf, pos = leaf.leaf.next, 0
	}
	return 0, ErrEnd
}

// All iterates keys and locations in ascending order along the leaf chain.
func (t *Tree) All() iter.Seq2[int64, base.Ref] {
	return func(yield func(int64, base.Ref) bool) {
		leaf := t.root
		for !leaf.isLeaf() {
			leaf = leaf.branch.children[0]
		}
		for ; leaf != nil; leaf = leaf.leaf.next {
			for i, k := range leaf.keys {
				if leaf.leaf.refs[i].IsZero() {
					continue
				}
				if !yield(k, leaf.leaf.refs[i]) {
					return
				}
			}
		}
	}
}

// Len returns the number of live keys.
func (t *Tree) Len() int {
	return t.records
}

func (t *Tree) Stats() Stats {
	st := Stats{Nodes: t.nodes, Records: t.records, Tombstones: t.tombstones}
	for n := t.root; ; n = n.branch.children[0] {
		st.Height++
		if n.isLeaf() {
			break
		}
	}
	for n := t.root; n != nil; {
		if n.isLeaf() {
			for ; n != nil; n = n.leaf.next {
				st.Leaves++
			}
			break
		}
		n = n.branch.children[0]
	}
	return st
}

// Destroy releases every node, children before parents, calling visit for
// each live location first. The tree is left empty.
func (t *Tree) Destroy(visit func(key int64, ref base.Ref)) {
	type frame struct {
		n    *node
		next int // next child to descend into
	}

	stack := []frame{{n: t.root}}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if !top.n.isLeaf() && top.next < len(top.n.branch.children) {
			child := top.n.branch.children[top.next]
			top.next++
			stack = append(stack, frame{n: child})
			continue
		}

		n := top.n
		stack = stack[:len(stack)-1]
		if n.isLeaf() && visit != nil {
			for i, k := range n.keys {
				if !n.leaf.refs[i].IsZero() {
					visit(k, n.leaf.refs[i])
				}
			}
		}
		t.pool.put(n)
	}

	t.root = t.pool.leaf()
	t.nodes = 1
	t.records = 0
	t.tombstones = 0
}
