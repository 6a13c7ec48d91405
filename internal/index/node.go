package index

import (
	"sync"

	"github.com/thebardofavon/nvram-db/internal/base"
)

type kind uint8

const (
	leafKind kind = iota + 1
	branchKind
)

// node is a tagged variant: kind selects which payload is in use and the
// other one stays empty.
type node struct {
	kind kind
	keys []int64 // ascending; separators for branches

	leaf   leafPayload
	branch branchPayload
}

type leafPayload struct {
	refs []base.Ref // parallel to keys
	next *node      // leaf chain
}

type branchPayload struct {
	children []*node // len(keys)+1
}

func (n *node) isLeaf() bool {
	return n.kind == leafKind
}

// nodePool recycles nodes of one fanout.
type nodePool struct {
	pool sync.Pool
}

func newNodePool(fanout int) *nodePool {
	p := &nodePool{}
	p.pool.New = func() any {
		return &node{
			keys: make([]int64, 0, fanout),
			leaf: leafPayload{
				refs: make([]base.Ref, 0, fanout),
			},
			branch: branchPayload{
				children: make([]*node, 0, fanout+1),
			},
		}
	}
	return p
}

func (p *nodePool) leaf() *node {
	n := p.pool.Get().(*node)
	n.kind = leafKind
	return n
}

func (p *nodePool) branchNode() *node {
	n := p.pool.Get().(*node)
	n.kind = branchKind
	return n
}

func (p *nodePool) put(n *node) {
	n.kind = 0
	n.keys = n.keys[:0]
	n.leaf.refs = n.leaf.refs[:0]
	n.leaf.next = nil
	clear(n.branch.children)
	n.branch.children = n.branch.children[:0]
	p.pool.Put(n)
}
