package index

import "sort"

// Below this many keys a linear scan beats binary search.
const searchThreshold = 32

// childIndex returns the child to follow for key: the first child whose
// separator exceeds key, or the last child.
func childIndex(n *node, key int64) int {
	if len(n.keys) < searchThreshold {
		i := 0
		for i < len(n.keys) && key >= n.keys[i] {
			i++
		}
		return i
	}
	return sort.Search(len(n.keys), func(i int) bool {
		return key < n.keys[i]
	})
}

// insertPosition returns the first position whose key is >= key.
func insertPosition(keys []int64, key int64) int {
	if len(keys) < searchThreshold {
		pos := 0
		for pos < len(keys) && key > keys[pos] {
			pos++
		}
		return pos
	}
	return sort.Search(len(keys), func(i int) bool {
		return key <= keys[i]
	})
}

// findKey returns the position of key in a leaf, or -1.
func findKey(n *node, key int64) int {
	pos := insertPosition(n.keys, key)
	if pos < len(n.keys) && n.keys[pos] == key {
		return pos
	}
	return -1
}

// upperBound returns the first position whose key is > key.
func upperBound(keys []int64, key int64) int {
	if len(keys) < searchThreshold {
		pos := 0
		for pos < len(keys) && keys[pos] <= key {
			pos++
		}
		return pos
	}
	return sort.Search(len(keys), func(i int) bool {
		return keys[i] > key
	})
}
