package manifest

import "github.com/hourai/tapioca/hashutil"

// blockRegistry assigns dense, first-seen-order integer ids to blocks keyed
// by hash, used only during serialization to let files reference blocks by
// a compact index instead of repeating the 64-byte hash per block_id. A
// hash collision (same hash, different size) is an invariant violation —
// it can't happen with SHA-512 in practice but serialization treats it as
// a corrupt manifest rather than silently accepting it.
type blockRegistry struct {
	order  []BlockInfo
	lookup map[hashutil.Hash]int
}

func newBlockRegistry() *blockRegistry {
	return &blockRegistry{lookup: make(map[hashutil.Hash]int)}
}

// register returns the dense id for b, assigning a new one on first sight.
func (r *blockRegistry) register(b BlockInfo) (int, error) {
	if id, ok := r.lookup[b.Hash]; ok {
		if r.order[id].Size != b.Size {
			return 0, invariantErr("block registry collision for %s: size %d vs %d", b.Hash, r.order[id].Size, b.Size)
		}
		return id, nil
	}
	id := len(r.order)
	r.order = append(r.order, b)
	r.lookup[b.Hash] = id
	return id, nil
}

func (r *blockRegistry) get(h hashutil.Hash) (int, bool) {
	id, ok := r.lookup[h]
	return id, ok
}

// itemTrieNode is one segment of a normalized path. Children are keyed by
// path segment name so siblings sharing a prefix share storage; there are
// no parent back-references, since the trie is always built top-down.
type itemTrieNode struct {
	name     string
	children map[string]*itemTrieNode
	// isFile is true for leaf file nodes; directory nodes never carry
	// block/hash/size data.
	isFile   bool
	blockIDs []int
	hash     hashutil.Hash
	size     int64
}

func newItemTrieNode(name string) *itemTrieNode {
	return &itemTrieNode{name: name, children: make(map[string]*itemTrieNode)}
}

// itemTrie is the root of the path trie built from a manifest's file set.
type itemTrie struct {
	roots map[string]*itemTrieNode
	order []string
}

func newItemTrie() *itemTrie {
	return &itemTrie{roots: make(map[string]*itemTrieNode)}
}

func splitPath(p string) []string {
	var segs []string
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				segs = append(segs, p[start:i])
			}
			start = i + 1
		}
	}
	return segs
}

// insert creates (or reuses) the chain of nodes for path and returns the
// leaf node.
func (t *itemTrie) insert(path string) *itemTrieNode {
	segs := splitPath(path)
	if len(segs) == 0 {
		panic("manifest: empty path")
	}

	root, ok := t.roots[segs[0]]
	if !ok {
		root = newItemTrieNode(segs[0])
		t.roots[segs[0]] = root
		t.order = append(t.order, segs[0])
	}

	current := root
	for _, seg := range segs[1:] {
		child, ok := current.children[seg]
		if !ok {
			child = newItemTrieNode(seg)
			current.children[seg] = child
		}
		current = child
	}
	return current
}
