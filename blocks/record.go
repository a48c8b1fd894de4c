// Package blocks defines the unit of work flowing through a block pipeline
// (BlockRecord) and the source/processor/sink capability interfaces that
// operate on it.
package blocks

import "github.com/hourai/tapioca/hashutil"

// Record is the value flowing through a block pipeline. It is treated as
// immutable: stages that want to change a field return a new Record via one
// of the With* helpers rather than mutating in place.
type Record struct {
	// File is the logical, forward-slash-normalized path this block
	// belongs to.
	File string
	// BlockID is the zero-based index of this block within File.
	BlockID int
	// Hash is the block's SHA-512 digest, or the zero value if not yet
	// computed.
	Hash hashutil.Hash
	// HasHash reports whether Hash has been populated. A zero-value hash
	// is technically possible (hash of a specific byte pattern can't
	// equal the all-zero digest in practice, but we don't rely on that);
	// the explicit flag avoids any ambiguity an absent hash would carry.
	HasHash bool
	// Size is the byte length of Block, or of the original block if
	// Block is nil (metadata-only record).
	Size int
	// Block is the raw or transformed bytes, or nil for a metadata-only
	// record (as produced by manifest.BlockSource/manifest.DiffBlockSource
	// before a Fetcher processor attaches bytes).
	Block []byte
}

// WithHash returns a copy of r with Hash set.
func (r Record) WithHash(h hashutil.Hash) Record {
	r.Hash = h
	r.HasHash = true
	return r
}

// WithBlock returns a copy of r with Block (and Size) set. If updateHash is
// true, Hash is recomputed from the new bytes.
func (r Record) WithBlock(block []byte, updateHash bool) Record {
	r.Block = block
	r.Size = len(block)
	if updateHash {
		r = r.WithHash(hashutil.Block(block))
	}
	return r
}

// BlockInfo reduces a Record to its canonical manifest metadata. Panics if
// Hash has not been populated — a caller should always run Hasher first.
func (r Record) BlockInfo() (hashutil.Hash, int) {
	if !r.HasHash {
		panic("blocks: record has no hash")
	}
	return r.Hash, r.Size
}
