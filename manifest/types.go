// Package manifest implements the content-addressed description of a
// build: files, their ordered block sequences, per-block hashes, diff and
// verification semantics, and the serialized on-disk/on-wire form.
package manifest

import (
	"hash"

	"github.com/hourai/tapioca/hashutil"
)

// DefaultBlockSize is the block size a new Manifest uses when none is
// given: 1 MiB.
const DefaultBlockSize = 1024 * 1024

// MaxBlockSize is the largest max_block_size a manifest may declare.
const MaxBlockSize = 16 * 1024 * 1024

// BlockInfo is the canonical per-block metadata carried in a manifest.
type BlockInfo struct {
	Hash hashutil.Hash
	Size int
}

// FileInfo describes one file's ordered block sequence and whole-file
// metadata. Hash is SHA-512 over the full, in-order file contents
// (streamed, not a hash of the per-block hashes). Size is the sum of block
// sizes. Path is forward-slash normalized with no "." or ".." segments.
type FileInfo struct {
	Path   string
	Blocks []BlockInfo
	Hash   hashutil.Hash
	Size   int64
}

// Manifest is the content-addressed description of a build: a set of files
// keyed by path, plus the block size ceiling every block in every file
// must respect (only a file's terminal block may be smaller).
type Manifest struct {
	Files        map[string]FileInfo
	MaxBlockSize int
}

// New constructs an empty Manifest with the given max block size. Zero
// defaults to DefaultBlockSize.
func New(maxBlockSize int) *Manifest {
	if maxBlockSize <= 0 {
		maxBlockSize = DefaultBlockSize
	}
	return &Manifest{Files: make(map[string]FileInfo), MaxBlockSize: maxBlockSize}
}

// AddFile inserts or replaces a FileInfo by path.
func (m *Manifest) AddFile(fi FileInfo) {
	m.Files[fi.Path] = fi
}

// TotalSpace returns the sum of every file's declared size.
func (m *Manifest) TotalSpace() int64 {
	var total int64
	for _, fi := range m.Files {
		total += fi.Size
	}
	return total
}

// BlockSet returns the distinct (hash, size) pairs across every file in the
// manifest.
func (m *Manifest) BlockSet() map[hashutil.Hash]int {
	set := make(map[hashutil.Hash]int)
	for _, fi := range m.Files {
		for _, b := range fi.Blocks {
			set[b.Hash] = b.Size
		}
	}
	return set
}

// Validate checks the manifest's size invariant: every block must be
// <= MaxBlockSize, and only a file's last block may be strictly smaller.
func (m *Manifest) Validate() error {
	for path, fi := range m.Files {
		for i, b := range fi.Blocks {
			if b.Size > m.MaxBlockSize {
				return invariantErr("file %q block %d exceeds max_block_size", path, i)
			}
			if i < len(fi.Blocks)-1 && b.Size != m.MaxBlockSize {
				return invariantErr("file %q block %d is undersized but not terminal", path, i)
			}
		}
	}
	return nil
}

// fileHasher streams a file's block bytes into a SHA-512 hasher in order,
// used by both the builder and the manifest-sink accumulator.
type fileHasher struct {
	h        hash.Hash
	size     int64
	observed bool
}

func newFileHasher() *fileHasher {
	return &fileHasher{h: hashutil.NewFileHasher()}
}

func (fh *fileHasher) update(block []byte) {
	fh.observed = true
	fh.h.Write(block)
	fh.size += int64(len(block))
}

// sum returns the accumulated file hash, or the zero-hash sentinel if no
// bytes were ever observed (a metadata-only stream with no block bytes).
func (fh *fileHasher) sum() hashutil.Hash {
	if !fh.observed {
		return hashutil.Hash{}
	}
	return hashutil.Sum(fh.h)
}
