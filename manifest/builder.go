package manifest

import (
	"container/heap"
	"sync"

	"go.uber.org/atomic"

	"github.com/hourai/tapioca/hashutil"
)

// FileInfoBuilder accumulates a single file's blocks in increasing
// block_id order (the caller is responsible for ordering; see
// fileAccumulator for the concurrent case) and streams their bytes into a
// SHA-512 hasher as they arrive.
type FileInfoBuilder struct {
	path   string
	blocks []BlockInfo
	hasher *fileHasher
	size   int64
}

// NewFileInfoBuilder constructs a builder for the given logical path.
func NewFileInfoBuilder(path string) *FileInfoBuilder {
	return &FileInfoBuilder{path: path, hasher: newFileHasher()}
}

// Append records one more block, in order. block may be nil for a
// metadata-only stream (e.g. building a manifest purely from another
// manifest's block info); in that case the file hash is left as the
// zero-hash sentinel, since no bytes were ever observed to hash.
func (b *FileInfoBuilder) Append(h hashutil.Hash, size int, block []byte) {
	b.blocks = append(b.blocks, BlockInfo{Hash: h, Size: size})
	b.size += int64(size)
	if block != nil {
		b.hasher.update(block)
	}
}

// Build finalizes the accumulated blocks into a FileInfo.
func (b *FileInfoBuilder) Build() FileInfo {
	return FileInfo{
		Path:   b.path,
		Blocks: append([]BlockInfo(nil), b.blocks...),
		Hash:   b.hasher.sum(),
		Size:   b.size,
	}
}

// pendingBlock is one heap entry awaiting its turn in block_id order.
type pendingBlock struct {
	blockID int
	hash    hashutil.Hash
	size    int
	block   []byte
}

type pendingHeap []pendingBlock

func (h pendingHeap) Len() int            { return len(h) }
func (h pendingHeap) Less(i, j int) bool  { return h[i].blockID < h[j].blockID }
func (h pendingHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *pendingHeap) Push(x interface{}) { *h = append(*h, x.(pendingBlock)) }
func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// fileAccumulator is the per-file reorder buffer: blocks arrive out of
// order because the pipeline is concurrent, but a FileInfoBuilder requires
// strictly increasing block_id. Each accumulator owns a min-heap keyed by
// block_id and a next_expected_id cursor, guarded by its own mutex
// (separate from the manifest-level mutex that guards the accumulator map
// itself).
type fileAccumulator struct {
	mu      sync.Mutex
	heap    pendingHeap
	next    atomic.Int64
	builder *FileInfoBuilder
}

func newFileAccumulator(builder *FileInfoBuilder) *fileAccumulator {
	return &fileAccumulator{builder: builder}
}

func (a *fileAccumulator) add(blockID int, h hashutil.Hash, size int, block []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	heap.Push(&a.heap, pendingBlock{blockID: blockID, hash: h, size: size, block: block})
	for len(a.heap) > 0 && a.heap[0].blockID == int(a.next.Load()) {
		next := heap.Pop(&a.heap).(pendingBlock)
		a.builder.Append(next.hash, next.size, next.block)
		a.next.Inc()
	}
}

// drained reports whether every pushed block has been reconciled into the
// builder — i.e. there are no out-of-order entries left stuck in the heap.
func (a *fileAccumulator) drained() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.heap) == 0
}

// Builder assembles a Manifest from blocks delivered in any order across
// any number of files, serializing per-file ordering through a
// fileAccumulator per path. This is the engine behind both
// blocks.Sink-compatible manifest Sink and the convenience BuildFromSource
// helper.
type Builder struct {
	mu           sync.Mutex
	maxBlockSize int
	accumulators map[string]*fileAccumulator
	order        []string
}

// NewBuilder constructs an empty Builder.
func NewBuilder(maxBlockSize int) *Builder {
	if maxBlockSize <= 0 {
		maxBlockSize = DefaultBlockSize
	}
	return &Builder{maxBlockSize: maxBlockSize, accumulators: make(map[string]*fileAccumulator)}
}

// Add records one block of one file. Safe for concurrent use across files
// and, for out-of-order delivery within a single file, across block ids.
func (b *Builder) Add(file string, blockID int, h hashutil.Hash, size int, block []byte) {
	acc := b.accumulatorFor(file)
	acc.add(blockID, h, size, block)
}

func (b *Builder) accumulatorFor(file string) *fileAccumulator {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.accumulators[file]
	if !ok {
		acc = newFileAccumulator(NewFileInfoBuilder(file))
		b.accumulators[file] = acc
		b.order = append(b.order, file)
	}
	return acc
}

// Build finalizes the Manifest. It is a contract violation (ErrInvariant)
// to call Build while any accumulator still has unreconciled heap entries
// — i.e. a gap remains in some file's block_id sequence.
func (b *Builder) Build() (*Manifest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := New(b.maxBlockSize)
	for _, file := range b.order {
		acc := b.accumulators[file]
		if !acc.drained() {
			return nil, invariantErr("manifest builder: file %q has unreconciled blocks", file)
		}
		m.AddFile(acc.builder.Build())
	}
	return m, nil
}
