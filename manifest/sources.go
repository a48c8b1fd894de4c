package manifest

import (
	"context"
	"sort"

	"github.com/hourai/tapioca/blocks"
	"github.com/hourai/tapioca/hashutil"
)

// BlockSource replays the block metadata already recorded in a Manifest,
// with Block left nil — a fetcher processor is expected to attach bytes
// downstream. Files and blocks are emitted in path-sorted, block_id order so
// runs are deterministic.
type BlockSource struct {
	m     *Manifest
	paths []string
}

// NewBlockSource constructs a BlockSource over m.
func NewBlockSource(m *Manifest) *BlockSource {
	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return &BlockSource{m: m, paths: paths}
}

func (s *BlockSource) Open(context.Context) error { return nil }
func (s *BlockSource) Close() error                { return nil }

func (s *BlockSource) Produce(ctx context.Context) <-chan blocks.Item {
	out := make(chan blocks.Item)
	go func() {
		defer close(out)
		for _, p := range s.paths {
			fi := s.m.Files[p]
			for id, b := range fi.Blocks {
				rec := blocks.Record{File: p, BlockID: id, Size: b.Size}
				rec = rec.WithHash(b.Hash)
				select {
				case out <- blocks.Item{Record: rec}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// DiffBlockSource replays only the blocks a Diff says differ between remote
// and current, using the remote side's hash — this is what a fetch-and-patch
// run should pull down. Deleted files (remote == nil) contribute nothing:
// there is no remote block to fetch for them.
type DiffBlockSource struct {
	d     *Diff
	paths []string
}

// NewDiffBlockSource constructs a DiffBlockSource over d.
func NewDiffBlockSource(d *Diff) *DiffBlockSource {
	paths := make([]string, 0, len(d.ChangedFiles))
	for p := range d.ChangedFiles {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return &DiffBlockSource{d: d, paths: paths}
}

func (s *DiffBlockSource) Open(context.Context) error { return nil }
func (s *DiffBlockSource) Close() error                { return nil }

func (s *DiffBlockSource) Produce(ctx context.Context) <-chan blocks.Item {
	out := make(chan blocks.Item)
	go func() {
		defer close(out)
		for _, p := range s.paths {
			fd := s.d.ChangedFiles[p]
			if fd.Deleted {
				continue
			}
			ids := make([]int, 0, len(fd.ChangedBlocks))
			for id := range fd.ChangedBlocks {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			for _, id := range ids {
				change := fd.ChangedBlocks[id]
				if change.RemoteHash.IsZero() {
					continue
				}
				rec := blocks.Record{File: p, BlockID: id}
				rec = rec.WithHash(change.RemoteHash)
				select {
				case out <- blocks.Item{Record: rec}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// TeeSource wraps another Source, feeding every Record it produces into an
// internal Builder as it passes through, so that once the wrapped source is
// fully drained, BuildManifest returns the manifest describing what was
// produced. This lets a pipeline build a manifest and do other work (write
// to storage, install, ...) in the same pass instead of requiring a second
// traversal.
//
// The wrapped source commonly emits raw, unhashed Records (ZipFileSource,
// DirectorySource both leave HasHash false — a pipeline's own Hasher
// processor runs downstream of the Source position). TeeSource has no
// downstream visibility into that processor chain, so it hashes on the way
// through whenever a Record's hash is missing, the same computation
// blocks.Hasher performs. A Record that already carries a hash (e.g. one
// replayed from BlockSource) is trusted as-is.
type TeeSource struct {
	inner   blocks.Source
	builder *Builder
}

// NewTeeSource constructs a TeeSource wrapping inner, accumulating into a
// fresh Builder with the given max block size.
func NewTeeSource(inner blocks.Source, maxBlockSize int) *TeeSource {
	return &TeeSource{inner: inner, builder: NewBuilder(maxBlockSize)}
}

func (s *TeeSource) Open(ctx context.Context) error { return s.inner.Open(ctx) }
func (s *TeeSource) Close() error                   { return s.inner.Close() }

func (s *TeeSource) Produce(ctx context.Context) <-chan blocks.Item {
	in := s.inner.Produce(ctx)
	out := make(chan blocks.Item)
	go func() {
		defer close(out)
		for item := range in {
			if item.Err == nil {
				r := item.Record
				if !r.HasHash {
					r = r.WithHash(hashutil.Block(r.Block))
				}
				s.builder.Add(r.File, r.BlockID, r.Hash, r.Size, r.Block)
				item.Record = r
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// BuildManifest returns the manifest accumulated from every Record the
// wrapped source has produced so far. Calling it before Produce's channel is
// fully drained returns a manifest of only the records seen so far; it
// returns an error only when some file still has blocks held back by a gap
// in its block_id sequence.
func (s *TeeSource) BuildManifest() (*Manifest, error) {
	return s.builder.Build()
}
