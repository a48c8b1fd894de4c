package blocks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hourai/tapioca/hashutil"
)

// Sink is the terminal write stage of a pipeline. Sinks run concurrently
// with one another for a given Record; a Sink's error is logged by the
// pipeline and never retried or allowed to stop the run.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, r Record) error

func (f SinkFunc) Write(ctx context.Context, r Record) error { return f(ctx, r) }

// NullSink discards every Record.
type NullSink struct{}

func (NullSink) Write(context.Context, Record) error { return nil }

// ConsoleSink prints each Record's hash to the log for diagnostics.
type ConsoleSink struct{}

func (ConsoleSink) Write(_ context.Context, r Record) error {
	log.Info("block", "file", r.File, "block_id", r.BlockID, "hash", r.Hash, "size", r.Size)
	return nil
}

// LocalStorage writes each block to dir/<fingerprint>, skipping blocks
// already present. It never overwrites: a path collision is treated as
// "already stored", saving disk IO rather than re-verifying content.
type LocalStorage struct {
	Dir string
}

// NewLocalStorage constructs a LocalStorage sink rooted at dir.
func NewLocalStorage(dir string) *LocalStorage {
	return &LocalStorage{Dir: dir}
}

func (s *LocalStorage) Write(_ context.Context, r Record) error {
	p := filepath.Join(s.Dir, hashutil.Fingerprint(r.Hash))
	if _, err := os.Stat(p); err == nil {
		return nil
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, r.Block, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Bucket is the capability an object store must satisfy to back an
// ObjectStorage sink. Concrete bindings (S3, GCS, Backblaze B2, ...) are
// out of scope for the core; this is the contract a host binary wires up.
// A Backblaze B2 binding, for instance, would implement Upload as a
// b2Bucket.UploadFile(path, bytes) call against its SDK.
type Bucket interface {
	Upload(ctx context.Context, path string, data []byte) error
}

// ObjectStorage uploads every block to bucket unconditionally. This is
// idempotent at the object-store level (re-uploading identical content to
// the same key is a no-op to any sane backend), so the sink never checks
// for existence first.
type ObjectStorage struct {
	Bucket Bucket
	Prefix string
}

// NewObjectStorage constructs an ObjectStorage sink.
func NewObjectStorage(bucket Bucket, prefix string) *ObjectStorage {
	return &ObjectStorage{Bucket: bucket, Prefix: prefix}
}

func (s *ObjectStorage) Write(ctx context.Context, r Record) error {
	if !r.HasHash {
		return fmt.Errorf("blocks: cannot write block to object storage without a hash")
	}
	p := hashutil.Fingerprint(r.Hash)
	if s.Prefix != "" {
		p = s.Prefix + "/" + p
	}
	return s.Bucket.Upload(ctx, p, r.Block)
}

// Listener describes one (file, byte offset) location that should receive
// a copy of a block once its hash arrives.
type Listener struct {
	Path   string
	Offset int64
}

// Installation writes incoming blocks straight into their expected
// locations within an installed build tree, using a precomputed
// hash->listeners map (built from a Manifest by the manifest package, to
// avoid this package depending on it). Any block whose hash isn't in the
// map is skipped; Installation never checks whether the existing bytes at
// that offset are already correct.
type Installation struct {
	Root      string
	listeners map[hashutil.Hash][]Listener
}

// NewInstallation constructs an Installation sink rooted at root, using a
// precomputed listener map (see manifest.BuildListeners).
func NewInstallation(root string, listeners map[hashutil.Hash][]Listener) *Installation {
	return &Installation{Root: root, listeners: listeners}
}

func (s *Installation) Write(_ context.Context, r Record) error {
	listeners, ok := s.listeners[r.Hash]
	if !ok {
		return nil
	}
	for _, l := range listeners {
		path := filepath.Join(s.Root, l.Path)
		f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("blocks: open %s: %w", path, err)
		}
		if _, err := f.WriteAt(r.Block, l.Offset); err != nil {
			f.Close()
			return fmt.Errorf("blocks: write %s at %d: %w", path, l.Offset, err)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
