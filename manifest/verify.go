package manifest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/hourai/tapioca/blocks"
	"github.com/hourai/tapioca/hashutil"
)

// BuildFromSource drains src to completion through a Hasher feeding a Sink,
// and returns the resulting Manifest. Every block is recorded against its
// file regardless of content duplication — Dedup belongs downstream of this
// (gating what actually gets written to storage), not here, since a
// manifest must describe every block position in every file even when two
// positions share a hash. This is the simple, single-goroutine path for a
// source that already delivers blocks in file order (DirectorySource,
// ZipFileSource); a concurrent pipeline uses Sink directly instead, since
// its deliveries may arrive out of order.
func BuildFromSource(ctx context.Context, src blocks.Source, maxBlockSize int) (*Manifest, error) {
	if err := src.Open(ctx); err != nil {
		return nil, err
	}
	defer src.Close()

	hasher := blocks.Hasher{}
	sink := NewSink(maxBlockSize)

	for item := range src.Produce(ctx) {
		if item.Err != nil {
			log.Warn("source error", "err", item.Err)
			continue
		}
		r, _, err := hasher.Process(ctx, item.Record)
		if err != nil {
			return nil, err
		}
		if err := sink.Write(ctx, r); err != nil {
			return nil, err
		}
	}
	return sink.Build()
}

// Preallocate creates every file named in m under root at its full declared
// size (sparse where the filesystem supports it), so an Installation sink
// can WriteAt arbitrary block offsets without first creating the file. It
// does not allocate for already-correctly-sized files. Before writing
// anything it checks root's free space against the manifest's total space,
// so a too-small volume fails fast instead of partway through.
func (m *Manifest) Preallocate(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("manifest: mkdir root %q: %w", root, err)
	}
	var stat unix.Statfs_t
	if err := unix.Statfs(root, &stat); err == nil {
		available := stat.Bavail * uint64(stat.Bsize)
		if needed := uint64(m.TotalSpace()); needed > available {
			return fmt.Errorf("manifest: insufficient space at %q: need %d bytes, have %d", root, needed, available)
		}
	}

	for _, fi := range m.Files {
		path := filepath.Join(root, filepath.FromSlash(fi.Path))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("manifest: mkdir for %q: %w", fi.Path, err)
		}
		if info, err := os.Stat(path); err == nil && info.Size() == fi.Size {
			continue
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("manifest: create %q: %w", fi.Path, err)
		}
		err = f.Truncate(fi.Size)
		closeErr := f.Close()
		if err != nil {
			return fmt.Errorf("manifest: truncate %q: %w", fi.Path, err)
		}
		if closeErr != nil {
			return closeErr
		}
	}
	return nil
}

// VerifyInstallation re-reads every file named in m from root and compares
// its SHA-512 hash against the recorded FileInfo.Hash, returning false (with
// no error) on the first mismatch or missing file. An error return means
// verification could not be completed at all (e.g. permission failure), as
// distinct from a verified-but-wrong result.
func (m *Manifest) VerifyInstallation(root string) (bool, error) {
	for _, fi := range m.Files {
		path := filepath.Join(root, filepath.FromSlash(fi.Path))
		f, err := os.Open(path)
		if os.IsNotExist(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("manifest: open %q: %w", fi.Path, err)
		}
		h := hashutil.NewFileHasher()
		_, copyErr := io.Copy(h, f)
		closeErr := f.Close()
		if copyErr != nil {
			return false, fmt.Errorf("manifest: read %q: %w", fi.Path, copyErr)
		}
		if closeErr != nil {
			return false, closeErr
		}
		if hashutil.Sum(h) != fi.Hash {
			return false, nil
		}
	}
	return true, nil
}
