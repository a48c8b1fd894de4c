package blocks

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	terrors "github.com/hourai/tapioca/internal/errors"
)

const moduleName = "blocks"

// Errors a Source or the pipeline driving it can raise. ErrSourceOpen is
// fatal to the enclosing run (the source never produced anything);
// ErrSourceIo marks a single entry that failed to read, which is logged and
// skipped while the source continues with the next one.
var (
	ErrSourceOpen = terrors.New(moduleName, 1, "blocks: source could not be opened")
	ErrSourceIo   = terrors.New(moduleName, 2, "blocks: source entry could not be read")
)

// Item is one element of a Source's produced stream: either a Record or an
// error describing why the next entry couldn't be produced.
type Item struct {
	Record Record
	Err    error
}

// Source is a scoped producer of block Records. Open/Close are idempotent
// and must be called in pairs around Produce; Produce returns a finite,
// non-restartable channel that the caller must drain to completion (or
// cancel ctx) to avoid leaking the producer goroutine.
type Source interface {
	Open(ctx context.Context) error
	Close() error
	Produce(ctx context.Context) <-chan Item
}

func send(ctx context.Context, out chan<- Item, item Item) bool {
	select {
	case out <- item:
		return true
	case <-ctx.Done():
		return false
	}
}

// InMemorySource is a pass-through Source over a pre-built slice of
// Records, used to feed a pipeline from records assembled in memory (e.g.
// in tests, or bridging from another system).
type InMemorySource struct {
	Records []Record
}

// NewInMemorySource constructs an InMemorySource.
func NewInMemorySource(records []Record) *InMemorySource {
	return &InMemorySource{Records: records}
}

func (s *InMemorySource) Open(context.Context) error  { return nil }
func (s *InMemorySource) Close() error                { return nil }
func (s *InMemorySource) Produce(ctx context.Context) <-chan Item {
	out := make(chan Item)
	go func() {
		defer close(out)
		for _, r := range s.Records {
			if !send(ctx, out, Item{Record: r}) {
				return
			}
		}
	}()
	return out
}

// fileBlocks splits an already-open reader into fixed-size blocks tagged
// with the given logical path, emitting them in ascending block_id order.
func fileBlocks(ctx context.Context, out chan<- Item, path string, r io.Reader, blockSize int) bool {
	buf := make([]byte, blockSize)
	id := 0
	for {
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			block := make([]byte, n)
			copy(block, buf[:n])
			rec := Record{File: path, BlockID: id}
			rec = rec.WithBlock(block, false)
			if !send(ctx, out, Item{Record: rec}) {
				return false
			}
			id++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return true
		}
		if err != nil {
			send(ctx, out, Item{Err: fmt.Errorf("%w: %s: %v", ErrSourceIo, path, err)})
			return true
		}
	}
}

// normalizePath converts an OS path to forward slashes and strips a leading
// "./". Other "." or ".." segments are left as they are.
func normalizePath(p string) string {
	p = filepath.ToSlash(p)
	return strings.TrimPrefix(p, "./")
}

// DirectorySource recursively walks a root directory in lexicographic,
// depth-first order and emits the blocks of every regular file.
//
// Symlinks are followed only if they resolve to a location under root;
// FollowLinks gates the behavior (default true: skip links escaping root,
// follow links that stay inside). Only links to files are read; a link to a
// directory is not descended into, and reading it yields an ErrSourceIo item.
type DirectorySource struct {
	Root        string
	BlockSize   int
	FollowLinks bool

	resolvedRoot string
}

// NewDirectorySource constructs a DirectorySource with the default
// FollowLinks=true (links escaping root are skipped; links inside root are
// followed).
func NewDirectorySource(root string, blockSize int) *DirectorySource {
	return &DirectorySource{Root: root, BlockSize: blockSize, FollowLinks: true}
}

func (s *DirectorySource) Open(context.Context) error {
	abs, err := filepath.Abs(s.Root)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	if _, err := os.Stat(resolved); err != nil {
		return fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	s.resolvedRoot = resolved
	return nil
}

func (s *DirectorySource) Close() error { return nil }

func (s *DirectorySource) underRoot(path string) bool {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(s.resolvedRoot, resolved)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (s *DirectorySource) Produce(ctx context.Context) <-chan Item {
	out := make(chan Item)
	go func() {
		defer close(out)
		err := filepath.WalkDir(s.resolvedRoot, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				send(ctx, out, Item{Err: fmt.Errorf("%w: %s: %v", ErrSourceIo, path, err)})
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if d.Type()&fs.ModeSymlink != 0 {
				if !s.FollowLinks || !s.underRoot(path) {
					return nil
				}
			}
			info, err := d.Info()
			if err != nil {
				send(ctx, out, Item{Err: fmt.Errorf("%w: %s: %v", ErrSourceIo, path, err)})
				return nil
			}
			if !info.Mode().IsRegular() && d.Type()&fs.ModeSymlink == 0 {
				return nil
			}
			rel, relErr := filepath.Rel(s.resolvedRoot, path)
			if relErr != nil {
				send(ctx, out, Item{Err: fmt.Errorf("%w: %s: %v", ErrSourceIo, path, relErr)})
				return nil
			}
			f, openErr := os.Open(path)
			if openErr != nil {
				send(ctx, out, Item{Err: fmt.Errorf("%w: %s: %v", ErrSourceIo, path, openErr)})
				return nil
			}
			defer f.Close()
			fileBlocks(ctx, out, normalizePath(rel), f, s.BlockSize)
			return nil
		})
		if err != nil {
			send(ctx, out, Item{Err: fmt.Errorf("%w: %v", ErrSourceIo, err)})
		}
	}()
	return out
}

// ZipFileSource enumerates a zip archive's non-directory entries in
// lexicographic order and emits the blocks of each.
type ZipFileSource struct {
	Path      string
	BlockSize int

	reader *zip.ReadCloser
}

// NewZipFileSource constructs a ZipFileSource.
func NewZipFileSource(path string, blockSize int) *ZipFileSource {
	return &ZipFileSource{Path: path, BlockSize: blockSize}
}

func (s *ZipFileSource) Open(context.Context) error {
	if s.reader != nil {
		return nil
	}
	r, err := zip.OpenReader(s.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	s.reader = r
	return nil
}

func (s *ZipFileSource) Close() error {
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}

func (s *ZipFileSource) Produce(ctx context.Context) <-chan Item {
	out := make(chan Item)
	go func() {
		defer close(out)
		files := make([]*zip.File, 0, len(s.reader.File))
		for _, f := range s.reader.File {
			if strings.HasSuffix(f.Name, "/") {
				continue
			}
			files = append(files, f)
		}
		sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })

		for _, f := range files {
			rc, err := f.Open()
			if err != nil {
				if !send(ctx, out, Item{Err: fmt.Errorf("%w: %s: %v", ErrSourceIo, f.Name, err)}) {
					return
				}
				continue
			}
			ok := fileBlocks(ctx, out, normalizePath(f.Name), rc, s.BlockSize)
			rc.Close()
			if !ok {
				return
			}
		}
	}()
	return out
}
