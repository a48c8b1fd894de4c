package blocks

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hourai/tapioca/hashutil"
	"github.com/hourai/tapioca/internal/logging"
)

var log = logging.GetLogger("tapioca/blocks")

// Processor transforms one Record into another, or drops it by returning
// (Record{}, false). A non-nil error also drops the record; it is the
// pipeline's job to log it and continue, not the processor's.
type Processor interface {
	Process(ctx context.Context, r Record) (Record, bool, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, r Record) (Record, bool, error)

func (f ProcessorFunc) Process(ctx context.Context, r Record) (Record, bool, error) {
	return f(ctx, r)
}

// Hasher computes a Record's hash if and only if it doesn't already have
// one; Records with a hash pass through unchanged. Assumes Block is
// present.
type Hasher struct{}

func (Hasher) Process(_ context.Context, r Record) (Record, bool, error) {
	if r.HasHash {
		return r, true, nil
	}
	return r.WithHash(hashutil.Block(r.Block)), true, nil
}

// Dedup drops Records whose hash has already been seen (or has no hash at
// all) within this processor's lifetime. The seen-set is the one piece of
// mutable state shared across concurrent block tasks in a pipeline run, so
// every access is mutex-guarded.
type Dedup struct {
	mu   sync.Mutex
	seen map[hashutil.Hash]struct{}
}

// NewDedup constructs an empty Dedup processor, scoped to a single
// pipeline run.
func NewDedup() *Dedup {
	return &Dedup{seen: make(map[hashutil.Hash]struct{})}
}

func (d *Dedup) Process(_ context.Context, r Record) (Record, bool, error) {
	if !r.HasHash {
		return Record{}, false, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[r.Hash]; ok {
		return Record{}, false, nil
	}
	d.seen[r.Hash] = struct{}{}
	return r, true, nil
}

// Gzip replaces Block with its zlib-compressed form at the given level
// (1-9). Hash is left unchanged: it is always over the uncompressed
// payload. Size is updated to the compressed length — a deliberate,
// sink-facing deviation from size==len(block); the manifest never
// observes post-compression records.
type Gzip struct {
	Level int
}

// NewGzip constructs a Gzip processor at the given zlib compression level.
func NewGzip(level int) *Gzip {
	return &Gzip{Level: level}
}

func (g *Gzip) Process(_ context.Context, r Record) (Record, bool, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, g.Level)
	if err != nil {
		return Record{}, false, err
	}
	if _, err := w.Write(r.Block); err != nil {
		return Record{}, false, err
	}
	if err := w.Close(); err != nil {
		return Record{}, false, err
	}
	log.Debug("compressed block", "hash", r.Hash, "level", g.Level)
	r.Block = buf.Bytes()
	r.Size = buf.Len()
	return r, true, nil
}

// Gunzip is the inverse of Gzip: it inflates Block back to its raw form.
type Gunzip struct{}

func (Gunzip) Process(_ context.Context, r Record) (Record, bool, error) {
	zr, err := zlib.NewReader(bytes.NewReader(r.Block))
	if err != nil {
		return Record{}, false, err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return Record{}, false, err
	}
	log.Debug("decompressed block", "hash", r.Hash)
	return r.WithBlock(raw, false), true, nil
}

// Validate computes the SHA-512 of Block and drops the Record if it does
// not match the declared Hash.
type Validate struct{}

func (Validate) Process(_ context.Context, r Record) (Record, bool, error) {
	actual := hashutil.Block(r.Block)
	if actual != r.Hash {
		log.Error("block hash mismatch", "expected", r.Hash, "actual", actual)
		return Record{}, false, nil
	}
	return r, true, nil
}

// Fetcher attaches bytes to a metadata-only Record (Block == nil) by
// fetching them from a backing store keyed by fingerprint. Records that
// already carry bytes pass through unchanged. Implementations must not
// retry internally: a failed fetch drops the Record and it is the caller's
// responsibility to retry the whole operation if desired.
type Fetcher interface {
	Fetch(ctx context.Context, h hashutil.Hash) ([]byte, error)
}

// FetcherProcessor adapts a Fetcher into a Processor.
type FetcherProcessor struct {
	Fetcher Fetcher
}

// NewFetcherProcessor wraps a Fetcher as a Processor.
func NewFetcherProcessor(f Fetcher) *FetcherProcessor {
	return &FetcherProcessor{Fetcher: f}
}

func (p *FetcherProcessor) Process(ctx context.Context, r Record) (Record, bool, error) {
	if r.Block != nil {
		return r, true, nil
	}
	if !r.HasHash {
		return Record{}, false, fmt.Errorf("blocks: tried to fetch block without hash")
	}
	block, err := p.Fetcher.Fetch(ctx, r.Hash)
	if err != nil {
		log.Warn("fetch failed", "hash", r.Hash, "err", err)
		return Record{}, false, nil
	}
	return r.WithBlock(block, false), true, nil
}

// HttpFetcher fetches blocks from a remote HTTP(S) server, GETting
// <prefix>/<fingerprint>.
type HttpFetcher struct {
	Prefix string
	Client *http.Client
}

// NewHttpFetcher constructs an HttpFetcher. If client is nil,
// http.DefaultClient is used.
func NewHttpFetcher(prefix string, client *http.Client) *HttpFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HttpFetcher{Prefix: prefix, Client: client}
}

func (f *HttpFetcher) Fetch(ctx context.Context, h hashutil.Hash) ([]byte, error) {
	url := strings.TrimSuffix(f.Prefix, "/") + "/" + hashutil.Fingerprint(h)
	log.Info("fetching block", "hash", h, "url", url)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blocks: fetch %s: unexpected status %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	log.Info("fetched block", "hash", h, "url", url)
	return body, nil
}

// CachedFetcher checks a local cache directory before delegating to an
// inner Fetcher, writing the fetched bytes into the cache on success.
type CachedFetcher struct {
	Inner Fetcher
	Dir   string
}

// NewCachedFetcher wraps inner with a local directory cache.
func NewCachedFetcher(inner Fetcher, dir string) *CachedFetcher {
	return &CachedFetcher{Inner: inner, Dir: dir}
}

func (f *CachedFetcher) Fetch(ctx context.Context, h hashutil.Hash) ([]byte, error) {
	p := filepath.Join(f.Dir, hashutil.Fingerprint(h))
	if b, err := os.ReadFile(p); err == nil {
		log.Debug("found block in cache", "hash", h)
		return b, nil
	}
	block, err := f.Inner.Fetch(ctx, h)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(p, block, 0o644); err != nil {
		log.Warn("failed to populate block cache", "hash", h, "err", err)
	}
	return block, nil
}
