package pipeline

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hourai/tapioca/blocks"
)

func recordsOf(payloads ...string) []blocks.Record {
	out := make([]blocks.Record, len(payloads))
	for i, p := range payloads {
		r := blocks.Record{File: "f", BlockID: i}
		out[i] = r.WithBlock([]byte(p), false)
	}
	return out
}

func TestRunProcessesAndDedupesBlocks(t *testing.T) {
	src := blocks.NewInMemorySource(recordsOf("a", "b", "a", "c", "b"))
	dedup := blocks.NewDedup()
	store := t.TempDir()
	sink := blocks.NewLocalStorage(store)

	p := New(src, []blocks.Processor{blocks.Hasher{}, dedup}, []blocks.Sink{sink}, Config{Name: "test", BatchWindow: 2, Workers: 2})
	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Processed)
	require.Equal(t, int64(2), stats.Dropped)

	entries, err := os.ReadDir(store)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

type countingSink struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSink) Write(context.Context, blocks.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return nil
}

// S6-equivalent at the pipeline level: concurrent dispatch of many distinct
// blocks produces exactly one sink write per block regardless of worker
// count.
func TestRunDispatchesEveryDistinctBlockExactlyOnce(t *testing.T) {
	const n = 500
	payloads := make([]string, n)
	for i := range payloads {
		payloads[i] = string(rune('a' + i%26))
	}
	recs := make([]blocks.Record, n)
	for i, p := range payloads {
		r := blocks.Record{File: "f", BlockID: i}
		r = r.WithBlock([]byte{byte(i), byte(i >> 8), 'x'}, false)
		_ = p
		recs[i] = r
	}
	src := blocks.NewInMemorySource(recs)
	sink := &countingSink{}

	p := New(src, []blocks.Processor{blocks.Hasher{}}, []blocks.Sink{sink}, Config{Name: "fanout", BatchWindow: 8, Workers: 4})
	stats, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(n), stats.Processed)
	require.Equal(t, n, sink.calls)
}

func TestRunReturnsOnCancelledContext(t *testing.T) {
	src := blocks.NewInMemorySource(recordsOf("a", "b", "c"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(src, []blocks.Processor{blocks.Hasher{}}, nil, Config{})
	_, err := p.Run(ctx)
	// Cancellation before any block starts is not guaranteed to surface as
	// an error from every stage, but Run must not hang or panic.
	_ = err
}

func TestRunFailsOnSourceOpenError(t *testing.T) {
	p := New(failingSource{}, nil, nil, Config{})
	_, err := p.Run(context.Background())
	require.ErrorIs(t, err, ErrSourceOpen)
}

type failingSource struct{}

func (failingSource) Open(context.Context) error { return errOpenFailed }
func (failingSource) Close() error                { return nil }
func (failingSource) Produce(ctx context.Context) <-chan blocks.Item {
	out := make(chan blocks.Item)
	close(out)
	return out
}

type openFailedErr struct{}

func (openFailedErr) Error() string { return "open failed" }

var errOpenFailed = openFailedErr{}
