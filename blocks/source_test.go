package blocks

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ctx context.Context, s Source) []Item {
	t.Helper()
	require.NoError(t, s.Open(ctx))
	defer func() { require.NoError(t, s.Close()) }()
	var items []Item
	for item := range s.Produce(ctx) {
		items = append(items, item)
	}
	return items
}

// S1: in-memory file of 1,500,000 zero bytes at block_size=1,048,576 yields
// two blocks of sizes 1,048,576 and 451,424.
func TestFileBlocksSplitsInMemoryDataIntoExpectedBlockSizes(t *testing.T) {
	const blockSize = 1048576
	data := make([]byte, 1500000)

	ctx := context.Background()
	out := make(chan Item, 8)
	ok := fileBlocks(ctx, out, "a.bin", bytes.NewReader(data), blockSize)
	close(out)
	require.True(t, ok)

	var items []Item
	for item := range out {
		items = append(items, item)
	}
	require.Len(t, items, 2)
	require.Equal(t, blockSize, items[0].Record.Size)
	require.Equal(t, 1500000-blockSize, items[1].Record.Size)
	hasher := Hasher{}
	r0, _, _ := hasher.Process(ctx, items[0].Record)
	r1, _, _ := hasher.Process(ctx, items[1].Record)
	require.NotEqual(t, r0.Hash, r1.Hash)
	require.False(t, items[0].Record.HasHash)
}

// S2: directory with two identical 3 MiB files, Hasher -> Dedup ->
// LocalStorage produces exactly 3 files (the three distinct 1 MiB blocks
// shared by both files).
func TestDirectorySourceDedupAndLocalStorage(t *testing.T) {
	root := t.TempDir()
	content := make([]byte, 3*1024*1024)
	for i := range content {
		content[i] = byte(i % 251)
	}
	require.NoError(t, os.WriteFile(filepath.Join(root, "x"), content, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "y"), content, 0o644))

	src := NewDirectorySource(root, 1024*1024)
	ctx := context.Background()
	items := drain(t, ctx, src)
	require.Len(t, items, 6)

	dedup := NewDedup()
	storeDir := t.TempDir()
	store := NewLocalStorage(storeDir)
	hasher := Hasher{}
	for _, item := range items {
		require.NoError(t, item.Err)
		r, _, err := hasher.Process(ctx, item.Record)
		require.NoError(t, err)
		r, keep, err := dedup.Process(ctx, r)
		require.NoError(t, err)
		if !keep {
			continue
		}
		require.NoError(t, store.Write(ctx, r))
	}

	entries, err := os.ReadDir(storeDir)
	require.NoError(t, err)
	require.Len(t, entries, 3)
}

// Running the same directory through LocalStorage twice must leave the
// store byte-identical to running it once.
func TestLocalStorageIdempotent(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "f"), []byte("hello world"), 0o644))

	storeDir := t.TempDir()
	ctx := context.Background()
	runOnce := func() {
		src := NewDirectorySource(root, 4)
		store := NewLocalStorage(storeDir)
		hasher := Hasher{}
		for _, item := range drain(t, ctx, src) {
			require.NoError(t, item.Err)
			r, _, _ := hasher.Process(ctx, item.Record)
			require.NoError(t, store.Write(ctx, r))
		}
	}
	runOnce()
	first, err := os.ReadDir(storeDir)
	require.NoError(t, err)
	var before [][]byte
	for _, e := range first {
		b, err := os.ReadFile(filepath.Join(storeDir, e.Name()))
		require.NoError(t, err)
		before = append(before, b)
	}

	runOnce()
	after, err := os.ReadDir(storeDir)
	require.NoError(t, err)
	require.Len(t, after, len(first))
	for i, e := range after {
		b, err := os.ReadFile(filepath.Join(storeDir, e.Name()))
		require.NoError(t, err)
		require.Equal(t, before[i], b)
	}
}

func TestDirectorySourceNormalizesRelativePaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "f.txt"), []byte("x"), 0o644))

	src := NewDirectorySource(root, 1024)
	ctx := context.Background()
	items := drain(t, ctx, src)
	require.Len(t, items, 1)
	require.Equal(t, "sub/f.txt", items[0].Record.File)
}
