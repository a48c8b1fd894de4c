package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hourai/tapioca/hashutil"
)

func hashOf(s string) hashutil.Hash { return hashutil.Block([]byte(s)) }

func TestManifestValidateRejectsMisplacedUndersizedBlock(t *testing.T) {
	m := New(1024)
	m.AddFile(FileInfo{
		Path: "f",
		Blocks: []BlockInfo{
			{Hash: hashOf("a"), Size: 512},
			{Hash: hashOf("b"), Size: 1024},
		},
		Size: 1536,
	})
	require.Error(t, m.Validate())
}

func TestManifestValidateAcceptsTerminalUndersizedBlock(t *testing.T) {
	m := New(1024)
	m.AddFile(FileInfo{
		Path: "f",
		Blocks: []BlockInfo{
			{Hash: hashOf("a"), Size: 1024},
			{Hash: hashOf("b"), Size: 512},
		},
		Size: 1536,
	})
	require.NoError(t, m.Validate())
}

func TestTotalSpaceAndBlockSet(t *testing.T) {
	m := New(1024)
	h1, h2 := hashOf("a"), hashOf("b")
	m.AddFile(FileInfo{Path: "f1", Blocks: []BlockInfo{{Hash: h1, Size: 1024}}, Size: 1024})
	m.AddFile(FileInfo{Path: "f2", Blocks: []BlockInfo{{Hash: h1, Size: 1024}, {Hash: h2, Size: 100}}, Size: 1124})

	require.Equal(t, int64(2148), m.TotalSpace())
	set := m.BlockSet()
	require.Len(t, set, 2)
	require.Equal(t, 1024, set[h1])
	require.Equal(t, 100, set[h2])
}

// Unmarshal(Marshal(M)) must reproduce M's files, blocks, and hashes
// exactly, regardless of the internal block-registry ordering.
func TestManifestRoundTrip(t *testing.T) {
	m := New(1024)
	m.AddFile(FileInfo{
		Path: "dir/a.bin",
		Blocks: []BlockInfo{
			{Hash: hashOf("block-1"), Size: 1024},
			{Hash: hashOf("block-2"), Size: 200},
		},
		Hash: hashOf("a.bin-contents"),
		Size: 1224,
	})
	m.AddFile(FileInfo{
		Path:   "dir/b.bin",
		Blocks: []BlockInfo{{Hash: hashOf("block-1"), Size: 1024}},
		Hash:   hashOf("b.bin-contents"),
		Size:   1024,
	})

	data, err := Marshal(m)
	require.NoError(t, err)

	back, err := Unmarshal(data)
	require.NoError(t, err)

	require.Equal(t, m.MaxBlockSize, back.MaxBlockSize)
	require.Equal(t, len(m.Files), len(back.Files))
	for path, fi := range m.Files {
		got, ok := back.Files[path]
		require.True(t, ok, "missing path %q after round trip", path)
		require.Equal(t, fi.Path, got.Path)
		require.Equal(t, fi.Hash, got.Hash)
		require.Equal(t, fi.Size, got.Size)
		require.Equal(t, fi.Blocks, got.Blocks)
	}
}

// Diffing a manifest against itself must report no changes.
func TestDiffIdentity(t *testing.T) {
	m := New(1024)
	m.AddFile(FileInfo{Path: "f", Blocks: []BlockInfo{{Hash: hashOf("x"), Size: 10}}, Size: 10})
	d := DiffManifests(m, m)
	require.False(t, d.HasChanged())
}

// Swapping which manifest is "remote" and which is "current" must not
// change which (path, block_id) positions are reported as changed.
func TestDiffSymmetryOnChangedPositions(t *testing.T) {
	a := New(1024)
	a.AddFile(FileInfo{Path: "f", Blocks: []BlockInfo{
		{Hash: hashOf("h1"), Size: 10}, {Hash: hashOf("h2"), Size: 10}, {Hash: hashOf("h3"), Size: 10},
	}, Size: 30})
	b := New(1024)
	b.AddFile(FileInfo{Path: "f", Blocks: []BlockInfo{
		{Hash: hashOf("h1"), Size: 10}, {Hash: hashOf("h9"), Size: 10}, {Hash: hashOf("h3"), Size: 10},
	}, Size: 30})

	ab := DiffManifests(a, b)
	ba := DiffManifests(b, a)

	positionsOf := func(d *Diff) map[[2]interface{}]bool {
		out := make(map[[2]interface{}]bool)
		for path, fd := range d.ChangedFiles {
			for idx := range fd.ChangedBlocks {
				out[[2]interface{}{path, idx}] = true
			}
		}
		return out
	}
	require.Equal(t, positionsOf(ab), positionsOf(ba))
}

// A single changed block in the middle of a file must be reported with
// both its current-side and remote-side hash, at its correct block index,
// leaving the unchanged blocks around it out of the diff entirely.
func TestDiffReportsChangedBlockWithBothHashes(t *testing.T) {
	h1, h2, h3, h9 := hashOf("h1"), hashOf("h2"), hashOf("h3"), hashOf("h9")
	current := New(1024)
	current.AddFile(FileInfo{Path: "f", Blocks: []BlockInfo{{Hash: h1, Size: 10}, {Hash: h2, Size: 10}, {Hash: h3, Size: 10}}, Size: 30})
	remote := New(1024)
	remote.AddFile(FileInfo{Path: "f", Blocks: []BlockInfo{{Hash: h1, Size: 10}, {Hash: h9, Size: 10}, {Hash: h3, Size: 10}}, Size: 30})

	// DiffManifests(remote, current) records each changed position as
	// (current_hash, remote_hash): the local copy's hash paired with what
	// the remote side now has there.
	d := DiffManifests(remote, current)
	fd, ok := d.ChangedFiles["f"]
	require.True(t, ok)
	change, ok := fd.ChangedBlocks[1]
	require.True(t, ok)
	require.Equal(t, h2, change.CurrentHash)
	require.Equal(t, h9, change.RemoteHash)
}

// After Preallocate(root), every file named in the manifest must exist on
// disk at exactly its declared size.
func TestPreallocateCreatesFilesOfDeclaredSize(t *testing.T) {
	m := New(1024)
	m.AddFile(FileInfo{Path: "a.bin", Blocks: []BlockInfo{{Hash: hashOf("x"), Size: 1024}}, Size: 1024})
	m.AddFile(FileInfo{Path: "sub/b.bin", Blocks: []BlockInfo{{Hash: hashOf("y"), Size: 500}}, Size: 500})

	root := t.TempDir()
	require.NoError(t, m.Preallocate(root))

	for path, fi := range m.Files {
		info, err := os.Stat(filepath.Join(root, filepath.FromSlash(path)))
		require.NoError(t, err)
		require.Equal(t, fi.Size, info.Size())
	}
}

func TestBuilderDrainsOutOfOrderBlocks(t *testing.T) {
	b := NewBuilder(1024)
	b.Add("f", 1, hashOf("second"), 10, []byte("0123456789"))
	b.Add("f", 0, hashOf("first"), 10, []byte("abcdefghij"))

	m, err := b.Build()
	require.NoError(t, err)
	fi := m.Files["f"]
	require.Equal(t, hashOf("first"), fi.Blocks[0].Hash)
	require.Equal(t, hashOf("second"), fi.Blocks[1].Hash)
}

func TestBuilderBuildFailsOnGap(t *testing.T) {
	b := NewBuilder(1024)
	b.Add("f", 0, hashOf("first"), 10, []byte("abcdefghij"))
	b.Add("f", 2, hashOf("third"), 10, []byte("0123456789"))

	_, err := b.Build()
	require.Error(t, err)
}
