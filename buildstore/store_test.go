package buildstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hourai/tapioca/hashutil"
	"github.com/hourai/tapioca/manifest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "builds.db")
	s, err := Open(path, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func oneBlockManifest(h hashutil.Hash) *manifest.Manifest {
	m := manifest.New(1024)
	m.AddFile(manifest.FileInfo{Path: "f", Blocks: []manifest.BlockInfo{{Hash: h, Size: 10}}, Size: 10})
	return m
}

func TestBuildKeyDeterministicAndDistinct(t *testing.T) {
	k1 := NewBuildKey("proj", "main", "1")
	k2 := NewBuildKey("proj", "main", "1")
	k3 := NewBuildKey("proj", "main", "2")
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestSaveGetPurgeBuildRoundTrip(t *testing.T) {
	s := openTestStore(t)
	h := hashutil.Block([]byte("block-bytes"))
	m := oneBlockManifest(h)
	req := Request{Project: "p", Branch: "main", Build: "1"}

	require.NoError(t, s.SaveBuild(req, m))

	got, err := s.GetBuild(req)
	require.NoError(t, err)
	require.Equal(t, m.Files["f"].Blocks, got.Files["f"].Blocks)

	require.NoError(t, s.PurgeBuild(req))
	_, err = s.GetBuild(req)
	require.ErrorIs(t, err, ErrBuildNotFound)
}

func TestGetBuildCacheInvalidatedOnSave(t *testing.T) {
	s := openTestStore(t)
	h := hashutil.Block([]byte("v1"))
	req := Request{Project: "p", Branch: "main", Build: "1"}
	require.NoError(t, s.SaveBuild(req, oneBlockManifest(h)))

	first, err := s.GetBuild(req)
	require.NoError(t, err)
	require.Equal(t, h, first.Files["f"].Blocks[0].Hash)

	h2 := hashutil.Block([]byte("v2"))
	require.NoError(t, s.SaveBuild(req, oneBlockManifest(h2)))

	second, err := s.GetBuild(req)
	require.NoError(t, err)
	require.Equal(t, h2, second.Files["f"].Blocks[0].Hash)
}

// After saving a build and then purging it, a block it referenced is dead
// iff no other stored build still references it.
func TestDeadBlockDetectionAcrossMultipleBuilds(t *testing.T) {
	s := openTestStore(t)
	h := hashutil.Block([]byte("shared-block"))
	r1 := Request{Project: "p", Branch: "main", Build: "1"}
	r2 := Request{Project: "p", Branch: "main", Build: "2"}

	require.NoError(t, s.SaveBuild(r1, oneBlockManifest(h)))
	require.NoError(t, s.SaveBuild(r2, oneBlockManifest(h)))

	require.NoError(t, s.PurgeBuild(r1))
	dead, err := s.IsBlockDead(h)
	require.NoError(t, err)
	require.False(t, dead)

	require.NoError(t, s.PurgeBuild(r2))
	dead, err = s.IsBlockDead(h)
	require.NoError(t, err)
	require.True(t, dead)
}

func TestIsBlockDeadForNeverStoredBlock(t *testing.T) {
	s := openTestStore(t)
	h := hashutil.Block([]byte("never stored"))
	dead, err := s.IsBlockDead(h)
	require.NoError(t, err)
	require.True(t, dead)
}

func TestSaveConfigGetConfig(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetConfig("proj")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SaveConfig("proj", []byte(`{"target":"win64"}`)))
	data, ok, err := s.GetConfig("proj")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"target":"win64"}`, string(data))
}
