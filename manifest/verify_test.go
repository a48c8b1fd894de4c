package manifest

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hourai/tapioca/blocks"
)

func TestBuildFromSourceAndVerifyInstallationRoundTrip(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bin"), []byte("hello tapioca world"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "b.bin"), []byte("another file"), 0o644))

	src := blocks.NewDirectorySource(root, 8)
	ctx := context.Background()
	m, err := BuildFromSource(ctx, src, 8)
	require.NoError(t, err)
	require.Len(t, m.Files, 2)

	ok, err := m.VerifyInstallation(root)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestVerifyInstallationDetectsTampering(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bin"), []byte("original content"), 0o644))

	src := blocks.NewDirectorySource(root, 8)
	ctx := context.Background()
	m, err := BuildFromSource(ctx, src, 8)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.bin"), []byte("tampered content"), 0o644))
	ok, err := m.VerifyInstallation(root)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyInstallationMissingFile(t *testing.T) {
	m := New(1024)
	m.AddFile(FileInfo{Path: "missing.bin", Blocks: []BlockInfo{{Hash: hashOf("x"), Size: 1}}, Hash: hashOf("whole"), Size: 1})

	ok, err := m.VerifyInstallation(t.TempDir())
	require.NoError(t, err)
	require.False(t, ok)
}
