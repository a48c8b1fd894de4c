package manifest

import (
	"github.com/hourai/tapioca/blocks"
	"github.com/hourai/tapioca/hashutil"
)

// BuildListeners precomputes, for every block hash in m, the list of
// (path, offset) locations that should receive a copy of that block —
// offset = block_id * max_block_size. This is handed to
// blocks.NewInstallation so that package doesn't need to depend on
// manifest.
func BuildListeners(m *Manifest) map[hashutil.Hash][]blocks.Listener {
	out := make(map[hashutil.Hash][]blocks.Listener)
	for _, fi := range m.Files {
		for idx, b := range fi.Blocks {
			out[b.Hash] = append(out[b.Hash], blocks.Listener{
				Path:   fi.Path,
				Offset: int64(idx) * int64(m.MaxBlockSize),
			})
		}
	}
	return out
}
