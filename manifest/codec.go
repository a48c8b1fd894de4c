package manifest

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/hourai/tapioca/hashutil"
)

// The on-disk/on-wire form: a tagged record holding max_block_size, a
// deduplicated block registry, and a trie of path entries. CBOR
// (github.com/fxamacker/cbor/v2) gives a compact tagged-record encoding,
// with map-keys-as-small-ints keeping it small.

type wireBlock struct {
	Hash []byte  `cbor:"1,keyasint"`
	Size *uint32 `cbor:"2,keyasint,omitempty"`
}

type wireItem struct {
	Name     string     `cbor:"1,keyasint"`
	Children []wireItem `cbor:"2,keyasint,omitempty"`
	BlockIDs []int      `cbor:"3,keyasint,omitempty"`
	Hash     []byte     `cbor:"4,keyasint,omitempty"`
	Size     *int64     `cbor:"5,keyasint,omitempty"`
}

type wireManifest struct {
	MaxBlockSize uint32     `cbor:"1,keyasint"`
	Blocks       []wireBlock `cbor:"2,keyasint"`
	Items        []wireItem  `cbor:"3,keyasint"`
}

// Marshal serializes m into its canonical binary form.
func Marshal(m *Manifest) ([]byte, error) {
	registry := newBlockRegistry()
	trie := newItemTrie()

	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		fi := m.Files[p]
		ids := make([]int, len(fi.Blocks))
		for i, b := range fi.Blocks {
			id, err := registry.register(b)
			if err != nil {
				return nil, err
			}
			ids[i] = id
		}
		leaf := trie.insert(p)
		leaf.isFile = true
		leaf.blockIDs = ids
		leaf.hash = fi.Hash
		leaf.size = fi.Size
	}

	wm := wireManifest{MaxBlockSize: uint32(m.MaxBlockSize)}
	for _, b := range registry.order {
		wb := wireBlock{Hash: b.Hash.Bytes()}
		if b.Size != m.MaxBlockSize {
			size := uint32(b.Size)
			wb.Size = &size
		}
		wm.Blocks = append(wm.Blocks, wb)
	}
	for _, name := range trie.order {
		wm.Items = append(wm.Items, toWireItem(trie.roots[name]))
	}

	opts := cbor.CanonicalEncOptions()
	em, err := opts.EncMode()
	if err != nil {
		return nil, err
	}
	return em.Marshal(wm)
}

func toWireItem(n *itemTrieNode) wireItem {
	wi := wireItem{Name: n.name}
	if n.isFile {
		wi.BlockIDs = n.blockIDs
		wi.Hash = n.hash.Bytes()
		size := n.size
		wi.Size = &size
		return wi
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		wi.Children = append(wi.Children, toWireItem(n.children[name]))
	}
	return wi
}

// Unmarshal reverses Marshal.
func Unmarshal(data []byte) (*Manifest, error) {
	var wm wireManifest
	if err := cbor.Unmarshal(data, &wm); err != nil {
		return nil, err
	}

	m := New(int(wm.MaxBlockSize))
	blockInfos := make([]BlockInfo, len(wm.Blocks))
	for i, wb := range wm.Blocks {
		var h hashutil.Hash
		copy(h[:], wb.Hash)
		size := m.MaxBlockSize
		if wb.Size != nil {
			size = int(*wb.Size)
		}
		blockInfos[i] = BlockInfo{Hash: h, Size: size}
	}

	for _, item := range wm.Items {
		if err := fromWireItem(m, blockInfos, item.Name, item); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func fromWireItem(m *Manifest, blockInfos []BlockInfo, path string, item wireItem) error {
	if item.Hash != nil || item.BlockIDs != nil || item.Size != nil {
		blocks := make([]BlockInfo, len(item.BlockIDs))
		for i, id := range item.BlockIDs {
			if id < 0 || id >= len(blockInfos) {
				return invariantErr("manifest: file %q references unknown block id %d", path, id)
			}
			blocks[i] = blockInfos[id]
		}
		var h hashutil.Hash
		copy(h[:], item.Hash)
		size := int64(0)
		if item.Size != nil {
			size = *item.Size
		}
		m.AddFile(FileInfo{Path: path, Blocks: blocks, Hash: h, Size: size})
		return nil
	}
	for _, child := range item.Children {
		childPath := child.Name
		if path != "" {
			childPath = strings.TrimSuffix(path, "/") + "/" + child.Name
		}
		if err := fromWireItem(m, blockInfos, childPath, child); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON renders m as human-readable JSON for inspection. This form
// is never re-ingested — only Marshal/Unmarshal round-trip.
func MarshalJSON(m *Manifest) ([]byte, error) {
	type jsonBlock struct {
		Hash string `json:"hash"`
		Size int    `json:"size"`
	}
	type jsonFile struct {
		Path   string      `json:"path"`
		Blocks []jsonBlock `json:"blocks"`
		Hash   string      `json:"hash"`
		Size   int64       `json:"size"`
	}
	type jsonManifest struct {
		MaxBlockSize int        `json:"max_block_size"`
		Files        []jsonFile `json:"files"`
	}

	paths := make([]string, 0, len(m.Files))
	for p := range m.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	jm := jsonManifest{MaxBlockSize: m.MaxBlockSize}
	for _, p := range paths {
		fi := m.Files[p]
		jf := jsonFile{Path: fi.Path, Hash: hashutil.Fingerprint(fi.Hash), Size: fi.Size}
		for _, b := range fi.Blocks {
			jf.Blocks = append(jf.Blocks, jsonBlock{Hash: hashutil.Fingerprint(b.Hash), Size: b.Size})
		}
		jm.Files = append(jm.Files, jf)
	}

	return json.MarshalIndent(jm, "", "  ")
}
