package manifest

import "github.com/hourai/tapioca/hashutil"

// BlockChange records that block idx differs between the current and
// remote side of a diff: (currentHash, remoteHash).
type BlockChange struct {
	CurrentHash hashutil.Hash
	RemoteHash  hashutil.Hash
}

// FileDiff is the per-path result of comparing a file's presence and block
// sequence between a remote manifest and a current one.
type FileDiff struct {
	// Deleted is true when the file exists in current but not in remote.
	Deleted bool
	// New is true when the file exists in remote but not in current.
	New bool
	// ChangedBlocks maps block index to the (current, remote) hash pair
	// at every position where they differ. A file that is New or Deleted
	// still enumerates every remote/current block respectively, so a
	// pure presence flag is never the only signal.
	ChangedBlocks map[int]BlockChange
}

// HasChanged reports whether this file requires any action at all.
func (d FileDiff) HasChanged() bool {
	return d.Deleted || d.New || len(d.ChangedBlocks) > 0
}

func diffFile(remote, current *FileInfo) FileDiff {
	d := FileDiff{ChangedBlocks: make(map[int]BlockChange)}
	d.Deleted = remote == nil
	d.New = current == nil

	var rBlocks, cBlocks []BlockInfo
	if remote != nil {
		rBlocks = remote.Blocks
	}
	if current != nil {
		cBlocks = current.Blocks
	}

	n := len(rBlocks)
	if len(cBlocks) > n {
		n = len(cBlocks)
	}
	for i := 0; i < n; i++ {
		var rHash, cHash hashutil.Hash
		var rOk, cOk bool
		if i < len(rBlocks) {
			rHash, rOk = rBlocks[i].Hash, true
		}
		if i < len(cBlocks) {
			cHash, cOk = cBlocks[i].Hash, true
		}
		if rOk != cOk || rHash != cHash {
			d.ChangedBlocks[i] = BlockChange{CurrentHash: cHash, RemoteHash: rHash}
		}
	}
	return d
}

// Diff is the result of comparing two manifests: remote (the target build)
// against current (the local state being brought up to date).
type Diff struct {
	ChangedFiles map[string]FileDiff
}

// DiffManifests compares remote against current. For each path present in
// either side, if it exists on only one side it's flagged new/deleted;
// otherwise the two block sequences are pairwise compared position by
// position.
func DiffManifests(remote, current *Manifest) *Diff {
	paths := make(map[string]struct{})
	for p := range remote.Files {
		paths[p] = struct{}{}
	}
	for p := range current.Files {
		paths[p] = struct{}{}
	}

	changed := make(map[string]FileDiff)
	for p := range paths {
		var rFile, cFile *FileInfo
		if fi, ok := remote.Files[p]; ok {
			rFile = &fi
		}
		if fi, ok := current.Files[p]; ok {
			cFile = &fi
		}
		fd := diffFile(rFile, cFile)
		if fd.HasChanged() {
			changed[p] = fd
		}
	}
	return &Diff{ChangedFiles: changed}
}

// HasChanged reports whether any file differs between the two manifests.
func (d *Diff) HasChanged() bool {
	return len(d.ChangedFiles) > 0
}
