// Package buildstore implements the persistent build-reference database: a
// single bbolt file holding project configs, build manifests, and the
// block-reference index used for dead-block detection.
package buildstore

import (
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// KeySize is the length in bytes of a build key.
const KeySize = 8

// BuildKey is an 8-byte BLAKE2b digest identifying a (project, branch,
// build) triple. Collisions are treated as equal builds — the 64-bit
// keyspace is good enough in practice rather than collision-free.
type BuildKey [KeySize]byte

// NewBuildKey computes the build key for project|branch|build.
func NewBuildKey(project, branch, build string) BuildKey {
	h, err := blake2b.New(KeySize, nil)
	if err != nil {
		// blake2b.New only errors for an out-of-range size or bad key;
		// KeySize and a nil key are always valid.
		panic(fmt.Sprintf("buildstore: blake2b.New(%d): %v", KeySize, err))
	}
	h.Write([]byte(project))
	h.Write([]byte("|"))
	h.Write([]byte(branch))
	h.Write([]byte("|"))
	h.Write([]byte(build))
	var key BuildKey
	copy(key[:], h.Sum(nil))
	return key
}

// Request identifies the build a DB operation addresses. Project is always
// required; Branch/Build may be empty to address the project's default.
type Request struct {
	Project string
	Branch  string
	Build   string
}

// Key computes the Request's build key.
func (r Request) Key() BuildKey {
	return NewBuildKey(r.Project, r.Branch, r.Build)
}

// String renders the request for logs as project/branch/build.
func (r Request) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Project, r.Branch, r.Build)
}
