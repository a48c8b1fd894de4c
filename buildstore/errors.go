package buildstore

import terrors "github.com/hourai/tapioca/internal/errors"

const moduleName = "buildstore"

// Fatal error kinds: any DB failure surfaces to the caller and the
// operation's results are not committed.
var (
	ErrDb            = terrors.New(moduleName, 1, "buildstore: persistent store failure")
	ErrInvariant     = terrors.New(moduleName, 2, "buildstore: invariant violated")
	ErrBuildNotFound = terrors.New(moduleName, 3, "buildstore: build not found")
)
