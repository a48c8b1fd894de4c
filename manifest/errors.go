package manifest

import (
	"fmt"

	terrors "github.com/hourai/tapioca/internal/errors"
)

const moduleName = "manifest"

// ErrInvariant is a fatal, asserted violation: an oversized block, or
// calling Build while an accumulator still has unreconciled entries.
var ErrInvariant = terrors.New(moduleName, 1, "manifest: invariant violated")

func invariantErr(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
