package pipeline

import terrors "github.com/hourai/tapioca/internal/errors"

const moduleName = "pipeline"

// Fatal error kinds: these abort Run entirely rather than dropping a single
// block. Per-block failures (BlockIoError, ProcessorError, SinkError,
// HashMismatch, FetchError) are the source/processor/sink packages' own
// concern and never surface past Run as an error — they're logged and
// counted instead.
var (
	// ErrSourceOpen surfaces a Source.Open failure: fatal, nothing was read.
	ErrSourceOpen = terrors.New(moduleName, 1, "pipeline: source could not be opened")
	// ErrInvariant is registered for asserted-impossible conditions. Run
	// does not return it, and a panic in a processor or sink is not
	// recovered by Run.
	ErrInvariant = terrors.New(moduleName, 2, "pipeline: invariant violated")
)
