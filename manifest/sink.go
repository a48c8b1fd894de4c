package manifest

import (
	"context"

	"github.com/hourai/tapioca/blocks"
)

// Sink builds a Manifest from the Records a pipeline writes to it. It
// implements blocks.Sink so it composes directly into a BlockPipeline as
// one of several parallel sinks.
type Sink struct {
	builder *Builder
}

// NewSink constructs a manifest-building Sink.
func NewSink(maxBlockSize int) *Sink {
	return &Sink{builder: NewBuilder(maxBlockSize)}
}

// Write implements blocks.Sink.
func (s *Sink) Write(_ context.Context, r blocks.Record) error {
	log.Debug("writing block to manifest", "file", r.File, "block_id", r.BlockID)
	s.builder.Add(r.File, r.BlockID, r.Hash, r.Size, r.Block)
	return nil
}

// Build finalizes the Manifest built from the blocks streamed into this
// sink so far. See Builder.Build for the unreconciled-accumulator
// invariant.
func (s *Sink) Build() (*Manifest, error) {
	return s.builder.Build()
}

var _ blocks.Sink = (*Sink)(nil)
