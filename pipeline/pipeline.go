// Package pipeline implements the concurrent block pipeline: a source feeds
// block tasks that run an ordered processor chain and fan out to sinks in
// parallel, bounded by a batch-window of in-flight tasks and a worker pool
// for CPU-bound stages.
package pipeline

import (
	"context"
	"fmt"
	"runtime"

	"github.com/eapache/channels"
	"github.com/opentracing/opentracing-go"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hourai/tapioca/blocks"
	"github.com/hourai/tapioca/internal/logging"
)

var log = logging.GetLogger("tapioca/pipeline")

// DefaultBatchWindow is the default cap on in-flight block tasks.
const DefaultBatchWindow = 10

// Config carries Run's tunables. It is a plain struct passed in by the
// caller — no flag/file parsing lives in this package, no global state.
type Config struct {
	// Name labels this pipeline's metrics and trace spans, letting several
	// pipelines run in the same process without colliding series.
	Name string
	// BatchWindow caps in-flight block tasks. Zero means DefaultBatchWindow.
	BatchWindow int
	// Workers sizes the CPU-bound worker pool gating processor execution.
	// Zero means runtime.NumCPU().
	Workers int
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "pipeline"
	}
	if c.BatchWindow <= 0 {
		c.BatchWindow = DefaultBatchWindow
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	return c
}

// Stats summarizes one Run.
type Stats struct {
	Processed int64
	Dropped   int64
}

// BlockPipeline composes a source, an ordered processor chain, and a set of
// sinks. A given instance is single-use: Run drains its Source to
// completion exactly once.
type BlockPipeline struct {
	Source     blocks.Source
	Processors []blocks.Processor
	Sinks      []blocks.Sink
	Config     Config
}

// New constructs a BlockPipeline.
func New(source blocks.Source, processors []blocks.Processor, sinks []blocks.Sink, cfg Config) *BlockPipeline {
	return &BlockPipeline{Source: source, Processors: processors, Sinks: sinks, Config: cfg.withDefaults()}
}

// Run drains the source, scheduling one task per block. A task runs the
// processor chain in order (abandoning the block if any processor drops or
// errors it), then fans out to every sink in parallel and awaits them all.
// Run completes when every scheduled task has completed, or returns early
// if the source could not be opened or ctx is cancelled.
func (p *BlockPipeline) Run(ctx context.Context) (Stats, error) {
	cfg := p.Config.withDefaults()

	if err := p.Source.Open(ctx); err != nil {
		return Stats{}, fmt.Errorf("%w: %v", ErrSourceOpen, err)
	}
	defer p.Source.Close()

	var processed, dropped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(int64(cfg.Workers))

	// inFlight is the batch-window gate: a bounded channel borrowed from
	// github.com/eapache/channels so the source is polled no faster than
	// tasks drain.
	inFlight := channels.NewNativeChannel(channels.BufferCap(cfg.BatchWindow))

	items := p.Source.Produce(gctx)
dispatch:
	for {
		select {
		case item, ok := <-items:
			if !ok {
				break dispatch
			}
			select {
			case inFlight.In() <- struct{}{}:
			case <-gctx.Done():
				break dispatch
			}
			item := item
			g.Go(func() error {
				defer func() { <-inFlight.Out() }()
				return p.runBlock(gctx, cfg, item, sem, &processed, &dropped)
			})
		case <-gctx.Done():
			break dispatch
		}
	}

	err := g.Wait()
	return Stats{Processed: processed.Load(), Dropped: dropped.Load()}, err
}

// runBlock executes one block task: the processor chain, then sink fan-out.
// A processor or source error drops the block (logged, counted) and never
// fails the task; only context cancellation propagates as a task error.
func (p *BlockPipeline) runBlock(ctx context.Context, cfg Config, item blocks.Item, sem *semaphore.Weighted, processed, dropped *atomic.Int64) error {
	if item.Err != nil {
		log.Warn("source item error", "err", item.Err)
		dropped.Inc()
		blocksDropped.WithLabelValues(cfg.Name, "source").Inc()
		return nil
	}

	span := opentracing.StartSpan("pipeline.block")
	span.SetTag("file", item.Record.File)
	span.SetTag("block_id", item.Record.BlockID)
	defer span.Finish()
	ctx = opentracing.ContextWithSpan(ctx, span)

	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	r := item.Record
	keep := true
	for _, proc := range p.Processors {
		var err error
		r, keep, err = proc.Process(ctx, r)
		if err != nil {
			log.Warn("processor error", "file", r.File, "block_id", r.BlockID, "err", err)
			keep = false
		}
		if !keep {
			break
		}
	}
	sem.Release(1)

	if !keep {
		dropped.Inc()
		blocksDropped.WithLabelValues(cfg.Name, "processor").Inc()
		return nil
	}

	sg, sctx := errgroup.WithContext(ctx)
	for _, sink := range p.Sinks {
		sink := sink
		sg.Go(func() error {
			if err := sink.Write(sctx, r); err != nil {
				log.Error("sink write failed", "sink", fmt.Sprintf("%T", sink), "file", r.File, "block_id", r.BlockID, "err", err)
				sinkErrors.WithLabelValues(cfg.Name, fmt.Sprintf("%T", sink)).Inc()
			}
			// Sink errors are logged and never retried; the task itself
			// always succeeds from the errgroup's perspective.
			return nil
		})
	}
	_ = sg.Wait()

	processed.Inc()
	blocksProcessed.WithLabelValues(cfg.Name).Inc()
	return nil
}
