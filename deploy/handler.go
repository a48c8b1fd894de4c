// Package deploy defines the Handler capability an HTTP wrapper dispatches
// a deploy request into, and a concrete ZipDeployHandler reference
// implementation composing blocks.ZipFileSource, a pipeline, and
// buildstore.SaveBuild. The HTTP surface itself, object-store credentials,
// and concrete bucket bindings remain a host binary's responsibility.
package deploy

import (
	"context"
	"fmt"

	"github.com/hourai/tapioca/blocks"
	"github.com/hourai/tapioca/buildstore"
	"github.com/hourai/tapioca/internal/logging"
	"github.com/hourai/tapioca/manifest"
	"github.com/hourai/tapioca/pipeline"
)

var log = logging.GetLogger("tapioca/deploy")

// Request identifies one deploy invocation: which build to publish it as,
// and where the uploaded archive was staged on local disk (the HTTP
// wrapper is responsible for getting it there; this package never touches
// a network socket).
type Request struct {
	Project     string
	Branch      string
	Build       string
	ArchivePath string
}

// Handler dispatches a deploy request: consume the uploaded build, run it
// through a block pipeline, and commit the resulting manifest. Concrete
// handlers are named and registered by a host binary under a per-handler
// path segment of the deploy route — e.g. a "unity" handler that downloads
// a build artifact produced by Unity Cloud Build before handing it to the
// same pipeline this package implements.
type Handler interface {
	Deploy(ctx context.Context, req Request) error
}

// ZipDeployHandler unzips an uploaded archive, runs its contents through a
// configurable processor/sink pipeline (e.g. Gzip compression feeding
// object storage), builds the resulting manifest via a manifest.TeeSource,
// and commits it with buildstore.SaveBuild. The network download step that
// staged the archive is left to the caller — ArchivePath is already a
// local file by the time Deploy sees it.
type ZipDeployHandler struct {
	Store        *buildstore.Store
	BlockSize    int
	Processors   []blocks.Processor
	Sinks        []blocks.Sink
	PipelineName string
}

// NewZipDeployHandler constructs a ZipDeployHandler. processors/sinks are
// the pipeline stages applied to every block before it's considered
// stored — e.g. []blocks.Processor{blocks.NewGzip(9)} feeding
// []blocks.Sink{blocks.NewObjectStorage(bucket, "builds")}.
func NewZipDeployHandler(store *buildstore.Store, blockSize int, processors []blocks.Processor, sinks []blocks.Sink) *ZipDeployHandler {
	return &ZipDeployHandler{Store: store, BlockSize: blockSize, Processors: processors, Sinks: sinks, PipelineName: "deploy"}
}

func (h *ZipDeployHandler) Deploy(ctx context.Context, req Request) error {
	zipSrc := blocks.NewZipFileSource(req.ArchivePath, h.BlockSize)
	tee := manifest.NewTeeSource(zipSrc, h.BlockSize)

	p := pipeline.New(tee, h.Processors, h.Sinks, pipeline.Config{Name: h.PipelineName})
	stats, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("deploy: pipeline run for %s/%s/%s: %w", req.Project, req.Branch, req.Build, err)
	}

	m, err := tee.BuildManifest()
	if err != nil {
		return fmt.Errorf("deploy: build manifest for %s/%s/%s: %w", req.Project, req.Branch, req.Build, err)
	}

	buildReq := buildstore.Request{Project: req.Project, Branch: req.Branch, Build: req.Build}
	if err := h.Store.SaveBuild(buildReq, m); err != nil {
		return fmt.Errorf("deploy: save build %s: %w", buildReq, err)
	}

	log.Info("deployed build", "request", buildReq.String(), "processed", stats.Processed, "dropped", stats.Dropped)
	return nil
}

var _ Handler = (*ZipDeployHandler)(nil)
