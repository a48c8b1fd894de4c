package pipeline

import "github.com/prometheus/client_golang/prometheus"

var (
	blocksProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapioca_pipeline_blocks_processed_total",
			Help: "Blocks that completed every processor and were handed to the sinks.",
		},
		[]string{"pipeline"},
	)
	blocksDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapioca_pipeline_blocks_dropped_total",
			Help: "Blocks dropped by a source error, a processor, or dedup.",
		},
		[]string{"pipeline", "reason"},
	)
	sinkErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tapioca_pipeline_sink_errors_total",
			Help: "Sink write failures, logged and otherwise ignored.",
		},
		[]string{"pipeline", "sink"},
	)
)

func init() {
	prometheus.MustRegister(blocksProcessed, blocksDropped, sinkErrors)
}
