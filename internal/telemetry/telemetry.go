// Package telemetry exports the counters and buffer-position atomics
// named in spec.md sections 3 and 5 as Prometheus gauges, sampled on a
// fixed interval the way original_source/DAQController.cc's periodic
// status loop polled its digitizers.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BoardSource is the subset of board.Board telemetry sampling needs. It
// is an interface so tests can supply a fake without constructing a real
// bus.
type BoardSource interface {
	ID() int
	Telemetry() (events, errs, blocks, rollovers int64)
}

// WorkerSource is the subset of archive.Worker telemetry sampling needs.
type WorkerSource interface {
	ID() int
	BufferWindow() (minChunk, maxChunk, emptyVerified int64)
}

// Sampler periodically reads every registered board and writer worker and
// publishes their state as gauges.
type Sampler struct {
	interval time.Duration
	boards   []BoardSource
	workers  []WorkerSource

	events        *prometheus.GaugeVec
	errors        *prometheus.GaugeVec
	blocks        *prometheus.GaugeVec
	rollovers     *prometheus.GaugeVec
	minChunk      *prometheus.GaugeVec
	maxChunk      *prometheus.GaugeVec
	emptyVerified *prometheus.GaugeVec
}

// New registers the telemetry gauge vectors with reg and returns a
// Sampler ready to run. boards and workers may be extended after
// construction via AddBoard/AddWorker (cmd/daqhost adds the controller's
// boards and workers once Arm has built them).
func New(reg prometheus.Registerer, interval time.Duration) *Sampler {
	s := &Sampler{
		interval: interval,
		events: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corehost", Subsystem: "board", Name: "events_total",
		}, []string{"board"}),
		errors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corehost", Subsystem: "board", Name: "errors_total",
		}, []string{"board"}),
		blocks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corehost", Subsystem: "board", Name: "blocks_read_total",
		}, []string{"board"}),
		rollovers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corehost", Subsystem: "board", Name: "clock_rollovers",
		}, []string{"board"}),
		minChunk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corehost", Subsystem: "writer", Name: "min_chunk",
		}, []string{"worker"}),
		maxChunk: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corehost", Subsystem: "writer", Name: "max_chunk",
		}, []string{"worker"}),
		emptyVerified: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "corehost", Subsystem: "writer", Name: "empty_verified_chunk",
		}, []string{"worker"}),
	}
	reg.MustRegister(s.events, s.errors, s.blocks, s.rollovers, s.minChunk, s.maxChunk, s.emptyVerified)
	return s
}

// AddBoard registers a board for sampling.
func (s *Sampler) AddBoard(b BoardSource) { s.boards = append(s.boards, b) }

// AddWorker registers a writer worker for sampling.
func (s *Sampler) AddWorker(w WorkerSource) { s.workers = append(s.workers, w) }

// Run samples every registered board and worker on the configured
// interval until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce()
		}
	}
}

func (s *Sampler) sampleOnce() {
	for _, b := range s.boards {
		label := boardLabel(b.ID())
		events, errs, blocks, rollovers := b.Telemetry()
		s.events.WithLabelValues(label).Set(float64(events))
		s.errors.WithLabelValues(label).Set(float64(errs))
		s.blocks.WithLabelValues(label).Set(float64(blocks))
		s.rollovers.WithLabelValues(label).Set(float64(rollovers))
	}
	for _, w := range s.workers {
		label := workerLabel(w.ID())
		minC, maxC, emptyV := w.BufferWindow()
		s.minChunk.WithLabelValues(label).Set(float64(minC))
		s.maxChunk.WithLabelValues(label).Set(float64(maxC))
		s.emptyVerified.WithLabelValues(label).Set(float64(emptyV))
	}
}

func boardLabel(id int) string  { return strconv.Itoa(id) }
func workerLabel(id int) string { return strconv.Itoa(id) }
