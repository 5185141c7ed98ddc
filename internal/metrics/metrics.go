// Package metrics tracks pipeline statistics and exposes them as Prometheus
// metrics and periodic log lines.
//
// All methods are safe to call on a nil *Stats, in which case they are
// no-ops.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons.
const (
	DropDisabled = "disabled"
	DropSilence  = "silence"
	DropEmpty    = "empty"
	DropFailed   = "failed"
	DropShort    = "short"
)

// Stats holds pipeline statistics.
type Stats struct {
	reg *prometheus.Registry

	chunksEnqueued *prometheus.CounterVec
	chunksDropped  *prometheus.CounterVec
	transcripts    *prometheus.CounterVec
	engineCalls    *prometheus.CounterVec
	engineFailures *prometheus.CounterVec
	engineLatency  *prometheus.HistogramVec
	fallbacks      prometheus.Counter
	fallbackMode   prometheus.Gauge
	queueLen       prometheus.Gauge
	recording      prometheus.Gauge

	enqueuedAtomic    atomic.Uint64
	droppedAtomic     atomic.Uint64
	transcriptsAtomic atomic.Uint64
	failuresAtomic    atomic.Uint64
	queueLenAtomic    atomic.Int64
}

// NewStats creates the stats tracker with its own registry.
func NewStats() *Stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &Stats{
		reg: reg,

		chunksEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recass_chunks_enqueued",
			Help: "Count of audio chunks queued for transcription",
		}, []string{"source"}),
		chunksDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recass_chunks_dropped",
			Help: "Count of audio chunks or segments that produced no transcript",
		}, []string{"reason"}),
		transcripts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recass_transcripts",
			Help: "Count of transcript lines produced",
		}, []string{"source"}),
		engineCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recass_engine_calls",
			Help: "Count of speech engine invocations",
		}, []string{"op"}),
		engineFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "recass_engine_failures",
			Help: "Count of failed speech engine invocations",
		}, []string{"op"}),
		engineLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "recass_engine_latency_seconds",
			Help:    "Histogram of speech engine invocation duration",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80},
		}, []string{"op"}),
		fallbacks: f.NewCounter(prometheus.CounterOpts{
			Name: "recass_engine_fallbacks",
			Help: "Count of calls retried on the fallback device",
		}),
		fallbackMode: f.NewGauge(prometheus.GaugeOpts{
			Name: "recass_engine_fallback_mode",
			Help: "1 if the engine was moved to the fallback device",
		}),
		queueLen: f.NewGauge(prometheus.GaugeOpts{
			Name: "recass_queue_length",
			Help: "Number of chunks waiting for transcription",
		}),
		recording: f.NewGauge(prometheus.GaugeOpts{
			Name: "recass_recording",
			Help: "1 while a recording session is active",
		}),
	}
}

func (s *Stats) ChunkEnqueued(source string) {
	if s == nil {
		return
	}
	s.chunksEnqueued.With(prometheus.Labels{"source": source}).Inc()
	s.enqueuedAtomic.Add(1)
}

func (s *Stats) ChunkDropped(reason string) {
	if s == nil {
		return
	}
	s.chunksDropped.With(prometheus.Labels{"reason": reason}).Inc()
	s.droppedAtomic.Add(1)
}

func (s *Stats) Transcript(source string) {
	if s == nil {
		return
	}
	s.transcripts.With(prometheus.Labels{"source": source}).Inc()
	s.transcriptsAtomic.Add(1)
}

// EngineCall records a finished engine invocation.
func (s *Stats) EngineCall(op string, d time.Duration, err error) {
	if s == nil {
		return
	}
	s.engineCalls.With(prometheus.Labels{"op": op}).Inc()
	s.engineLatency.With(prometheus.Labels{"op": op}).Observe(d.Seconds())
	if err != nil {
		s.engineFailures.With(prometheus.Labels{"op": op}).Inc()
		s.failuresAtomic.Add(1)
	}
}

func (s *Stats) Fallback() {
	if s == nil {
		return
	}
	s.fallbacks.Inc()
	s.fallbackMode.Set(1)
}

func (s *Stats) QueueLen(n int) {
	if s == nil {
		return
	}
	s.queueLen.Set(float64(n))
	s.queueLenAtomic.Store(int64(n))
}

func (s *Stats) Recording(active bool) {
	if s == nil {
		return
	}
	if active {
		s.recording.Set(1)
	} else {
		s.recording.Set(0)
	}
}

// Registry returns the registry the metrics are registered in.
func (s *Stats) Registry() *prometheus.Registry {
	return s.reg
}

// ServeMetrics runs the Prometheus metrics endpoint in the given address
// until ctx is done.
func (s *Stats) ServeMetrics(ctx context.Context, addr string, log slog.Logger) error {
	mux := http.NewServeMux()
	promHandler := promhttp.InstrumentMetricHandler(
		s.reg, promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}),
	)
	mux.Handle("/metrics", promHandler)
	hs := http.Server{
		Addr:        addr,
		BaseContext: func(net.Listener) context.Context { return ctx },
		Handler:     mux,
	}
	log.Infof("Exposing prometheus metrics on %s", addr)
	go func() {
		<-ctx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hs.Shutdown(ctx)
	}()
	err := hs.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		err = ctx.Err()
	}
	return err
}

// RunReportLoop periodically logs a summary of the pipeline activity.
func (s *Stats) RunReportLoop(ctx context.Context, interval time.Duration, log slog.Logger) error {
	if interval <= 0 {
		log.Infof("Logging of stats is disabled")
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var tickTime, lastTick time.Time
	tickTime = time.Now()

	log.Debugf("Running report stats loop with interval %s", interval)

	for {
		lastTick = tickTime

		select {
		case <-ctx.Done():
			return ctx.Err()
		case tickTime = <-ticker.C:
		}

		enqueued := s.enqueuedAtomic.Swap(0)
		dropped := s.droppedAtomic.Swap(0)
		transcripts := s.transcriptsAtomic.Swap(0)
		failures := s.failuresAtomic.Swap(0)
		if enqueued|dropped|transcripts|failures == 0 {
			// Skip if there are no stats.
			continue
		}

		log.Infof("Stats for the last %s - chunks: %d queued, %d dropped; "+
			"transcripts: %d; engine failures: %d; backlog: %d",
			tickTime.Sub(lastTick).Round(time.Second), enqueued, dropped,
			transcripts, failures, s.queueLenAtomic.Load())
	}
}
