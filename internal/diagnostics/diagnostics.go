// Package diagnostics implements the engine's append-only tracing sink: a bounded
// in-memory ring of trace events, per-reason counters, and the Prometheus metrics
// derived from them. It is a passive recorder — subsystems append, readers poll.
package diagnostics

import (
	"sync"
	"time"

	"github.com/atlas-desktop/breakout-engine/internal/engine"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// maxRecords bounds the in-memory ring buffer so a long-running engine doesn't
// accumulate unbounded trace history.
const maxRecords = 10_000

// Tracer is the append-only diagnostics-sink implementation. It satisfies
// engine.Tracer.
type Tracer struct {
	logger *zap.Logger

	mu          sync.Mutex
	records     []engine.Event
	reasonCount map[string]int

	cycles       prometheus.Counter
	signals      prometheus.Counter
	positions    prometheus.Counter
	errorEvents  *prometheus.CounterVec
	cycleLatency prometheus.Histogram
}

// New constructs a Tracer and registers its metrics against reg. Pass
// prometheus.NewRegistry() (or prometheus.DefaultRegisterer) from the caller.
func New(logger *zap.Logger, reg prometheus.Registerer) *Tracer {
	t := &Tracer{
		logger:      logger.Named("diagnostics"),
		reasonCount: make(map[string]int),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breakout_engine_cycles_total",
			Help: "Number of completed engine cycles traced.",
		}),
		signals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breakout_engine_signals_total",
			Help: "Number of candidate signals traced during signal_wait.",
		}),
		positions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "breakout_engine_positions_opened_total",
			Help: "Number of positions opened, traced during execution.",
		}),
		errorEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breakout_engine_traced_reasons_total",
			Help: "Traced events bucketed by reason string (rejections, failures, exits).",
		}, []string{"component", "stage", "reason"}),
		cycleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "breakout_engine_cycle_duration_seconds",
			Help:    "Wall-clock duration of one scanning-through-managing cycle.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(t.cycles, t.signals, t.positions, t.errorEvents, t.cycleLatency)
	return t
}

// Trace records one diagnostics event. Never blocks: the ring buffer drops its
// oldest record past maxRecords.
func (t *Tracer) Trace(ev engine.Event) {
	if ev.TimestampMs == 0 {
		ev.TimestampMs = time.Now().UnixMilli()
	}

	t.mu.Lock()
	t.records = append(t.records, ev)
	if len(t.records) > maxRecords {
		t.records = t.records[len(t.records)-maxRecords:]
	}
	if ev.Reason != "" {
		t.reasonCount[ev.Reason]++
		t.errorEvents.WithLabelValues(ev.Component, ev.Stage, ev.Reason).Inc()
	}
	t.mu.Unlock()

	switch ev.Stage {
	case "signal_wait":
		t.signals.Inc()
	case "execution":
		if ev.Reason == "" {
			t.positions.Inc()
		}
	}

	t.logger.Debug("trace",
		zap.String("component", ev.Component),
		zap.String("stage", ev.Stage),
		zap.String("symbol", ev.Symbol),
		zap.String("correlation_id", ev.CorrelationID),
		zap.String("reason", ev.Reason),
	)
}

// RecordCycle observes one cycle's duration against the latency histogram and
// increments the cycle counter. Called by the engine after each successful cycle,
// not by Trace itself, since a cycle has no single timestamp event of its own.
func (t *Tracer) RecordCycle(duration time.Duration) {
	t.cycles.Inc()
	t.cycleLatency.Observe(duration.Seconds())
}

// Recent returns up to `limit` most recent trace records, newest last.
func (t *Tracer) Recent(limit int) []engine.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 || limit > len(t.records) {
		limit = len(t.records)
	}
	out := make([]engine.Event, limit)
	copy(out, t.records[len(t.records)-limit:])
	return out
}

// ReasonCounts returns a copy of the per-reason occurrence counters.
func (t *Tracer) ReasonCounts() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.reasonCount))
	for k, v := range t.reasonCount {
		out[k] = v
	}
	return out
}

// Record is one persistence-sink entry: an opaque, already-serializable payload
// keyed by id.
type Record struct {
	ID   string
	Kind string
	Data map[string]any
	At   int64
}

// PersistenceSink is the fire-and-forget persistence contract. Adapters (a
// database, an object store) implement this; the core only ever calls it, never
// reads it back.
type PersistenceSink interface {
	Append(r Record)
	Upsert(id string, r Record)
}

// MemorySink is the in-process reference PersistenceSink implementation. Wiring a
// real store is the constructing adapter's decision, not the core's.
type MemorySink struct {
	mu   sync.Mutex
	log  []Record
	byID map[string]Record
}

// NewMemorySink constructs an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{byID: make(map[string]Record)}
}

// Append adds r to the append-only log, fire-and-forget.
func (s *MemorySink) Append(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, r)
}

// Upsert replaces (or inserts) r keyed by id, fire-and-forget.
func (s *MemorySink) Upsert(id string, r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = r
}

// Get returns the current upserted record for id, if any.
func (s *MemorySink) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	return r, ok
}

// Log returns a copy of the append-only log.
func (s *MemorySink) Log() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.log))
	copy(out, s.log)
	return out
}
