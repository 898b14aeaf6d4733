// Package metrics instruments store operations with Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can carry an
// optional instance without nil checks at every call site.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blobber"

// Lookup operations.
const (
	OpOpen = "open"
	OpStat = "stat"
)

// Lookup outcomes.
const (
	OutcomeHit    = "hit"    // direct hit in the storage chain
	OutcomePrefix = "prefix" // resolved after prefix normalization
	OutcomeChild  = "child"  // served from an archive parent
	OutcomeMiss   = "miss"
)

// Metrics holds the collectors registered for a store.
type Metrics struct {
	lookups      *prometheus.CounterVec
	puts         *prometheus.CounterVec
	putBytes     prometheus.Counter
	parseErrors  prometheus.Counter
	skippedRoots prometheus.Counter
}

// New creates collectors and registers them with reg.
// Collectors already registered by an earlier store are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, errors.New("metrics: registerer is nil")
	}

	m := &Metrics{}
	var err error
	if m.lookups, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lookups_total",
		Help:      "Blob lookups by operation and outcome.",
	}, []string{"op", "outcome"})); err != nil {
		return nil, err
	}
	if m.puts, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "puts_total",
		Help:      "Put calls by outcome (stored or present).",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if m.putBytes, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "put_bytes_total",
		Help:      "Bytes written into storage by put.",
	})); err != nil {
		return nil, err
	}
	if m.parseErrors, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "meta",
		Name:      "parse_errors_total",
		Help:      "Metadata lines skipped because they could not be parsed.",
	})); err != nil {
		return nil, err
	}
	if m.skippedRoots, err = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "chain",
		Name:      "skipped_roots_total",
		Help:      "Configured storage roots ignored because they were missing or malformed.",
	})); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Lookup records the outcome of an open or stat.
func (m *Metrics) Lookup(op, outcome string) {
	if m == nil {
		return
	}
	m.lookups.WithLabelValues(op, outcome).Inc()
}

// Put records a put call. size is only counted for stored blobs.
func (m *Metrics) Put(stored bool, size int64) {
	if m == nil {
		return
	}
	if !stored {
		m.puts.WithLabelValues("present").Inc()
		return
	}
	m.puts.WithLabelValues("stored").Inc()
	if size > 0 {
		m.putBytes.Add(float64(size))
	}
}

// ParseError records a skipped metadata line.
func (m *Metrics) ParseError() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

// SkippedRoot records a configured root left out of the chain.
func (m *Metrics) SkippedRoot() {
	if m == nil {
		return
	}
	m.skippedRoots.Inc()
}
