// Package metrics records operation counts, durations, byte volumes,
// and error categories, labelled by operation name. Within this module
// the sync engine records its per-key moves ("sync.move"); filestore
// and SFTP operations are not recorded here. Metrics are Prometheus
// collectors registered against a caller-supplied registry; an embedding
// process decides whether and how to expose them.
package metrics

import (
	"time"

	"github.com/featherbutt/dolt-annex/pkg/annexerr"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector owns the Prometheus instruments for one logical process.
type Collector struct {
	operations *prometheus.CounterVec
	durations  *prometheus.HistogramVec
	bytes      *prometheus.CounterVec
	errors     *prometheus.CounterVec
}

// NewCollector builds a Collector and registers its instruments on reg.
// Passing nil registers on a private registry, which keeps tests (and
// any embedder that only wants the Go-side counters) from colliding
// with the process-default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dolt_annex_operations_total",
			Help: "Operations by type and outcome.",
		}, []string{"operation", "status"}),
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dolt_annex_operation_duration_seconds",
			Help:    "Operation latency by type.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"operation"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dolt_annex_bytes_total",
			Help: "Payload bytes handled by type.",
		}, []string{"operation"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dolt_annex_errors_total",
			Help: "Errors by operation and taxonomy code.",
		}, []string{"operation", "code"}),
	}
	reg.MustRegister(c.operations, c.durations, c.bytes, c.errors)
	return c
}

// RecordOperation records one completed operation: its latency, the
// payload bytes it handled (0 when not applicable), and whether it
// succeeded.
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	status := "ok"
	if !success {
		status = "error"
	}
	c.operations.WithLabelValues(operation, status).Inc()
	c.durations.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.bytes.WithLabelValues(operation).Add(float64(size))
	}
}

// RecordError counts err against operation, labeled by its taxonomy
// code when it carries one and "other" when it doesn't.
func (c *Collector) RecordError(operation string, err error) {
	code := "other"
	for _, known := range []annexerr.Code{
		annexerr.NotFound,
		annexerr.AlreadyExists,
		annexerr.KeyMismatch,
		annexerr.Unsupported,
		annexerr.AuthFailed,
		annexerr.ModifiedConflict,
		annexerr.Transient,
		annexerr.Fatal,
	} {
		if annexerr.Is(err, known) {
			code = string(known)
			break
		}
	}
	c.errors.WithLabelValues(operation, code).Inc()
}
