// Package metrics wires the recorder's counters and histograms into
// Prometheus, the metrics stack used throughout the teacher repository.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Recorder holds every metric the stream recorder emits. A nil Registerer
// passed to New is treated as "don't register anywhere" so the recorder
// works standalone without a caller-supplied registry. DNSResolutionFailure
// is registered, but no code in this module increments it; DNS failures are
// only logged by resolver.Manager.
type Recorder struct {
	SpansSubmitted       prometheus.Counter
	SpansDropped         prometheus.Counter
	ReportsSent          prometheus.Counter
	ReportSendErrors     prometheus.Counter
	DNSResolutionFailure prometheus.Counter
	BufferFillRatio      prometheus.Gauge
	FlushDuration        prometheus.Histogram
}

// New constructs and, if reg is non-nil, registers the recorder's metrics.
// component is attached to every metric as a constant "component" label so
// tracer instances with different component names can share a registry.
func New(reg prometheus.Registerer, component string) *Recorder {
	labels := prometheus.Labels{"component": component}
	m := &Recorder{
		SpansSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "relaytrace",
			Name:        "spans_submitted_total",
			Help:        "Total spans submitted to the recorder.",
			ConstLabels: labels,
		}),
		SpansDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "relaytrace",
			Name:        "spans_dropped_total",
			Help:        "Total spans dropped due to backpressure or shutdown.",
			ConstLabels: labels,
		}),
		ReportsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "relaytrace",
			Name:        "reports_sent_total",
			Help:        "Total reports successfully delivered to a satellite.",
			ConstLabels: labels,
		}),
		ReportSendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "relaytrace",
			Name:        "report_send_errors_total",
			Help:        "Total report send attempts that failed against every known satellite.",
			ConstLabels: labels,
		}),
		DNSResolutionFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "relaytrace",
			Name:        "dns_resolution_failures_total",
			Help:        "Total failed DNS resolution attempts across all endpoints.",
			ConstLabels: labels,
		}),
		BufferFillRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "relaytrace",
			Name:        "buffer_fill_ratio",
			Help:        "Fraction of the span ring buffer currently occupied.",
			ConstLabels: labels,
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "relaytrace",
			Name:        "flush_duration_seconds",
			Help:        "Time spent in one flush cycle, from allot to consume.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.SpansSubmitted, m.SpansDropped, m.ReportsSent,
			m.ReportSendErrors, m.DNSResolutionFailure, m.BufferFillRatio, m.FlushDuration,
		)
	}
	return m
}
