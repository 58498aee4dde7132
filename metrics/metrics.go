// Package metrics exposes spec.md §6's GC/allocator statistics surface
// as Prometheus collectors, grounded on the rest of the example pack's
// use of github.com/prometheus/client_golang for process
// instrumentation.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector this module registers. Construct one
// per Runtime and register it with whatever prometheus.Registerer the
// host process uses.
type Metrics struct {
	ObstackAllocBytes prometheus.Counter
	ObstackLiveCount  prometheus.Gauge

	CollectorCycles    prometheus.Counter
	CollectorScanBytes prometheus.Counter
	CollectorCopyBytes prometheus.Counter

	InternTableSize   prometheus.Gauge
	InternChainLength prometheus.Histogram

	RefcountCascadeDepth prometheus.Histogram
}

// New builds a Metrics with every collector instantiated but not yet
// registered.
func New() *Metrics {
	return &Metrics{
		ObstackAllocBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objruntime",
			Subsystem: "obstack",
			Name:      "alloc_bytes_total",
			Help:      "Total bytes bump-allocated across all Obstacks.",
		}),
		ObstackLiveCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objruntime",
			Subsystem: "obstack",
			Name:      "live_objects",
			Help:      "Number of RObj bodies currently tracked by an Obstack.",
		}),
		CollectorCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objruntime",
			Subsystem: "collector",
			Name:      "cycles_total",
			Help:      "Number of semi-space collection cycles run.",
		}),
		CollectorScanBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objruntime",
			Subsystem: "collector",
			Name:      "scan_bytes_total",
			Help:      "Bytes scanned while tracing reachable objects.",
		}),
		CollectorCopyBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "objruntime",
			Subsystem: "collector",
			Name:      "copy_bytes_total",
			Help:      "Bytes copied into to-space during collection.",
		}),
		InternTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "objruntime",
			Subsystem: "interntable",
			Name:      "size",
			Help:      "Number of objects currently listed in the InternTable.",
		}),
		InternChainLength: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "objruntime",
			Subsystem: "interntable",
			Name:      "bucket_chain_length",
			Help:      "Chain length observed by a lookup, for rehash tuning.",
			Buckets:   prometheus.LinearBuckets(0, 2, 8),
		}),
		RefcountCascadeDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "objruntime",
			Subsystem: "refcount",
			Name:      "cascade_depth",
			Help:      "Number of objects freed by one Decref's cascade.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
	}
}

// MustRegister registers every collector with reg, panicking on a
// duplicate registration (mirroring prometheus.MustRegister's own
// contract).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.ObstackAllocBytes,
		m.ObstackLiveCount,
		m.CollectorCycles,
		m.CollectorScanBytes,
		m.CollectorCopyBytes,
		m.InternTableSize,
		m.InternChainLength,
		m.RefcountCascadeDepth,
	)
}

// ObserveCollect folds one collector.Collector cycle's counters into
// the corresponding Prometheus collectors. Takes plain numbers rather
// than a *collector.Collector so this package doesn't need to import
// collector (which would otherwise be the only non-ambient dependency
// metrics has).
func (m *Metrics) ObserveCollect(cycles, scanBytes, copyBytes uint64) {
	if cycles > 0 {
		m.CollectorCycles.Add(float64(cycles))
	}
	m.CollectorScanBytes.Add(float64(scanBytes))
	m.CollectorCopyBytes.Add(float64(copyBytes))
}
