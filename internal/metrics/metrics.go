// Package metrics exports the error-taxonomy counters of spec.md §7 and
// the saturation/backpressure gauges of §4.4 and §4.9, via
// github.com/prometheus/client_golang (grounded in
// jinterlante1206-AleutianLocal, which wires the same client).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"sovereignhose/internal/model"
)

// Registry bundles every metric this process exports. A single
// Registry is created at startup and threaded through every subsystem
// rather than relying on package-level global state, so tests can spin
// up an isolated registry per case.
type Registry struct {
	Reg *prometheus.Registry

	errorsTotal    *prometheus.CounterVec
	verifierSat    prometheus.Gauge
	ingestSat      prometheus.Gauge
	tombstonesSet  prometheus.Counter
	shardSegments  *prometheus.GaugeVec
	shardOpenBytes *prometheus.GaugeVec
	egressMasked   prometheus.Counter
}

// New builds and registers a fresh metrics registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Reg: reg,
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sovereignhose",
			Name:      "errors_total",
			Help:      "Count of errors by taxonomy kind (spec §7).",
		}, []string{"kind"}),
		verifierSat: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereignhose",
			Name:      "verifier_saturated",
			Help:      "1 if the verifier pool's input channel was observed full.",
		}),
		ingestSat: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sovereignhose",
			Name:      "ingest_connections",
			Help:      "Current number of live ingestion connections.",
		}),
		tombstonesSet: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sovereignhose",
			Name:      "tombstones_set_total",
			Help:      "Count of tombstone bits set.",
		}),
		shardSegments: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sovereignhose",
			Name:      "shard_sealed_segments",
			Help:      "Sealed segment count per shard.",
		}, []string{"shard"}),
		shardOpenBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sovereignhose",
			Name:      "shard_open_cluster_bytes",
			Help:      "Uncompressed bytes buffered in the open cluster per shard.",
		}, []string{"shard"}),
		egressMasked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sovereignhose",
			Name:      "egress_tombstoned_omitted_total",
			Help:      "Count of messages omitted from egress streams due to tombstoning.",
		}),
	}

	reg.MustRegister(r.errorsTotal, r.verifierSat, r.ingestSat, r.tombstonesSet, r.shardSegments, r.shardOpenBytes, r.egressMasked)
	return r
}

// IncError increments the counter for one error-taxonomy bucket (§7).
func (r *Registry) IncError(kind model.ErrorKind) {
	r.errorsTotal.WithLabelValues(kind.String()).Inc()
}

// SetVerifierSaturated records the verifier pool's saturation flag (§4.4).
func (r *Registry) SetVerifierSaturated(saturated bool) {
	if saturated {
		r.verifierSat.Set(1)
	} else {
		r.verifierSat.Set(0)
	}
}

// SetIngestConnections records the live connection count (§4.9).
func (r *Registry) SetIngestConnections(n int) {
	r.ingestSat.Set(float64(n))
}

// IncTombstonesSet increments the tombstone-set counter (§4.7).
func (r *Registry) IncTombstonesSet() {
	r.tombstonesSet.Inc()
}

// SetShardSealedSegments records the sealed-segment count for a shard (§4.5).
func (r *Registry) SetShardSealedSegments(shard int, n int) {
	r.shardSegments.WithLabelValues(shardLabel(shard)).Set(float64(n))
}

// SetShardOpenClusterBytes records the open cluster buffer size for a shard.
func (r *Registry) SetShardOpenClusterBytes(shard int, n int) {
	r.shardOpenBytes.WithLabelValues(shardLabel(shard)).Set(float64(n))
}

// IncEgressMasked increments the tombstoned-message-omitted counter (§4.8).
func (r *Registry) IncEgressMasked() {
	r.egressMasked.Inc()
}

func shardLabel(shard int) string {
	const digits = "0123456789"
	if shard < 10 {
		return "0" + string(digits[shard])
	}
	return string(digits[shard/10]) + string(digits[shard%10])
}
