// Package prom adapts the arc and kepaxos engines' Metrics interfaces
// to Prometheus, using the usual namespace/subsystem/ConstLabels
// convention.
package prom

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chorny/shardcache/arc"
)

// ArcAdapter implements arc.Metrics and exports Prometheus counters/
// gauges for a single Cache. Safe for concurrent use; every Prometheus
// metric type already is.
type ArcAdapter struct {
	hits     *prometheus.CounterVec
	misses   prometheus.Counter
	ghostHit *prometheus.CounterVec
	evicts   *prometheus.CounterVec
	p        prometheus.Gauge
	sizes    *prometheus.GaugeVec
}

// NewArc constructs a Prometheus metrics adapter for arc.Cache.
//   - reg:         registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func NewArc(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *ArcAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &ArcAdapter{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "arc_hits_total",
			Help:        "ARC cache hits by list",
			ConstLabels: constLabels,
		}, []string{"list"}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "arc_misses_total",
			Help:        "ARC cache misses",
			ConstLabels: constLabels,
		}),
		ghostHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "arc_ghost_hits_total",
			Help:        "ARC ghost-list hits by list (drives the p adjustment)",
			ConstLabels: constLabels,
		}, []string{"list"}),
		evicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "arc_evictions_total",
			Help:        "ARC demotions into a ghost list",
			ConstLabels: constLabels,
		}, []string{"list"}),
		p: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "arc_p",
			Help:        "Current adaptive MRU/MFU target p",
			ConstLabels: constLabels,
		}),
		sizes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "arc_list_size_bytes",
			Help:        "Accounted byte size per list",
			ConstLabels: constLabels,
		}, []string{"list"}),
	}
	reg.MustRegister(a.hits, a.misses, a.ghostHit, a.evicts, a.p, a.sizes)
	return a
}

// Hit implements arc.Metrics.
func (a *ArcAdapter) Hit(state arc.State) { a.hits.WithLabelValues(state.String()).Inc() }

// Miss implements arc.Metrics.
func (a *ArcAdapter) Miss() { a.misses.Inc() }

// GhostHit implements arc.Metrics.
func (a *ArcAdapter) GhostHit(state arc.State) { a.ghostHit.WithLabelValues(state.String()).Inc() }

// Evict implements arc.Metrics.
func (a *ArcAdapter) Evict(state arc.State) { a.evicts.WithLabelValues(state.String()).Inc() }

// Balance implements arc.Metrics.
func (a *ArcAdapter) Balance(p, mru, mfu, mrug, mfug int64) {
	a.p.Set(float64(p))
	a.sizes.WithLabelValues("mru").Set(float64(mru))
	a.sizes.WithLabelValues("mfu").Set(float64(mfu))
	a.sizes.WithLabelValues("mrug").Set(float64(mrug))
	a.sizes.WithLabelValues("mfug").Set(float64(mfug))
}

// Compile-time check: ensure ArcAdapter implements arc.Metrics.
var _ arc.Metrics = (*ArcAdapter)(nil)
