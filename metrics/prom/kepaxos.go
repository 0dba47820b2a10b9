package prom

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/chorny/shardcache/kepaxos"
)

// KePaxosAdapter implements kepaxos.Metrics: fast-path vs slow-path
// commit counts, timeouts, recoveries, and messages sent by type.
type KePaxosAdapter struct {
	started    prometheus.Counter
	fastPath   prometheus.Counter
	slowPath   prometheus.Counter
	timedOut   prometheus.Counter
	recoveries prometheus.Counter
	sent       *prometheus.CounterVec
}

// NewKePaxos constructs a Prometheus metrics adapter for kepaxos.Engine.
func NewKePaxos(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *KePaxosAdapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	a := &KePaxosAdapter{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "kepaxos_commands_started_total",
			Help: "Commands originated via RunCommand", ConstLabels: constLabels,
		}),
		fastPath: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "kepaxos_fast_path_commits_total",
			Help: "Commits taken on the PreAccept fast path", ConstLabels: constLabels,
		}),
		slowPath: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "kepaxos_slow_path_commits_total",
			Help: "Commits requiring the Accept slow path", ConstLabels: constLabels,
		}),
		timedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "kepaxos_commands_timed_out_total",
			Help: "In-flight commands expired by the background scanner", ConstLabels: constLabels,
		}),
		recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "kepaxos_recoveries_triggered_total",
			Help: "Callbacks.Recover invocations", ConstLabels: constLabels,
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: sub, Name: "kepaxos_messages_sent_total",
			Help: "Wire messages sent by type", ConstLabels: constLabels,
		}, []string{"mtype"}),
	}
	reg.MustRegister(a.started, a.fastPath, a.slowPath, a.timedOut, a.recoveries, a.sent)
	return a
}

func (a *KePaxosAdapter) CommandStarted()    { a.started.Inc() }
func (a *KePaxosAdapter) FastPathCommit()    { a.fastPath.Inc() }
func (a *KePaxosAdapter) SlowPathCommit()    { a.slowPath.Inc() }
func (a *KePaxosAdapter) CommandTimedOut()   { a.timedOut.Inc() }
func (a *KePaxosAdapter) RecoveryTriggered() { a.recoveries.Inc() }
func (a *KePaxosAdapter) MessageSent(mtype byte) {
	a.sent.WithLabelValues(strconv.Itoa(int(mtype))).Inc()
}

// Compile-time check: ensure KePaxosAdapter implements kepaxos.Metrics.
var _ kepaxos.Metrics = (*KePaxosAdapter)(nil)
