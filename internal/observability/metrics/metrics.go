package metrics

import "github.com/prometheus/client_golang/prometheus"

// CoreMetrics exposes counters/histograms for core commands.
type CoreMetrics struct {
	commandsTotal   *prometheus.CounterVec
	commandLatency  *prometheus.HistogramVec
	snapshotsTotal  *prometheus.CounterVec
	lockWaitTimeout prometheus.Counter
}

func NewCoreMetrics(reg prometheus.Registerer) *CoreMetrics {
	m := &CoreMetrics{
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "core",
			Name:      "commands_total",
			Help:      "Total core commands by operation and outcome kind",
		}, []string{"operation", "outcome"}),
		commandLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "core",
			Name:      "command_latency_seconds",
			Help:      "Latency of core commands",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		snapshotsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "snapshot",
			Name:      "saves_total",
			Help:      "Total snapshot saves by status",
		}, []string{"status"}),
		lockWaitTimeout: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "core",
			Name:      "lock_not_acquired_total",
			Help:      "Commands rejected because a critical section stayed busy",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.commandsTotal, m.commandLatency, m.snapshotsTotal, m.lockWaitTimeout)
	return m
}

// ObserveCommand records one finished command. outcome is "ok" or an error kind.
func (m *CoreMetrics) ObserveCommand(operation, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(operation, outcome).Inc()
	m.commandLatency.WithLabelValues(operation).Observe(seconds)
}

func (m *CoreMetrics) ObserveSnapshot(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.snapshotsTotal.WithLabelValues(status).Inc()
}

func (m *CoreMetrics) ObserveLockBusy() {
	if m == nil {
		return
	}
	m.lockWaitTimeout.Inc()
}
