// Package metrics is the engine's optional, injectable Prometheus
// surface — ambient observability, never consulted by core logic — for
// channel.Channel's read path, mirroring the retrieval pack's
// api/metrics.NewMetrics(namespace, registerer) shape.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mafile"

// Metrics holds the counters and gauge channel.Channel updates on its
// read path. A nil *Metrics is valid everywhere it's used; callers that
// don't want metrics simply never construct one.
type Metrics struct {
	FetchBytes      prometheus.Counter
	VerifyFailures  prometheus.Counter
	InflightTasks   prometheus.Gauge
}

// New builds and registers the engine's metrics against reg. Returns an
// error if any collector name collides with one already registered.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		FetchBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_bytes_total",
			Help:      "Total bytes fetched from transport across all node downloads.",
		}),
		VerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verify_failures_total",
			Help:      "Total node-download tasks that failed verification or transport.",
		}),
		InflightTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_tasks",
			Help:      "Number of node-download tasks currently in flight.",
		}),
	}

	for _, c := range []prometheus.Collector{m.FetchBytes, m.VerifyFailures, m.InflightTasks} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
