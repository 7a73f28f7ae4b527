package broker

import "github.com/prometheus/client_golang/prometheus"

var (
	forwardedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Subsystem: "broker",
		Name:      "forwarded_total",
		Help:      "Client requests forwarded to a worker",
	})

	relayedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Subsystem: "broker",
		Name:      "relayed_total",
		Help:      "Worker replies relayed back to a client",
	})

	malformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Subsystem: "broker",
		Name:      "malformed_total",
		Help:      "Client messages rejected before reaching a worker",
	})

	workersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dispatchd",
		Subsystem: "broker",
		Name:      "registered_workers",
		Help:      "Currently registered worker identities",
	})
)

func init() {
	prometheus.MustRegister(forwardedTotal, relayedTotal, malformedTotal, workersGauge)
}
