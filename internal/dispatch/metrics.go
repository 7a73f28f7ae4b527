package dispatch

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Subsystem: "manager",
		Name:      "tasks_total",
		Help:      "Completed send-task round trips",
	})

	taskTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Subsystem: "manager",
		Name:      "task_timeouts_total",
		Help:      "Round trips abandoned on client timeout",
	})

	workersReady = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Subsystem: "manager",
		Name:      "workers_ready_total",
		Help:      "Workers that reached readiness",
	})

	startupFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dispatchd",
		Subsystem: "manager",
		Name:      "startup_failures_total",
		Help:      "Workers force-cleaned after failing to reach readiness",
	})
)

func init() {
	prometheus.MustRegister(tasksTotal, taskTimeouts, workersReady, startupFailures)
}
