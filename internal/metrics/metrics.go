package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slipway_tasks_submitted_total",
		Help: "Lifecycle tasks accepted, by intent.",
	}, []string{"intent"})
	TasksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slipway_tasks_rejected_total",
		Help: "Lifecycle tasks rejected because the gateway is draining.",
	})
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slipway_state_transitions_total",
		Help: "Project state transitions, by source and destination state.",
	}, []string{"from", "to"})
	TransitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "slipway_transition_duration_seconds",
		Help:    "Duration of a single state transition.",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "slipway_queue_depth",
		Help: "Tasks waiting per worker shard.",
	}, []string{"shard"})
	ProjectsErrored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slipway_projects_errored_total",
		Help: "Projects that reached the errored state.",
	})
	ProxyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slipway_proxy_requests_total",
		Help: "User-plane requests, by HTTP status code.",
	}, []string{"code"})
	ProxyResumes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slipway_proxy_resumes_total",
		Help: "Stopped projects resumed by incoming traffic.",
	})
	CertIssuance = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "slipway_cert_issuance_total",
		Help: "ACME certificate issuance attempts, by outcome.",
	}, []string{"outcome"})
	IdleStops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "slipway_idle_stops_total",
		Help: "Projects stopped by the idle sweep.",
	})
)
