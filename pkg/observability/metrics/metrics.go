package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mockhub",
		Name:      "is_leader",
		Help:      "1 if this process holds the HTTP listener, else 0",
	})

	Registrants = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mockhub",
		Name:      "registrants",
		Help:      "Number of processes whose routes are served by this leader",
	})

	ElectionOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mockhub",
		Name:      "election_attempts_total",
		Help:      "Leader discovery attempts by outcome",
	}, []string{"outcome"})

	ControlMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mockhub",
		Subsystem: "control",
		Name:      "messages_total",
		Help:      "Control messages received by type and result",
	}, []string{"type", "result"})

	ControlConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mockhub",
		Subsystem: "control",
		Name:      "connections",
		Help:      "Open follower control connections",
	})

	FollowerExpirations = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mockhub",
		Subsystem: "control",
		Name:      "follower_expirations_total",
		Help:      "Followers dropped after their grace period elapsed",
	})

	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mockhub",
		Subsystem: "control",
		Name:      "reconnect_attempts_total",
		Help:      "Follower reconnect attempts by result",
	}, []string{"result"})

	HTTPResponses = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mockhub",
		Subsystem: "http",
		Name:      "responses_total",
		Help:      "Mock responses served by status code",
	}, []string{"code"})
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
	once.Do(func() {
		prometheus.MustRegister(IsLeader)
		prometheus.MustRegister(Registrants)
		prometheus.MustRegister(ElectionOutcomes)
		prometheus.MustRegister(ControlMessages)
		prometheus.MustRegister(ControlConnections)
		prometheus.MustRegister(FollowerExpirations)
		prometheus.MustRegister(Reconnects)
		prometheus.MustRegister(HTTPResponses)
	})
}
