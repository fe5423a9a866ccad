package metrics

import (
	"net/http"
	"time"

	"github.com/linluma/feedwatch/shared/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RecoveryResult labels recovery command outcomes
type RecoveryResult string

// Recovery command outcomes
const (
	RecoveryIssued    RecoveryResult = "issued"
	RecoverySucceeded RecoveryResult = "succeeded"
	RecoveryFailed    RecoveryResult = "failed"
)

var (
	// Registry holds the watchdog's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	feedConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "feedwatch",
			Subsystem: "feed",
			Name:      "connected",
			Help:      "Feed WebSocket status (1=connected, 0=disconnected).",
		},
		[]string{"feed"},
	)

	messageGap = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "feedwatch",
			Subsystem: "feed",
			Name:      "message_gap_seconds",
			Help:      "Time between consecutive feed messages.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"feed"},
	)

	breaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedwatch",
			Subsystem: "feed",
			Name:      "breaches_total",
			Help:      "Detected feed failures by kind.",
		},
		[]string{"feed", "kind"},
	)

	recoveryCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "feedwatch",
			Subsystem: "recovery",
			Name:      "commands_total",
			Help:      "Restart commands by outcome.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		feedConnected,
		messageGap,
		breaches,
		recoveryCommands,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordRecoveryCommand counts one recovery command outcome
func RecordRecoveryCommand(result RecoveryResult) {
	recoveryCommands.WithLabelValues(string(result)).Inc()
}

// RecoveryCommands exposes the recovery counter for tests
func RecoveryCommands() *prometheus.CounterVec {
	return recoveryCommands
}

// Observer feeds tracker state changes into the Prometheus collectors
type Observer struct{}

// NewObserver returns a metrics observer. Every feed in ids starts out
// reported as disconnected.
func NewObserver(ids []models.FeedID) *Observer {
	for _, id := range ids {
		feedConnected.WithLabelValues(string(id)).Set(0)
	}
	return &Observer{}
}

// ConnectionChanged sets the connected gauge
func (o *Observer) ConnectionChanged(id models.FeedID, connected bool) {
	value := 0.0
	if connected {
		value = 1
	}
	feedConnected.WithLabelValues(string(id)).Set(value)
}

// GapObserved records an inter-message gap
func (o *Observer) GapObserved(id models.FeedID, gap time.Duration) {
	messageGap.WithLabelValues(string(id)).Observe(gap.Seconds())
}

// BreachDetected counts a failure of the given kind
func (o *Observer) BreachDetected(id models.FeedID, kind models.BreachKind) {
	breaches.WithLabelValues(string(id), string(kind)).Inc()
}
