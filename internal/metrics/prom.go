package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_events_processed_total",
	Help: "Number of inbound events processed, by kind.",
}, []string{"kind"})

var eventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_events_dropped_total",
	Help: "Number of inbound events dropped before evaluation, by reason.",
}, []string{"reason"})

var spamDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_spam_decisions_total",
	Help: "Anti-spam decisions, by outcome.",
}, []string{"outcome"})

var actionsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "warden_actions_total",
	Help: "Moderation effects sent to the platform, by action and result.",
}, []string{"action", "result"})

var trackedEntries = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "warden_spam_tracked_entries",
	Help: "Live repetition counters held by the detector.",
})

var evaluateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "warden_message_evaluate_duration_seconds",
	Help:    "Time spent handling one message event end to end.",
	Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
})

func ObserveEvent(kind string) {
	eventsProcessed.WithLabelValues(kind).Inc()
}

func ObserveDrop(reason string) {
	eventsDropped.WithLabelValues(reason).Inc()
}

// ObserveDecision counts one decision: "pass", "suppress" or "restrict".
func ObserveDecision(outcome string) {
	spamDecisions.WithLabelValues(outcome).Inc()
}

func ObserveAction(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	actionsApplied.WithLabelValues(action, result).Inc()
}

func SetTracked(n int) {
	trackedEntries.Set(float64(n))
}

func ObserveEvaluate(seconds float64) {
	evaluateDuration.Observe(seconds)
}
