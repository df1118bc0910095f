// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "checkin_decisions_total",
		Help:      "Check-in verdicts by decision.",
	}, []string{"decision"})

	ShortCircuits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "checkin_short_circuits_total",
		Help:      "Attempts rejected before scoring, by error code.",
	}, []string{"code"})

	RiskScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendguard",
		Name:      "checkin_risk_score",
		Help:      "Composite risk scores of scored attempts.",
		Buckets:   prometheus.LinearBuckets(0, 10, 11),
	})

	VerifyLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendguard",
		Name:      "checkin_verify_seconds",
		Help:      "Synchronous verification latency.",
		Buckets:   prometheus.DefBuckets,
	})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "fraud_alerts_total",
		Help:      "Fraud alerts created, by type and severity.",
	}, []string{"type", "severity"})

	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "notification_deliveries_total",
		Help:      "Channel delivery attempts, by channel and outcome.",
	}, []string{"channel", "outcome"})

	MessagesFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "notification_messages_finished_total",
		Help:      "Messages reaching a terminal status.",
	}, []string{"status"})

	QueueBatch = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendguard",
		Name:      "notification_tick_batch_size",
		Help:      "Messages pulled per queue tick.",
		Buckets:   prometheus.LinearBuckets(0, 1, 11),
	})

	Escalations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "notification_escalations_total",
		Help:      "Escalation messages emitted for unresolved alerts.",
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "notification_rate_limited_total",
		Help:      "Messages refused by the per-recipient limiter.",
	})
)
