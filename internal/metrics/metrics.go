// Package metrics holds the Prometheus collectors of the dispatch engine.
// They register on the default registry and are served on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Outcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_delivery_outcomes_total",
			Help: "Recorded delivery outcomes.",
		},
		[]string{
			"server",
			"kind", // sent, sent_test, invalid, error
		},
	)

	SendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsletter_send_duration_seconds",
			Help:    "Time to build and transmit one message.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"server"},
	)

	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsletter_transport_connections_total",
			Help: "Transport sessions opened.",
		},
		[]string{
			"server",
			"result", // ok, error
		},
	)

	Credits = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "newsletter_server_credits",
			Help: "Remaining hourly send credits at the last check.",
		},
		[]string{"server"},
	)

	ActiveExpeditions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "newsletter_active_expeditions",
			Help: "Campaigns currently interleaved by a round-robin dispatcher.",
		},
		[]string{"server"},
	)

	CampaignsHalted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsletter_campaign_runs_halted_total",
			Help: "Campaign runs stopped by a permanent content error.",
		},
	)
)
