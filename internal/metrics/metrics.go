// Package metrics holds the prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Device sessions
	ConnectedDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "possync_connected_devices",
			Help: "Number of devices currently connected over the socket protocol",
		},
	)

	BroadcastsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "possync_broadcasts_total",
			Help: "Total number of events broadcast to devices",
		},
		[]string{"event"},
	)

	DroppedMessages = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "possync_dropped_messages_total",
			Help: "Messages dropped because a device send buffer was full",
		},
	)

	// Merge policy
	MergesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "possync_merges_total",
			Help: "Total number of merge attempts by result",
		},
		[]string{"result"}, // "changed", "unchanged", "locked", "invalid"
	)

	RejectedKeys = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "possync_rejected_keys_total",
			Help: "Empty overwrites refused for protected sections",
		},
		[]string{"section"},
	)

	// Persistence
	SaveFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "possync_save_failures_total",
			Help: "Total number of failed document saves",
		},
	)

	BackupFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "possync_backup_failures_total",
			Help: "Total number of failed backup copies",
		},
	)

	ExternalWrites = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "possync_external_writes_total",
			Help: "Writes to the data file not made by this process",
		},
	)

	// Cloud relay
	RelayPushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "possync_relay_pushes_total",
			Help: "Document pushes to the upstream cloud by result",
		},
		[]string{"result"}, // "success", "error", "open", "skipped"
	)

	RelayBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "possync_relay_breaker_state",
			Help: "Cloud relay circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)
)
