// Package metrics exposes the bridge's Prometheus instrumentation: active
// session count, BLE connect outcomes and timing, and packet throughput by
// direction. The core calls the Inc/Observe/Set helpers directly; nothing
// here decides business logic.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ble_bridge_active_sessions",
		Help: "The number of sessions currently registered with the Session Manager",
	})

	ConnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_bridge_connects_total",
		Help: "The total number of BLE connect attempts by outcome",
	}, []string{"outcome"})

	ScanDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ble_bridge_scan_duration_seconds",
		Help:    "Time spent scanning for a matching peripheral per connect attempt",
		Buckets: prometheus.DefBuckets,
	})

	PacketsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_bridge_packets_total",
		Help: "The total number of packets moved through the bridge by direction",
	}, []string{"direction"})

	SessionsEvictedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ble_bridge_sessions_evicted_total",
		Help: "The total number of sessions torn down by reason",
	}, []string{"reason"})
)

// Connect outcome labels.
const (
	OutcomeSuccess              = "success"
	OutcomePoweredOff           = "powered_off"
	OutcomeScanTimeout          = "scan_timeout"
	OutcomeMultipleDevices      = "multiple_devices"
	OutcomeCharacteristicsMissing = "characteristics_missing"
	OutcomeSubscribeFailed      = "subscribe_failed"
	OutcomeConnectFailed        = "connect_failed"
)

// IncConnect records the outcome of one BLE connect attempt.
func IncConnect(outcome string) {
	ConnectsTotal.WithLabelValues(outcome).Inc()
}

// ObserveScanDuration records how long one scan attempt took.
func ObserveScanDuration(d time.Duration) {
	ScanDurationSeconds.Observe(d.Seconds())
}

// IncPacket records one packet moved in the given direction ("TX" or "RX").
func IncPacket(direction string) {
	PacketsTotal.WithLabelValues(direction).Inc()
}

// IncSessionEvicted records one session teardown by reason (e.g.
// "idle eviction", "zombie", "client request").
func IncSessionEvicted(reason string) {
	SessionsEvictedTotal.WithLabelValues(reason).Inc()
}

// SetActiveSessions sets the current session count gauge.
func SetActiveSessions(count int) {
	ActiveSessions.Set(float64(count))
}
