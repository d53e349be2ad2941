// Package metrics defines the Prometheus collectors updated by the Pingu engine.
//
// A nil *Metrics is valid and records nothing, so components and tests can
// run without a registry.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "pingu"

// Check result label values.
const (
	ResultOnline  = "online"
	ResultOffline = "offline"
	ResultError   = "error"
)

// Log result label values.
const (
	LogWritten = "written"
	LogSkipped = "skipped"
	LogFailed  = "error"
)

// Metrics contains all the Prometheus metrics used by the engine.
type Metrics struct {
	ChecksTotal           *prometheus.CounterVec
	TransitionsTotal      *prometheus.CounterVec
	NotificationsTotal    *prometheus.CounterVec
	LogsTotal             *prometheus.CounterVec
	DeviceUp              *prometheus.GaugeVec
	DelayedActionsPending *prometheus.GaugeVec
	CheckDuration         *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "checks_total",
				Help:      "Total number of device checks by result (online, offline, error)",
			},
			[]string{"device", "result"},
		),

		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transitions_total",
				Help:      "Total number of state transitions by new state",
			},
			[]string{"device", "state"},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Total number of notifier calls by outcome",
			},
			[]string{"notifier", "outcome"},
		),

		LogsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "logs_total",
				Help:      "Total number of logger decisions by result (written, skipped, error)",
			},
			[]string{"logger", "result"},
		),

		DeviceUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_up",
				Help:      "Last observed state of a device (1 = ONLINE, 0 = OFFLINE)",
			},
			[]string{"device"},
		),

		DelayedActionsPending: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "delayed_actions_pending",
				Help:      "Number of delayed remediation actions waiting to fire, by owning scheduler",
			},
			[]string{"owner"},
		),

		CheckDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "check_duration_seconds",
				Help:      "Duration of device checks in seconds",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"device"},
		),
	}

	if reg != nil {
		for _, collector := range m.collectors() {
			if err := reg.Register(collector); err != nil {
				return nil, fmt.Errorf("failed to register metric: %w", err)
			}
		}
	}

	return m, nil
}

// NewRegistry returns a fresh registry carrying the Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return registry
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ChecksTotal,
		m.TransitionsTotal,
		m.NotificationsTotal,
		m.LogsTotal,
		m.DeviceUp,
		m.DelayedActionsPending,
		m.CheckDuration,
	}
}

// Unregister removes all collectors from reg.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	if m == nil || reg == nil {
		return
	}
	for _, collector := range m.collectors() {
		reg.Unregister(collector)
	}
}

// ObserveCheck records one Check call. online is ignored when err is non-nil.
func (m *Metrics) ObserveCheck(device string, online bool, err error, took time.Duration) {
	if m == nil {
		return
	}

	m.CheckDuration.WithLabelValues(device).Observe(took.Seconds())

	switch {
	case err != nil:
		m.ChecksTotal.WithLabelValues(device, ResultError).Inc()
	case online:
		m.ChecksTotal.WithLabelValues(device, ResultOnline).Inc()
		m.DeviceUp.WithLabelValues(device).Set(1)
	default:
		m.ChecksTotal.WithLabelValues(device, ResultOffline).Inc()
		m.DeviceUp.WithLabelValues(device).Set(0)
	}
}

// ObserveTransition records a state change.
func (m *Metrics) ObserveTransition(device, state string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(device, state).Inc()
}

// ObserveNotification records the final outcome of one notifier call.
func (m *Metrics) ObserveNotification(notifier, outcome string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(notifier, outcome).Inc()
}

// ObserveLog records one logger decision.
func (m *Metrics) ObserveLog(logger, result string) {
	if m == nil {
		return
	}
	m.LogsTotal.WithLabelValues(logger, result).Inc()
}

// SetPendingActions reports the number of pending delayed actions of one scheduler.
func (m *Metrics) SetPendingActions(owner string, n int) {
	if m == nil {
		return
	}
	m.DelayedActionsPending.WithLabelValues(owner).Set(float64(n))
}

// ForgetDevice drops every series labelled with device, so a device removed
// by a reload stops being exported.
func (m *Metrics) ForgetDevice(device string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"device": device}
	m.ChecksTotal.DeletePartialMatch(labels)
	m.TransitionsTotal.DeletePartialMatch(labels)
	m.DeviceUp.DeletePartialMatch(labels)
	m.CheckDuration.DeletePartialMatch(labels)
}
