package phone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/siphook/pkg/engine"
	"github.com/arzzra/siphook/pkg/registration"
	"github.com/arzzra/siphook/pkg/session"
)

// metrics Prometheus метрики контроллера
type metrics struct {
	callsTotal          *prometheus.CounterVec
	admissionsRejected  prometheus.Counter
	liveCalls           prometheus.Gauge
	registrationStatus  *prometheus.GaugeVec
	stateTransitions    *prometheus.CounterVec
	mediaAttachFailures prometheus.Counter
	transfers           *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &metrics{
		callsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siphook",
			Subsystem: "phone",
			Name:      "calls_total",
			Help:      "Total number of call sessions created by direction",
		}, []string{"direction"}),
		admissionsRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "siphook",
			Subsystem: "phone",
			Name:      "admissions_rejected_total",
			Help:      "Inbound invites rejected with 486 while a call was live",
		}),
		liveCalls: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "siphook",
			Subsystem: "phone",
			Name:      "live_calls",
			Help:      "Number of live call sessions (0 or 1)",
		}),
		registrationStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "siphook",
			Subsystem: "phone",
			Name:      "registration_status",
			Help:      "Current registration status (1 for the active status)",
		}, []string{"status"}),
		stateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siphook",
			Subsystem: "phone",
			Name:      "session_state_transitions_total",
			Help:      "Total number of call session state transitions",
		}, []string{"to"}),
		mediaAttachFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "siphook",
			Subsystem: "phone",
			Name:      "media_attach_failures_total",
			Help:      "Total number of failed media attach attempts",
		}),
		transfers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "siphook",
			Subsystem: "phone",
			Name:      "transfers_total",
			Help:      "Total number of call transfers by mode and result",
		}, []string{"mode", "result"}),
	}
}

func (m *metrics) callStarted(d session.Direction) {
	m.callsTotal.WithLabelValues(d.String()).Inc()
	m.liveCalls.Set(1)
}

func (m *metrics) transition(to engine.State) {
	m.stateTransitions.WithLabelValues(to.String()).Inc()
	if to == engine.Terminated {
		m.liveCalls.Set(0)
	}
}

func (m *metrics) setRegistration(status registration.Status) {
	for _, s := range []registration.Status{registration.Disconnected, registration.Connected, registration.Registered} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.registrationStatus.WithLabelValues(s.String()).Set(v)
	}
}

func (m *metrics) transfer(mode TransferMode, result string) {
	m.transfers.WithLabelValues(string(mode), result).Inc()
}
