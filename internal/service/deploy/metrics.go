package deploy

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/saturn/internal/domain"
)

// Metrics counts queue activity. A nil *Metrics records nothing.
type Metrics struct {
	createdTotal     *prometheus.CounterVec
	admittedTotal    prometheus.Counter
	dispatchFailures prometheus.Counter
	cancelledTotal   *prometheus.CounterVec
	completedTotal   *prometheus.CounterVec
	stopFailedTotal  prometheus.Counter
}

// NewMetrics registers queue collectors on reg, reusing collectors that are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		createdTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "queue",
			Name:      "deployments_created_total",
			Help:      "Queue entries created, by resource kind",
		}, []string{"kind"}),
		admittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "queue",
			Name:      "deployments_admitted_total",
			Help:      "Queue entries moved to in_progress",
		}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "queue",
			Name:      "dispatch_failures_total",
			Help:      "Hand-offs the execution backend refused",
		}),
		cancelledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "queue",
			Name:      "cancellations_total",
			Help:      "Cancelled deployments, by whether they were running",
		}, []string{"running"}),
		completedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "queue",
			Name:      "deployments_completed_total",
			Help:      "Deployments reaching finished or failed",
		}, []string{"status"}),
		stopFailedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "saturn",
			Subsystem: "queue",
			Name:      "stop_signal_failures_total",
			Help:      "Stop signals the execution backend did not accept",
		}),
	}
	if reg == nil {
		return m
	}
	m.createdTotal = register(reg, m.createdTotal)
	m.admittedTotal = register(reg, m.admittedTotal)
	m.dispatchFailures = register(reg, m.dispatchFailures)
	m.cancelledTotal = register(reg, m.cancelledTotal)
	m.completedTotal = register(reg, m.completedTotal)
	m.stopFailedTotal = register(reg, m.stopFailedTotal)
	return m
}

func register[C prometheus.Collector](reg prometheus.Registerer, collector C) C {
	if err := reg.Register(collector); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return collector
}

func (m *Metrics) created(kind domain.ResourceKind) {
	if m == nil {
		return
	}
	m.createdTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) admitted() {
	if m == nil {
		return
	}
	m.admittedTotal.Inc()
}

func (m *Metrics) dispatchFailed() {
	if m == nil {
		return
	}
	m.dispatchFailures.Inc()
}

func (m *Metrics) cancelled(running bool) {
	if m == nil {
		return
	}
	label := "false"
	if running {
		label = "true"
	}
	m.cancelledTotal.WithLabelValues(label).Inc()
}

func (m *Metrics) completed(status domain.DeploymentStatus) {
	if m == nil {
		return
	}
	m.completedTotal.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) stopFailed() {
	if m == nil {
		return
	}
	m.stopFailedTotal.Inc()
}
