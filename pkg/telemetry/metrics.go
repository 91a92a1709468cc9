package telemetry

import "github.com/prometheus/client_golang/prometheus"

// ServiceMetrics counts saga event traffic for one service.
type ServiceMetrics struct {
	Published    prometheus.Counter
	Consumed     prometheus.Counter
	Failed       prometheus.Counter
	Retried      prometheus.Counter
	DeadLettered prometheus.Counter
}

func NewServiceMetrics(service string, reg prometheus.Registerer) *ServiceMetrics {
	labels := prometheus.Labels{"service": service}

	m := &ServiceMetrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "saga_events_published_total",
			Help:        "Total saga events published by service",
			ConstLabels: labels,
		}),
		Consumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "saga_events_consumed_total",
			Help:        "Total saga events consumed by service",
			ConstLabels: labels,
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "saga_events_failed_total",
			Help:        "Total saga event processing failures",
			ConstLabels: labels,
		}),
		Retried: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "saga_events_retried_total",
			Help:        "Total saga event redeliveries scheduled after handler failure",
			ConstLabels: labels,
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "saga_events_dead_lettered_total",
			Help:        "Total saga events routed to the dead-letter queue",
			ConstLabels: labels,
		}),
	}

	reg.MustRegister(m.Published, m.Consumed, m.Failed, m.Retried, m.DeadLettered)
	return m
}
