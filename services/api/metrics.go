package api

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	enrollments        *prometheus.CounterVec
	enrollmentFailures *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		enrollments: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stj_enrollments_total",
			Help: "Successful enrollment runs by strategy.",
		}, []string{"strategy"})),
		enrollmentFailures: register(prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stj_enrollment_failures_total",
			Help: "Failed enrollment runs by failure kind.",
		}, []string{"kind"})),
	}
}

// register tolerates double registration so tests can build several API
// values against the default registry.
func register(c *prometheus.CounterVec) *prometheus.CounterVec {
	err := prometheus.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
			return existing
		}
	}
	return c
}
