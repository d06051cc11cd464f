package target

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	rebuilds    prometheus.Counter
	dropped     *prometheus.CounterVec
	virtual     prometheus.Gauge
	activations *prometheus.CounterVec
	stepLatency *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		rebuilds: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Name: "osdbg_overlay_rebuilds_total",
			Help: "Thread list rebuilds, one per stop or plugin change",
		})),
		dropped: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdbg_overlay_dropped_threads_total",
			Help: "Virtual threads left out of a view because the plugin answer was malformed",
		}, []string{"reason"})),
		virtual: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "osdbg_overlay_virtual_threads",
			Help: "Virtual threads in the current view",
		})),
		activations: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "osdbg_overlay_activations_total",
			Help: "OS plugin activation attempts",
		}, []string{"result"})),
		stepLatency: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "osdbg_step_duration_seconds",
			Help:    "Time from resume to merged stop",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"})),
	}
}

// register adds c to reg, reusing an already registered collector so that
// several processes in one session share series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}
