package driver

import "github.com/prometheus/client_golang/prometheus"

const namespace = "mediagraph"

// Metrics of all the drivers of a process.
type Metrics struct {
	iterations     *prometheus.CounterVec
	underruns      *prometheus.CounterVec
	duration       *prometheus.GaugeVec
	switches       *prometheus.CounterVec
	fallbacks      prometheus.Counter
	skipped        prometheus.Counter
	deviceSwitches prometheus.Counter
	overflows      prometheus.Counter
}

type kindMetrics struct {
	iterations prometheus.Counter
	underruns  prometheus.Counter
	duration   prometheus.Gauge
}

// NewMetrics creates driver metrics registered with reg if it's not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "driver", Name: "iterations_total",
			Help: "Graph iterations run by drivers.",
		}, []string{"kind"}),
		underruns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "driver", Name: "underruns_total",
			Help: "Iterations clamped to the state computed time.",
		}, []string{"kind"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "driver", Name: "iteration_duration_seconds",
			Help: "Smoothed duration of an iteration.",
		}, []string{"kind"}),
		switches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "driver", Name: "switches_total",
			Help: "Driver hand-offs.",
		}, []string{"from", "to"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "driver", Name: "fallbacks_total",
			Help: "Audio stream failures replaced with the system clock.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "driver", Name: "skipped_callbacks_total",
			Help: "Audio callbacks served from the spill buffer only.",
		}),
		deviceSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "driver", Name: "device_switches_total",
			Help: "Output device changes handled with a temporary system clock.",
		}),
		overflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "driver", Name: "spill_overflows_total",
			Help: "Mixed frames dropped because the spill buffer was full.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.iterations, m.underruns, m.duration, m.switches,
			m.fallbacks, m.skipped, m.deviceSwitches, m.overflows)
	}
	return m
}

func (m *Metrics) forKind(k Kind) kindMetrics {
	return kindMetrics{
		iterations: m.iterations.WithLabelValues(k.String()),
		underruns:  m.underruns.WithLabelValues(k.String()),
		duration:   m.duration.WithLabelValues(k.String()),
	}
}

func (m *Metrics) switched(from, to Kind) {
	m.switches.WithLabelValues(from.String(), to.String()).Inc()
}
