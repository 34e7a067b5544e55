package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "streamharness"

// Recorder collects the metrics of harness runs on a private registry. A nil
// *Recorder records nothing.
type Recorder struct {
	runs        *prometheus.CounterVec
	steps       *prometheus.HistogramVec
	exitCode    prometheus.Gauge
	forcedKills *prometheus.CounterVec

	registry *prometheus.Registry
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
	}

	r.runs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_total",
			Help:      "Total number of orchestrated runs by result",
		},
		[]string{"result"},
	)

	r.steps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of the run steps",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"step"},
	)

	r.exitCode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "subject_exit_code",
			Help:      "Exit code of the last subject run, -1 when the run did not complete",
		},
	)

	r.forcedKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "forced_kills_total",
			Help:      "Total number of processes killed after their stop timeout",
		},
		[]string{"process"},
	)

	r.registry.MustRegister(
		r.runs,
		r.steps,
		r.exitCode,
		r.forcedKills,
	)

	return r
}

func (r *Recorder) ObserveStep(step string, d time.Duration) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(step).Observe(d.Seconds())
}

func (r *Recorder) RunFinished(passed bool, exitCode int) {
	if r == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	r.runs.WithLabelValues(result).Inc()
	r.exitCode.Set(float64(exitCode))
}

// ForcedKill counts a process, "server" or "subject", that ignored its stop
// signal.
func (r *Recorder) ForcedKill(process string) {
	if r == nil {
		return
	}
	r.forcedKills.WithLabelValues(process).Inc()
}

// WriteTextfile writes the metrics in the node exporter textfile format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.registry)
}

func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.registry
}
