// Package monitoring exposes acquisition counters to Prometheus.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pxlab/pxlab/pxcapi"
)

const namespace = "pxlab"

// Metrics holds the collectors of one process.  A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg prometheus.Gatherer

	frames    prometheus.Counter
	pixels    prometheus.Counter
	aborts    prometheus.Counter
	errors    *prometheus.CounterVec
	frameHits prometheus.Histogram
}

// New creates the collectors and registers them on reg
func New(reg *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		reg: reg,
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames delivered to callers.",
		}),
		pixels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixels_total",
			Help:      "Data-driven pixel events delivered to callers.",
		}),
		aborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aborts_total",
			Help:      "Acquisitions stopped by an abort request.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "driver_errors_total",
			Help:      "Driver failures by error kind.",
		}, []string{"kind"}),
		frameHits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "frame_hits",
			Help:      "Pixels with a non-zero count per frame.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 9),
		}),
	}
	for _, c := range []prometheus.Collector{m.frames, m.pixels, m.aborts, m.errors, m.frameHits} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Frame records a delivered frame
func (m *Metrics) Frame(f *pxcapi.Frame) {
	if m == nil || f == nil {
		return
	}
	m.frames.Inc()
	m.frameHits.Observe(float64(f.Hits()))
}

// Pixels records a block of n pixels
func (m *Metrics) Pixels(n int) {
	if m == nil {
		return
	}
	m.pixels.Add(float64(n))
}

// Abort records an abort
func (m *Metrics) Abort() {
	if m == nil {
		return
	}
	m.aborts.Inc()
}

// Error records a driver failure.  nil errors are ignored; errors without a
// driver code count as "other".
func (m *Metrics) Error(err error) {
	if m == nil || err == nil {
		return
	}
	kind := "other"
	if code := pxcapi.CodeOf(err); code != pxcapi.OK {
		kind = code.Kind().String()
	}
	m.errors.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
