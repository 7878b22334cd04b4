// Package prom implements a pull-based Prometheus backend for internal/metrics.
// sensord mounts Handler on /metrics.
package prom

import (
	"net/http"

	"sensoretl/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Backend owns a private registry so tests and multiple instances never
// collide on the global default registerer.
type Backend struct {
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	labelNames map[string][]string
}

// NewBackend registers the pipeline collectors plus the Go and process
// collectors on a fresh registry.
func NewBackend() (*Backend, error) {
	b := &Backend{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		labelNames: make(map[string][]string),
	}

	stepLabels := []string{"step", "status"}
	httpLabels := []string{"method", "route", "status"}

	b.addCounter(metrics.StepTotal, "Ingest pipeline steps by outcome.", stepLabels)
	b.addCounter(metrics.RowsTotal, "Rows staged or inserted.", []string{"kind"})
	b.addCounter(metrics.FilesTotal, "Files processed by outcome.", []string{"outcome"})
	b.addCounter(metrics.HTTPRequestsTotal, "HTTP requests served.", httpLabels)
	b.addHistogram(metrics.StepDurationSeconds, "Ingest pipeline step latency.", stepLabels,
		[]float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 15, 60, 300})
	b.addHistogram(metrics.HTTPDurationSeconds, "HTTP request latency.", httpLabels, prometheus.DefBuckets)

	cs := []prometheus.Collector{
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range b.counters {
		cs = append(cs, c)
	}
	for _, h := range b.histograms {
		cs = append(cs, h)
	}
	for _, c := range cs {
		if err := b.reg.Register(c); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func (b *Backend) addCounter(name, help string, labels []string) {
	b.counters[name] = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	b.labelNames[name] = labels
}

func (b *Backend) addHistogram(name, help string, labels []string, buckets []float64) {
	b.histograms[name] = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	b.labelNames[name] = labels
}

// values orders labels to match the vector's label names. Missing labels
// become "unknown".
func (b *Backend) values(name string, labels metrics.Labels) []string {
	names := b.labelNames[name]
	out := make([]string, len(names))
	for i, n := range names {
		v := labels[n]
		if v == "" {
			v = "unknown"
		}
		out[i] = v
	}
	return out
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	c, ok := b.counters[name]
	if !ok || delta <= 0 {
		return
	}
	c.WithLabelValues(b.values(name, labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend. Unknown names are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	h, ok := b.histograms[name]
	if !ok || value < 0 {
		return
	}
	h.WithLabelValues(b.values(name, labels)...).Observe(value)
}

// Flush is a no-op; Prometheus scrapes.
func (b *Backend) Flush() error { return nil }

// Gatherer exposes the registry for tests and custom handlers.
func (b *Backend) Gatherer() prometheus.Gatherer { return b.reg }

// Handler serves the registry in the Prometheus exposition format.
func (b *Backend) Handler() http.Handler {
	return promhttp.HandlerFor(b.reg, promhttp.HandlerOpts{Registry: b.reg})
}

var _ metrics.Backend = (*Backend)(nil)
