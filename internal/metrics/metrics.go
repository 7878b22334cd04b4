// Package metrics is the process-wide metrics facade used by the ingest
// pipeline and HTTP layer.
//
// Core code only calls the package-level helpers; a concrete backend
// (datadog, prometheus) is installed once at startup with SetBackend. Until
// then every call is a no-op.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Metric names. Backends switch on these and ignore anything else.
const (
	StepTotal           = "ingest_step_total"
	StepDurationSeconds = "ingest_step_duration_seconds"
	RowsTotal           = "ingest_rows_total"
	FilesTotal          = "ingest_files_total"
	HTTPRequestsTotal   = "ingest_http_requests_total"
	HTTPDurationSeconds = "ingest_http_request_duration_seconds"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the no-op.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush asks the backend to submit anything it buffers.
func Flush() error { return current().Flush() }

// RecordStep counts one pipeline step and observes its duration.
// status is "ok" or an error kind.
func RecordStep(step, status string, d time.Duration) {
	l := Labels{"step": step, "status": status}
	IncCounter(StepTotal, 1, l)
	ObserveHistogram(StepDurationSeconds, d.Seconds(), l)
}

// RecordRows counts rows by kind ("staged", "inserted").
func RecordRows(kind string, n int64) {
	if n <= 0 {
		return
	}
	IncCounter(RowsTotal, float64(n), Labels{"kind": kind})
}

// RecordFile counts one file outcome ("uploaded", "skipped", "failed").
func RecordFile(outcome string) {
	IncCounter(FilesTotal, 1, Labels{"outcome": outcome})
}

// RecordHTTP counts one served request and observes its latency.
func RecordHTTP(method, route string, status int, d time.Duration) {
	l := Labels{"method": method, "route": route, "status": strconv.Itoa(status)}
	IncCounter(HTTPRequestsTotal, 1, l)
	ObserveHistogram(HTTPDurationSeconds, d.Seconds(), l)
}
