// Package setup selects and installs the process-wide metrics backend for
// the sensord and ingest commands.
package setup

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"

	"sensoretl/internal/config"
	"sensoretl/internal/metrics"
	"sensoretl/internal/metrics/datadog"
	"sensoretl/internal/metrics/prom"
)

// Result is what the caller owns after Init.
type Result struct {
	// Backend is the normalised backend name ("none", "datadog" or "prom").
	Backend string

	// Handler serves /metrics; only the prom backend sets it.
	Handler http.Handler

	// Close flushes and stops the backend. Always non-nil and safe to call
	// more than once.
	Close func()
}

type closingBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (closingBackend, error) {
		b, err := datadog.NewBackend(ctx, opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	newPromBackend = func() (*prom.Backend, error) { return prom.NewBackend() }

	setMetricsBackend = metrics.SetBackend
	logPrintf         = log.Printf
)

// Init installs the backend named by cfg.Backend. Unknown names are an
// error; "none" and "" leave the nop backend in place.
func Init(ctx context.Context, cfg config.Metrics) (Result, error) {
	noop := func() {}

	switch name := strings.ToLower(strings.TrimSpace(cfg.Backend)); name {
	case "", "none", "noop":
		return Result{Backend: "none", Close: noop}, nil

	case "datadog", "dd":
		b, err := newDatadogBackend(ctx, datadog.Options{
			Tags:       cfg.Tags,
			FlushEvery: cfg.FlushEvery.Duration,
		})
		if err != nil {
			return Result{Close: noop}, fmt.Errorf("datadog: %w", err)
		}
		setMetricsBackend(b)
		logPrintf("metrics: backend=datadog tags=%v flush_every=%s", cfg.Tags, cfg.FlushEvery.Duration)

		var once sync.Once
		return Result{Backend: "datadog", Close: func() {
			once.Do(func() {
				if err := b.Close(); err != nil {
					logPrintf("metrics: datadog close error: %v", err)
				}
			})
		}}, nil

	case "prom", "prometheus":
		b, err := newPromBackend()
		if err != nil {
			return Result{Close: noop}, fmt.Errorf("prometheus: %w", err)
		}
		setMetricsBackend(b)
		logPrintf("metrics: backend=prom")
		return Result{Backend: "prom", Handler: b.Handler(), Close: noop}, nil

	default:
		return Result{Close: noop}, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}
}
