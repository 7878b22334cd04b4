package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"sensoretl/internal/config"
	"sensoretl/internal/metrics/setup"
	"sensoretl/internal/storage"
)

func sqliteConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.UploadDir = t.TempDir()
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "sensor.db")
	return cfg
}

// mustNotCall returns deps whose every step fails the test.
func mustNotCall(t *testing.T) appDeps {
	return appDeps{
		loadConfig: func(string, ...string) (config.Config, error) {
			t.Fatalf("loadConfig must not be called")
			return config.Config{}, nil
		},
		initMetrics: func(context.Context, config.Metrics) (setup.Result, error) {
			t.Fatalf("initMetrics must not be called")
			return setup.Result{}, nil
		},
		openStore: func(context.Context, storage.Config) (storage.Gateway, error) {
			t.Fatalf("openStore must not be called")
			return nil, nil
		},
		serve: func(context.Context, string, http.Handler) error {
			t.Fatalf("serve must not be called")
			return nil
		},
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		args      []string
		wantInErr string
	}{
		{name: "unknown_flag", args: []string{"-nope"}, wantInErr: "flag provided but not defined"},
		{name: "positional_args", args: []string{"extra"}, wantInErr: "usage: sensord"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, mustNotCall(t))
			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantInErr) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantInErr)
			}
		})
	}
}

func TestRunMain_ConfigErrors(t *testing.T) {
	t.Parallel()

	t.Run("load_error", func(t *testing.T) {
		t.Parallel()
		deps := mustNotCall(t)
		deps.loadConfig = func(string, ...string) (config.Config, error) { return config.Config{}, errors.New("bad yaml") }

		var stdout, stderr bytes.Buffer
		if code := runMain(context.Background(), nil, &stdout, &stderr, deps); code != 1 {
			t.Fatalf("exit code=%d, want 1", code)
		}
		if !strings.Contains(stderr.String(), "load config: bad yaml") {
			t.Fatalf("stderr=%q", stderr.String())
		}
	})

	t.Run("flag_override_fails_validation", func(t *testing.T) {
		t.Parallel()
		deps := mustNotCall(t)
		deps.loadConfig = func(string, ...string) (config.Config, error) { return sqliteConfig(t), nil }

		var stdout, stderr bytes.Buffer
		code := runMain(context.Background(), []string{"-metrics-backend", "statsd"}, &stdout, &stderr, deps)
		if code != 1 {
			t.Fatalf("exit code=%d, want 1", code)
		}
		if !strings.Contains(stderr.String(), "metrics.backend") {
			t.Fatalf("stderr=%q", stderr.String())
		}
	})

	t.Run("validate_only", func(t *testing.T) {
		t.Parallel()
		deps := mustNotCall(t)
		var gotPath, gotEnv string
		deps.loadConfig = func(path string, dotenv ...string) (config.Config, error) {
			gotPath, gotEnv = path, strings.Join(dotenv, ",")
			return sqliteConfig(t), nil
		}

		var stdout, stderr bytes.Buffer
		code := runMain(context.Background(), []string{"-validate", "-config", " sensord.yaml ", "-env", "ci.env"}, &stdout, &stderr, deps)
		if code != 0 {
			t.Fatalf("exit code=%d, want 0; stderr=%q", code, stderr.String())
		}
		if gotPath != "sensord.yaml" || gotEnv != "ci.env" {
			t.Fatalf("loadConfig(%q, %q)", gotPath, gotEnv)
		}
		if stdout.String() != "configuration is valid\n" {
			t.Fatalf("stdout=%q", stdout.String())
		}
	})
}

func TestRunMain_StartupFailuresRunCleanup(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		metricsErr  error
		storeErr    error
		serveErr    error
		wantInErr   string
		wantCleanup int64
	}{
		{name: "metrics", metricsErr: errors.New("no api key"), wantInErr: "init metrics: no api key"},
		{name: "store", storeErr: errors.New("refused"), wantInErr: "open storage: refused", wantCleanup: 1},
		{name: "serve", serveErr: errors.New("address in use"), wantInErr: "serve: address in use", wantCleanup: 1},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var cleanups atomic.Int64
			cfg := sqliteConfig(t)

			deps := appDeps{
				loadConfig: func(string, ...string) (config.Config, error) { return cfg, nil },
				initMetrics: func(context.Context, config.Metrics) (setup.Result, error) {
					if tc.metricsErr != nil {
						return setup.Result{Close: func() {}}, tc.metricsErr
					}
					return setup.Result{Backend: "none", Close: func() { cleanups.Add(1) }}, nil
				},
				openStore: func(ctx context.Context, c storage.Config) (storage.Gateway, error) {
					if tc.storeErr != nil {
						return nil, tc.storeErr
					}
					return storage.New(ctx, c)
				},
				serve: func(context.Context, string, http.Handler) error { return tc.serveErr },
			}

			var stdout, stderr bytes.Buffer
			if code := runMain(context.Background(), nil, &stdout, &stderr, deps); code != 1 {
				t.Fatalf("exit code=%d, want 1; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantInErr) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantInErr)
			}
			if got := cleanups.Load(); got != tc.wantCleanup {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanup)
			}
		})
	}
}

func TestRunMain_ServesConfiguredHandler(t *testing.T) {
	t.Parallel()

	cfg := sqliteConfig(t)
	var served atomic.Int64
	deps := appDeps{
		loadConfig:  func(string, ...string) (config.Config, error) { return cfg, nil },
		initMetrics: func(context.Context, config.Metrics) (setup.Result, error) { return setup.Result{Backend: "none", Close: func() {}}, nil },
		openStore:   storage.New,
		serve: func(_ context.Context, addr string, h http.Handler) error {
			served.Add(1)
			if addr != ":9999" {
				t.Errorf("addr=%q, want :9999", addr)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
				t.Errorf("healthz=%d %q", rec.Code, rec.Body.String())
			}
			return nil
		},
	}

	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), []string{"-addr", ":9999"}, &stdout, &stderr, deps); code != 0 {
		t.Fatalf("exit code=%d, want 0; stderr=%q", code, stderr.String())
	}
	if served.Load() != 1 {
		t.Fatalf("serve calls=%d, want 1", served.Load())
	}
	if !strings.Contains(stderr.String(), "sensord: addr=:9999 storage=sqlite") {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := serve(ctx, "127.0.0.1:0", http.NotFoundHandler()); err != nil {
		t.Fatalf("serve err=%v, want nil", err)
	}
}
