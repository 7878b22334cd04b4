package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"sensoretl/internal/api"
	"sensoretl/internal/config"
	"sensoretl/internal/ingest"
	"sensoretl/internal/metrics/setup"
	"sensoretl/internal/storage"

	// register every backend with the storage factory; config picks one.
	_ "sensoretl/internal/storage/mssql"
	_ "sensoretl/internal/storage/postgres"
	_ "sensoretl/internal/storage/sqlite"
)

// appDeps holds the side-effecting steps of runMain so tests can replace them.
type appDeps struct {
	loadConfig  func(path string, dotenv ...string) (config.Config, error)
	initMetrics func(ctx context.Context, cfg config.Metrics) (setup.Result, error)
	openStore   func(ctx context.Context, cfg storage.Config) (storage.Gateway, error)
	serve       func(ctx context.Context, addr string, h http.Handler) error
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		initMetrics: setup.Init,
		openStore:   storage.New,
		serve:       serve,
	}
}

// main runs the HTTP ingest service until SIGINT or SIGTERM.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("sensord", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		cfgPath        string
		envFile        string
		addr           string
		metricsBackend string
		validateOnly   bool
	)
	fs.StringVar(&cfgPath, "config", "", "optional JSON or YAML config file")
	fs.StringVar(&envFile, "env", ".env", "dotenv file loaded before reading the environment (missing is fine)")
	fs.StringVar(&addr, "addr", "", "listen address (overrides LISTEN_ADDR)")
	fs.StringVar(&metricsBackend, "metrics-backend", "", "metrics backend: none, datadog or prom (overrides METRICS_BACKEND)")
	fs.BoolVar(&validateOnly, "validate", false, "validate the configuration and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(stderr, "usage: sensord [-config path] [-addr :8000]; unexpected args %v\n", fs.Args())
		return 2
	}

	cfg, err := deps.loadConfig(strings.TrimSpace(cfgPath), envFile)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if metricsBackend != "" {
		cfg.Metrics.Backend = metricsBackend
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss.String())
	}
	if config.HasErrors(issues) {
		fmt.Fprintln(stderr, "configuration is invalid")
		return 1
	}
	if validateOnly {
		fmt.Fprintln(stdout, "configuration is valid")
		return 0
	}

	logger := log.New(stderr, "", log.LstdFlags|log.Lmicroseconds)

	m, err := deps.initMetrics(ctx, cfg.Metrics)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer m.Close()

	gw, err := deps.openStore(ctx, cfg.Storage)
	if err != nil {
		fmt.Fprintf(stderr, "open storage: %v\n", err)
		return 1
	}
	defer gw.Close()

	orch := ingest.New(gw, ingest.Options{
		UploadDir:  cfg.UploadDir,
		AllowReset: cfg.AllowReset,
		Logger:     logger,
	})
	if err := orch.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(stderr, "ensure schema: %v\n", err)
		return 1
	}

	srv, err := api.NewServer(orch, api.Options{
		UploadDir:      cfg.UploadDir,
		Batch:          ingest.BatchOptions{Workers: cfg.Batch.Workers},
		MaxUploadBytes: cfg.MaxUploadBytes,
		MetricsHandler: m.Handler,
		Logger:         logger,
	})
	if err != nil {
		fmt.Fprintf(stderr, "build server: %v\n", err)
		return 1
	}

	logger.Printf("sensord: addr=%s storage=%s upload_dir=%s metrics=%s reset=%t",
		cfg.Addr, cfg.Storage.Kind, cfg.UploadDir, m.Backend, cfg.AllowReset)
	if err := deps.serve(ctx, cfg.Addr, srv); err != nil {
		fmt.Fprintf(stderr, "serve: %v\n", err)
		return 1
	}
	logger.Printf("sensord: stopped")
	return 0
}

const shutdownGrace = 30 * time.Second

// serve runs h on addr until ctx is done, then drains in-flight requests.
func serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	// In-flight uploads get their own deadline; ctx is already cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
