package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"

	"sensoretl/internal/config"
	"sensoretl/internal/ingest"
	"sensoretl/internal/metrics/setup"
	"sensoretl/internal/storage"

	// register every backend with the storage factory; config picks one.
	_ "sensoretl/internal/storage/mssql"
	_ "sensoretl/internal/storage/postgres"
	_ "sensoretl/internal/storage/sqlite"
)

var errUsage = errors.New("usage: ingest [-config path] [-init] [-reset] [-dir path] [file.csv ...]")

type appDeps struct {
	loadConfig  func(path string, dotenv ...string) (config.Config, error)
	initMetrics func(ctx context.Context, cfg config.Metrics) (setup.Result, error)
	openStore   func(ctx context.Context, cfg storage.Config) (storage.Gateway, error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadConfig:  config.Load,
		initMetrics: setup.Init,
		openStore:   storage.New,
	}
}

// main ingests files from the command line, a directory, or both, then exits.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

type options struct {
	cfgPath        string
	envFile        string
	dir            string
	initOnly       bool
	reset          bool
	asJSON         bool
	verbose        bool
	workers        int
	metricsBackend string
	files          []string
}

func parseFlags(args []string, stderr io.Writer) (options, error) {
	var o options
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.cfgPath, "config", "", "optional JSON or YAML config file")
	fs.StringVar(&o.envFile, "env", ".env", "dotenv file loaded before reading the environment (missing is fine)")
	fs.StringVar(&o.dir, "dir", "", "ingest every .csv file in this directory")
	fs.BoolVar(&o.initOnly, "init", false, "create the schema and exit")
	fs.BoolVar(&o.reset, "reset", false, "empty all tables first (requires ALLOW_ADMIN_RESET=true)")
	fs.BoolVar(&o.asJSON, "json", false, "print the batch report as JSON")
	fs.BoolVar(&o.verbose, "v", false, "log every pipeline step")
	fs.IntVar(&o.workers, "workers", 0, "concurrent files for -dir (overrides BATCH_WORKERS)")
	fs.StringVar(&o.metricsBackend, "metrics-backend", "", "metrics backend: none or datadog (overrides METRICS_BACKEND)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.files = fs.Args()
	o.dir = strings.TrimSpace(o.dir)

	if !o.initOnly && !o.reset && o.dir == "" && len(o.files) == 0 {
		return o, errUsage
	}
	return o, nil
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(stderr, err)
		}
		return 2
	}

	cfg, err := deps.loadConfig(strings.TrimSpace(opts.cfgPath), opts.envFile)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if opts.metricsBackend != "" {
		cfg.Metrics.Backend = opts.metricsBackend
	}
	if opts.workers > 0 {
		cfg.Batch.Workers = opts.workers
	}

	issues := config.Validate(cfg)
	if config.HasErrors(issues) {
		for _, iss := range issues {
			fmt.Fprintln(stderr, iss.String())
		}
		fmt.Fprintln(stderr, "configuration is invalid")
		return 1
	}

	var logger ingest.Logger
	if opts.verbose {
		logger = log.New(stderr, "", log.LstdFlags|log.Lmicroseconds)
	}

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

	// The CLI does not keep scratch copies; files are loaded where they are.
	orch := ingest.New(gw, ingest.Options{AllowReset: cfg.AllowReset, Logger: logger})
	if err := orch.EnsureSchema(ctx); err != nil {
		fmt.Fprintf(stderr, "ensure schema: %v\n", err)
		return 1
	}
	if opts.initOnly {
		fmt.Fprintln(stdout, "schema ready")
		return 0
	}

	if opts.reset {
		if err := orch.Reset(ctx); err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintln(stdout, "reset: all tables emptied")
	}

	rep := ingest.BatchReport{}
	for _, path := range opts.files {
		rep.Files = append(rep.Files, ingestFile(ctx, orch, path))
	}
	if opts.dir != "" {
		dirRep, err := orch.IngestDir(ctx, opts.dir, ingest.BatchOptions{Workers: cfg.Batch.Workers})
		if err != nil {
			fmt.Fprintf(stderr, "scan %s: %v\n", opts.dir, err)
			return 1
		}
		rep.Files = append(rep.Files, dirRep.Files...)
	}
	rep.Total = len(rep.Files)

	if rep.Total > 0 {
		if err := printReport(stdout, rep, opts.asJSON); err != nil {
			fmt.Fprintf(stderr, "write report: %v\n", err)
			return 1
		}
	}
	if rep.Count(ingest.StatusFailed) > 0 {
		return 1
	}
	return 0
}

// ingestFile classifies one explicitly named file the way IngestDir does:
// a file already in the store is skipped, not failed.
func ingestFile(ctx context.Context, orch *ingest.Orchestrator, path string) ingest.FileResult {
	s, err := orch.IngestFile(ctx, path)
	res := ingest.FileResult{FileName: path}
	switch {
	case err == nil:
		res.Status = ingest.StatusUploaded
		res.DatasetID = s.DatasetID
		res.RowsInserted = s.RowsInserted
	case ingest.KindOf(err) == ingest.KindConflict:
		res.Status = ingest.StatusSkipped
		res.Kind = ingest.KindConflict
		res.Error = err.Error()
	default:
		res.Status = ingest.StatusFailed
		res.Kind = ingest.KindOf(err)
		res.Error = err.Error()
	}
	return res
}

func printReport(w io.Writer, rep ingest.BatchReport, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	for _, f := range rep.Files {
		var err error
		switch f.Status {
		case ingest.StatusUploaded:
			_, err = fmt.Fprintf(w, "uploaded %s dataset=%d rows=%s\n", f.FileName, f.DatasetID, humanize.Comma(f.RowsInserted))
		default:
			_, err = fmt.Fprintf(w, "%s %s kind=%s: %s\n", f.Status, f.FileName, f.Kind, f.Error)
		}
		if err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "total=%d uploaded=%d skipped=%d failed=%d\n", rep.Total,
		rep.Count(ingest.StatusUploaded), rep.Count(ingest.StatusSkipped), rep.Count(ingest.StatusFailed))
	return err
}
