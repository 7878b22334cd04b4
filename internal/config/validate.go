package config

import (
	"fmt"
	"strings"

	"sensoretl/internal/storage"
)

// Severity of a validation Issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path uses the JSON field names.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// Validate checks cfg against the registered storage kinds and the known
// metrics backends. It never stops at the first problem.
func Validate(cfg Config) []Issue {
	var issues []Issue
	add := func(sev Severity, path, format string, args ...any) {
		issues = append(issues, Issue{Severity: sev, Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(cfg.Addr) == "" {
		add(SeverityError, "addr", "must not be empty")
	}
	if strings.TrimSpace(cfg.UploadDir) == "" {
		add(SeverityWarning, "upload_dir", "empty: uploads are loaded without a scratch copy")
	}
	if cfg.MaxUploadBytes <= 0 {
		add(SeverityError, "max_upload_bytes", "must be > 0 (got %d)", cfg.MaxUploadBytes)
	}

	switch kinds := storage.Kinds(); {
	case cfg.Storage.Kind == "":
		add(SeverityError, "storage.kind", "must not be empty")
	case len(kinds) > 0 && !contains(kinds, cfg.Storage.Kind):
		add(SeverityError, "storage.kind", "unsupported %q (registered: %v)", cfg.Storage.Kind, kinds)
	}
	if strings.TrimSpace(cfg.Storage.DSN) == "" {
		add(SeverityError, "storage.dsn", "must not be empty")
	}

	switch cfg.Metrics.Backend {
	case "", "none", "prom":
	case "datadog":
		if cfg.Metrics.FlushEvery.Duration <= 0 {
			add(SeverityWarning, "metrics.flush_every", "not set; the backend default (60s) applies")
		}
	default:
		add(SeverityError, "metrics.backend", "unknown backend %q (want none, datadog or prom)", cfg.Metrics.Backend)
	}

	if cfg.Batch.Workers < 1 {
		add(SeverityError, "batch.workers", "must be >= 1 (got %d)", cfg.Batch.Workers)
	} else if cfg.Batch.Workers > 1 && cfg.Storage.Kind == "sqlite" {
		add(SeverityWarning, "batch.workers", "sqlite serialises writers; workers > 1 only overlaps file reads")
	}

	if cfg.AllowReset {
		add(SeverityWarning, "allow_reset", "admin reset is enabled and unauthenticated")
	}
	return issues
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
