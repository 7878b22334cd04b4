package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"sensoretl/internal/metrics"
)

// File outcomes in a BatchReport.
const (
	StatusUploaded = "uploaded"
	StatusSkipped  = "skipped"
	StatusFailed   = "failed"
)

// BatchOptions tunes IngestDir.
type BatchOptions struct {
	// Workers bounds concurrent ingestions. <= 1 means sequential.
	Workers int
}

// FileResult is the outcome for one file of a batch.
type FileResult struct {
	FileName     string `json:"file_name"`
	Status       string `json:"status"`
	DatasetID    int64  `json:"dataset_id,omitempty"`
	RowsInserted int64  `json:"rows_inserted,omitempty"`
	Kind         Kind   `json:"kind,omitempty"`
	Error        string `json:"error,omitempty"`
}

// BatchReport lists every eligible file in name order.
type BatchReport struct {
	Files []FileResult `json:"files"`
	Total int          `json:"total_files"`
}

// Count returns how many files ended with status.
func (r BatchReport) Count(status string) int {
	n := 0
	for _, f := range r.Files {
		if f.Status == status {
			n++
		}
	}
	return n
}

// IngestDir ingests every .csv file directly inside dir. Files already in
// the store are skipped; a failing file is recorded and the batch moves on.
// Only an unreadable dir fails the call.
func (o *Orchestrator) IngestDir(ctx context.Context, dir string, opts BatchOptions) (BatchReport, error) {
	start := time.Now()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return BatchReport{}, resourceFailure("scan", err)
	}

	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), ".csv") {
			names = append(names, e.Name())
		}
	}

	results := make([]FileResult, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Workers, 1))
	for i, name := range names {
		g.Go(func() error {
			results[i] = o.ingestOne(gctx, filepath.Join(dir, name))
			return nil
		})
	}
	_ = g.Wait()

	rep := BatchReport{Files: results, Total: len(names)}
	o.log.Printf("stage=batch dir=%q total=%d uploaded=%d skipped=%d failed=%d duration=%s",
		dir, rep.Total, rep.Count(StatusUploaded), rep.Count(StatusSkipped), rep.Count(StatusFailed), durMS(start))
	return rep, nil
}

func (o *Orchestrator) ingestOne(ctx context.Context, path string) FileResult {
	name := filepath.Base(path)
	res := FileResult{FileName: name}

	if err := ctx.Err(); err != nil {
		res.Status, res.Kind, res.Error = StatusFailed, KindResourceFailure, err.Error()
		return res
	}

	exists, err := o.guard.Exists(ctx, name)
	if err == nil && exists {
		res.Status, res.Error = StatusSkipped, "already exists in the database"
		metrics.RecordFile(StatusSkipped)
		return res
	}

	s, err := o.IngestFile(ctx, path)
	switch {
	case err == nil:
		res.Status, res.DatasetID, res.RowsInserted = StatusUploaded, s.DatasetID, s.RowsInserted
	case KindOf(err) == KindConflict:
		// lost a race with a concurrent upload of the same name
		res.Status, res.Kind, res.Error = StatusSkipped, KindConflict, err.Error()
	default:
		res.Status, res.Kind, res.Error = StatusFailed, kindOrUnknown(err), err.Error()
	}
	return res
}
