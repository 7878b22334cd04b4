package ingest

import (
	"context"
	"fmt"
	"strings"

	"sensoretl/internal/storage"
)

// Projection maps one signals column to an expression over the staging row.
type Projection struct {
	Target string

	// Source is the staging column. Empty means the column is the dataset
	// id bind parameter.
	Source string

	// Micros converts Source from fractional seconds to whole microseconds.
	Micros bool
}

// SignalProjections is the staging-to-signals mapping in insert order.
func SignalProjections() []Projection {
	ps := []Projection{
		{Target: "dataset_id"},
		{Target: "sample_index", Source: storage.StagingRowColumn},
		{Target: "time", Source: "time", Micros: true},
		{Target: "header", Source: "header"},
	}
	for _, ch := range storage.SignalChannels {
		ps = append(ps, Projection{Target: ch, Source: ch})
	}
	return append(ps,
		Projection{Target: "ecg", Source: "ecg"},
		Projection{Target: "frame_separator", Source: "frame_seperator"},
	)
}

// TransformingInserter moves every staged row into signals in one
// INSERT ... SELECT. Row N of staging becomes sample_index N.
type TransformingInserter struct {
	projections []Projection
}

func NewTransformingInserter() *TransformingInserter {
	return &TransformingInserter{projections: SignalProjections()}
}

// SQL renders the transfer statement for one staging relation. The dataset
// id is the only bind parameter.
func (ti *TransformingInserter) SQL(d storage.Dialect, staging string) string {
	targets := make([]string, len(ti.projections))
	exprs := make([]string, len(ti.projections))
	for i, p := range ti.projections {
		targets[i] = d.Ident(p.Target)
		switch {
		case p.Source == "":
			exprs[i] = "CAST(" + d.Placeholder(1) + " AS BIGINT)"
		case p.Micros:
			exprs[i] = d.MicrosFromSeconds(d.Ident(p.Source))
		default:
			exprs[i] = d.Ident(p.Source)
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ORDER BY %s",
		d.Ident(storage.TableSignals),
		strings.Join(targets, ", "),
		strings.Join(exprs, ", "),
		d.Ident(staging),
		d.Ident(storage.StagingRowColumn))
}

// Transfer runs the statement and returns the number of rows moved.
func (ti *TransformingInserter) Transfer(ctx context.Context, tx storage.Tx, d storage.Dialect, staging string, datasetID int64) (int64, error) {
	n, err := tx.Exec(ctx, ti.SQL(d, staging), datasetID)
	if err != nil {
		return 0, fmt.Errorf("transfer %s: %w", staging, err)
	}
	return n, nil
}
