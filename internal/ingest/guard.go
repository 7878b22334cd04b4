package ingest

import (
	"context"
	"fmt"

	"sensoretl/internal/storage"
)

// DuplicateGuard answers whether a filename was already ingested.
//
// It only saves work. Two concurrent uploads of one name can both pass it;
// the UNIQUE constraint on datasets.file_name then rejects the loser at
// insert or commit time.
type DuplicateGuard struct {
	gw storage.Gateway
}

func NewDuplicateGuard(gw storage.Gateway) *DuplicateGuard {
	return &DuplicateGuard{gw: gw}
}

func (g *DuplicateGuard) Exists(ctx context.Context, fileName string) (bool, error) {
	d := g.gw.Dialect()
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = %s",
		d.Ident(storage.TableDatasets), d.Ident("file_name"), d.Placeholder(1))

	var n int64
	if err := g.gw.QueryRow(ctx, q, fileName).Scan(&n); err != nil {
		return false, fmt.Errorf("duplicate check %q: %w", fileName, err)
	}
	return n > 0, nil
}
