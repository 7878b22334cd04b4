package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"sensoretl/internal/storage"
)

var (
	// ErrEmptyInput is returned for a body without a header line.
	ErrEmptyInput = errors.New("empty input")

	// ErrHeaderMismatch is returned when the header does not name exactly
	// the staging columns in order.
	ErrHeaderMismatch = errors.New("header mismatch")
)

// StagingLoader bulk-loads one tabular body into a private staging relation.
type StagingLoader struct {
	columns []string
}

func NewStagingLoader() *StagingLoader {
	return &StagingLoader{columns: storage.StagingColumnNames()}
}

// Create makes the staging relation for one attempt inside tx.
func (l *StagingLoader) Create(ctx context.Context, tx storage.Tx, d storage.Dialect, name string) error {
	if _, err := tx.Exec(ctx, d.CreateStagingSQL(name, storage.StagingColumns())); err != nil {
		return fmt.Errorf("create staging %s: %w", name, err)
	}
	return nil
}

// Drop removes the staging relation. Postgres drops it on commit anyway.
func (l *StagingLoader) Drop(ctx context.Context, tx storage.Tx, d storage.Dialect, name string) error {
	q := d.DropStagingSQL(name)
	if q == "" {
		return nil
	}
	if _, err := tx.Exec(ctx, q); err != nil {
		return fmt.Errorf("drop staging %s: %w", name, err)
	}
	return nil
}

// Load validates the header of src and streams the remaining rows into the
// staging relation with the backend's bulk primitive. A UTF-8 or UTF-16 BOM
// selects the decoding; without one the body is read as UTF-8.
func (l *StagingLoader) Load(ctx context.Context, tx storage.Tx, staging string, src io.Reader) (int64, error) {
	br := bufio.NewReaderSize(transform.NewReader(src, unicode.BOMOverride(unicode.UTF8.NewDecoder())), 64*1024)

	if err := l.readHeader(br); err != nil {
		return 0, err
	}

	n, err := tx.CopyFrom(ctx, staging, l.columns, br)
	if err != nil {
		return n, fmt.Errorf("load %s: %w", staging, err)
	}
	return n, nil
}

func (l *StagingLoader) readHeader(br *bufio.Reader) error {
	line, err := br.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read header: %w", err)
	}
	if strings.TrimSpace(line) == "" {
		return ErrEmptyInput
	}

	got, err := csv.NewReader(strings.NewReader(line)).Read()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHeaderMismatch, err)
	}
	for i := range got {
		got[i] = strings.TrimSpace(got[i])
	}
	if len(got) != len(l.columns) {
		return fmt.Errorf("%w: got %d columns, want %d", ErrHeaderMismatch, len(got), len(l.columns))
	}
	for i, want := range l.columns {
		if got[i] != want {
			return fmt.Errorf("%w: column %d is %q, want %q", ErrHeaderMismatch, i+1, got[i], want)
		}
	}
	return nil
}
