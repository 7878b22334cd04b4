package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Options controls StreamRecords.
type Options struct {
	// Comma is the field delimiter. Defaults to ','.
	Comma rune

	// Width is the exact number of fields every record must carry.
	Width int

	// FirstLine is the 1-based line number of the first record in src, used
	// in error messages when a header was consumed upstream. Defaults to 1.
	FirstLine int

	// TrimSpace strips surrounding whitespace from every field.
	TrimSpace bool

	// Convert, when set, turns a non-empty raw field into the value passed
	// to fn. Returning an error fails the stream at that line.
	Convert func(col int, raw string) (any, error)
}

// RowError reports the input line that could not be read or converted.
type RowError struct {
	Line int
	Err  error
}

func (e *RowError) Error() string { return fmt.Sprintf("line %d: %v", e.Line, e.Err) }

func (e *RowError) Unwrap() error { return e.Err }

// StreamRecords reads headerless CSV from src and calls fn once per record,
// in input order. Empty fields arrive as nil.
//
// The values slice is reused between calls; fn must copy it if it retains it.
//
// NOTE on cancellation:
// ctx is checked between records, so a cancelled context stops the stream at
// the next record boundary and returns ctx.Err().
func StreamRecords(ctx context.Context, src io.Reader, opt Options, fn func(line int, values []any) error) (int64, error) {
	cr := csv.NewReader(src)
	if opt.Comma != 0 {
		cr.Comma = opt.Comma
	}
	cr.ReuseRecord = true
	if opt.Width > 0 {
		cr.FieldsPerRecord = opt.Width
	} else {
		cr.FieldsPerRecord = -1
	}

	first := opt.FirstLine
	if first <= 0 {
		first = 1
	}

	var (
		n      int64
		line   = first
		values []any
	)
	for {
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return n, nil
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				return n, &RowError{Line: first + pe.StartLine - 1, Err: pe.Err}
			}
			return n, &RowError{Line: line, Err: err}
		}
		if l, _ := cr.FieldPos(0); l > 0 {
			line = first + l - 1
		}

		if cap(values) < len(rec) {
			values = make([]any, len(rec))
		}
		values = values[:len(rec)]

		for i, v := range rec {
			if opt.TrimSpace {
				v = strings.TrimSpace(v)
			}
			if v == "" {
				values[i] = nil
				continue
			}
			if opt.Convert == nil {
				values[i] = v
				continue
			}
			cv, err := opt.Convert(i, v)
			if err != nil {
				return n, &RowError{Line: line, Err: err}
			}
			values[i] = cv
		}

		if err := fn(line, values); err != nil {
			return n, err
		}
		n++
	}
}
