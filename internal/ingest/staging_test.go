package ingest

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"golang.org/x/text/encoding/unicode"

	"sensoretl/internal/storage"
)

// copyTx records what CopyFrom receives.
type copyTx struct {
	storage.Tx
	table   string
	columns []string
	body    string
}

func (c *copyTx) CopyFrom(_ context.Context, table string, columns []string, src io.Reader) (int64, error) {
	b, err := io.ReadAll(src)
	if err != nil {
		return 0, err
	}
	c.table, c.columns, c.body = table, columns, string(b)
	return int64(strings.Count(c.body, "\n")), nil
}

func TestStagingLoader_Load(t *testing.T) {
	t.Parallel()

	header := strings.Join(storage.StagingColumnNames(), ",")
	spaced := strings.ReplaceAll(header, ",", " , ")
	rows := "1.0,H1\n2.0,H2\n"

	utf16, err := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder().String(header + "\r\n" + rows)
	if err != nil {
		t.Fatalf("encode utf16: %v", err)
	}

	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{name: "plain", in: header + "\n" + rows},
		{name: "crlf_header", in: header + "\r\n" + rows},
		{name: "utf8_bom", in: "\ufeff" + header + "\n" + rows},
		{name: "utf16_bom", in: utf16},
		{name: "spaced_header", in: spaced + "\n" + rows},
		{name: "empty", in: "", wantErr: ErrEmptyInput},
		{name: "blank_line", in: "\n" + rows, wantErr: ErrEmptyInput},
		{name: "missing_column", in: strings.TrimSuffix(header, ",frame_seperator") + "\n" + rows, wantErr: ErrHeaderMismatch},
		{name: "renamed_column", in: strings.Replace(header, "ecg", "ekg", 1) + "\n" + rows, wantErr: ErrHeaderMismatch},
		{name: "reordered", in: strings.Replace(header, "time,header", "header,time", 1) + "\n" + rows, wantErr: ErrHeaderMismatch},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			tx := &copyTx{}
			n, err := NewStagingLoader().Load(context.Background(), tx, "stg", strings.NewReader(tc.in))
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err=%v, want %v", err, tc.wantErr)
				}
				if tx.table != "" {
					t.Fatalf("CopyFrom must not run on a rejected header")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tx.table != "stg" || len(tx.columns) != 22 {
				t.Fatalf("CopyFrom got table=%q columns=%v", tx.table, tx.columns)
			}
			if strings.ReplaceAll(tx.body, "\r\n", "\n") != rows {
				t.Fatalf("body=%q, want %q", tx.body, rows)
			}
			if n != 2 {
				t.Fatalf("n=%d, want 2", n)
			}
		})
	}
}
