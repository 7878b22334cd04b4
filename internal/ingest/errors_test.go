package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"sensoretl/internal/metadata"
)

func TestError_MessageAndUnwrap(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{name: "op_only", err: &Error{Kind: KindResourceFailure, Op: "persist"}, want: "persist"},
		{name: "detail", err: rejected("validate", "only .csv files are accepted", nil), want: "validate: only .csv files are accepted"},
		{name: "detail_and_cause", err: &Error{Kind: KindResourceFailure, Op: "persist", Detail: "upload dir", Err: cause}, want: "persist: upload dir: disk full"},
		{name: "cause_only", err: txFailure("transfer", cause), want: "transfer: disk full"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.err.Error(); got != tc.want {
				t.Fatalf("Error()=%q, want %q", got, tc.want)
			}
		})
	}

	wrapped := fmt.Errorf("batch: %w", resourceFailure("persist", cause))
	if !errors.Is(wrapped, cause) {
		t.Fatalf("cause not reachable through Unwrap")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	if got := KindOf(nil); got != "" {
		t.Fatalf("KindOf(nil)=%q", got)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain)=%q", got)
	}
	if got := KindOf(fmt.Errorf("x: %w", conflict("validate", "dup", nil))); got != KindConflict {
		t.Fatalf("KindOf(wrapped conflict)=%q", got)
	}
	if got := kindOrUnknown(errors.New("plain")); got != "unknown" {
		t.Fatalf("kindOrUnknown(plain)=%q", got)
	}
}

func TestSummary_MarshalJSON(t *testing.T) {
	t.Parallel()

	res := metadata.Parse("Artifacts_F4_BBox2_Pink_Operator_Ulf_28.10.2025.csv")
	s := Summary{DatasetID: 7, FileName: "x.csv", Metadata: res.Metadata, RowsInserted: 1200, Elapsed: 1534*time.Millisecond + 999*time.Microsecond}

	b, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got := string(b)
	for _, want := range []string{
		`"dataset_id":7`,
		`"rows_inserted":1200`,
		`"duration_seconds":1.534`,
		`"file_date":"2025-10-28"`,
		`"person_name":"Ulf"`,
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("JSON missing %s: %s", want, got)
		}
	}
	if strings.Contains(got, "Elapsed") {
		t.Fatalf("Elapsed leaked into JSON: %s", got)
	}
}
