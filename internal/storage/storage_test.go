package storage

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"
)

// fakeDialect renders '?' style SQL with double-quoted identifiers.
type fakeDialect struct{ numbered bool }

func (fakeDialect) Name() string                                 { return "fake" }
func (fakeDialect) Ident(n string) string                        { return `"` + n + `"` }
func (fakeDialect) MicrosFromSeconds(e string) string            { return e }
func (fakeDialect) StagingName(id string) string                 { return "stg_" + id }
func (fakeDialect) CreateStagingSQL(string, []ColumnSpec) string { return "" }
func (fakeDialect) DropStagingSQL(string) string                 { return "" }
func (fakeDialect) ResetSQL([]TableSpec) []string                { return nil }
func (fakeDialect) BindDate(d time.Time) any                     { return d }
func (fakeDialect) IsUniqueViolation(error) bool                 { return false }

func (f fakeDialect) Placeholder(n int) string {
	if f.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

func (f fakeDialect) InsertReturningSQL(table string, cols []string, idCol string) string {
	return ReturningInsertSQL(f, table, cols, idCol)
}

func (f fakeDialect) UpsertSQL(table string, cols, conflictCols, updateCols []string) string {
	return OnConflictUpsertSQL(f, table, cols, conflictCols, updateCols)
}

func TestOnConflictUpsertSQL(t *testing.T) {
	t.Parallel()

	d := fakeDialect{}
	got := OnConflictUpsertSQL(d, "flights", []string{"flight_code", "flight_date"}, []string{"flight_code"}, []string{"flight_date"})
	want := `INSERT INTO "flights" ("flight_code", "flight_date") VALUES (?, ?) ON CONFLICT ("flight_code") DO UPDATE SET "flight_date" = EXCLUDED."flight_date"`
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}

	got = OnConflictUpsertSQL(d, "boxes", []string{"box_name", "box_color"}, []string{"box_name", "box_color"}, nil)
	if !strings.HasSuffix(got, `ON CONFLICT ("box_name", "box_color") DO NOTHING`) {
		t.Fatalf("do-nothing form wrong: %s", got)
	}
}

func TestReturningInsertSQL_NumberedPlaceholders(t *testing.T) {
	t.Parallel()

	got := ReturningInsertSQL(fakeDialect{numbered: true}, "datasets", []string{"a", "b", "c"}, "dataset_id")
	want := `INSERT INTO "datasets" ("a", "b", "c") VALUES ($1, $2, $3) RETURNING "dataset_id"`
	if got != want {
		t.Fatalf("got  %s\nwant %s", got, want)
	}
}

func TestSensorSchema_Shape(t *testing.T) {
	t.Parallel()

	schema := SensorSchema()
	names := make([]string, len(schema))
	for i, ts := range schema {
		names[i] = ts.Name
	}
	if strings.Join(names, ",") != "datasets,persons,flights,boxes,signals" {
		t.Fatalf("tables must be in dependency order, got %v", names)
	}
	if got := ReverseTables(schema); got[0] != TableSignals || got[len(got)-1] != TableDatasets {
		t.Fatalf("ReverseTables=%v", got)
	}

	if len(SignalChannels) != 18 {
		t.Fatalf("expected 18 channels, got %d", len(SignalChannels))
	}
	staging := StagingColumnNames()
	if len(staging) != 22 || staging[0] != "time" || staging[21] != "frame_seperator" {
		t.Fatalf("unexpected staging columns: %v", staging)
	}
}

func TestNew_UnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty kind")
	}
	if _, err := New(context.Background(), Config{Kind: "nope"}); err == nil || !strings.Contains(err.Error(), "unsupported storage.kind=nope") {
		t.Fatalf("expected unsupported kind error, got %v", err)
	}
}

func TestRegister_PanicsOnDuplicate(t *testing.T) {
	Register("fake-dup", func(context.Context, Config) (Gateway, error) { return nil, nil })

	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on duplicate registration")
		}
	}()
	Register("fake-dup", func(context.Context, Config) (Gateway, error) { return nil, nil })
}
