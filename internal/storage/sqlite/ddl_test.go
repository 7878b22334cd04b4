package sqlite

import (
	"strings"
	"testing"

	"sensoretl/internal/storage"
)

func TestBuildCreateSQL_SerialPrimaryKeyAndUnique(t *testing.T) {
	t.Parallel()

	spec := storage.TableSpec{
		Name:        "boxes",
		PrimaryKey:  &storage.PrimaryKeySpec{Name: "box_id", Type: storage.TypeSerial},
		Columns:     []storage.ColumnSpec{{Name: "box_name", Type: storage.TypeText}, {Name: "note", Type: storage.TypeText, Nullable: true}},
		Constraints: []storage.ConstraintSpec{{Kind: "unique", Columns: []string{"box_name"}}},
		Indexes:     []storage.IndexSpec{{Name: "boxes_name_idx", Columns: []string{"box_name"}}},
	}

	tableSQL, indexSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS "boxes"`,
		`"box_id" INTEGER PRIMARY KEY AUTOINCREMENT`,
		`"box_name" TEXT NOT NULL`,
		`UNIQUE ("box_name")`,
	} {
		if !strings.Contains(tableSQL, want) {
			t.Fatalf("tableSQL missing %q: %s", want, tableSQL)
		}
	}
	if strings.Contains(tableSQL, `"note" TEXT NOT NULL`) {
		t.Fatalf("nullable column rendered NOT NULL: %s", tableSQL)
	}
	if len(indexSQL) != 1 || !strings.Contains(indexSQL[0], `CREATE INDEX IF NOT EXISTS "boxes_name_idx" ON "boxes" ("box_name")`) {
		t.Fatalf("unexpected indexSQL: %v", indexSQL)
	}
}

func TestBuildCreateSQL_CompositePrimaryKeyAndReferences(t *testing.T) {
	t.Parallel()

	var signals storage.TableSpec
	for _, ts := range storage.SensorSchema() {
		if ts.Name == storage.TableSignals {
			signals = ts
		}
	}

	tableSQL, _, err := buildCreateSQL(signals)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if !strings.Contains(tableSQL, `PRIMARY KEY ("dataset_id", "sample_index")`) {
		t.Fatalf("missing composite key: %s", tableSQL)
	}
	if !strings.Contains(tableSQL, "REFERENCES datasets(dataset_id) ON DELETE CASCADE") {
		t.Fatalf("missing foreign key: %s", tableSQL)
	}
	if !strings.Contains(tableSQL, `"ax_alpha" REAL`) {
		t.Fatalf("missing channel column: %s", tableSQL)
	}
}

func TestBuildCreateSQL_RejectsUnknownConstraint(t *testing.T) {
	t.Parallel()

	_, _, err := buildCreateSQL(storage.TableSpec{
		Name:        "t",
		Columns:     []storage.ColumnSpec{{Name: "a", Type: storage.TypeText}},
		Constraints: []storage.ConstraintSpec{{Kind: "check", Columns: []string{"a"}}},
	})
	if err == nil {
		t.Fatalf("expected error for unsupported constraint kind")
	}
}

func TestDialect_StagingAndTransformSQL(t *testing.T) {
	t.Parallel()

	d := Dialect{}
	name := d.StagingName("0b6c1f9e-58b7-4b43-9d39-5b0b6a1d2c3f")
	if name != "signals_staging_0b6c1f9e58b74b439d395b0b6a1d2c3f" {
		t.Fatalf("StagingName=%q", name)
	}
	ddl := d.CreateStagingSQL(name, storage.StagingColumns())
	for _, want := range []string{"CREATE TEMP TABLE", `"row_no" INTEGER PRIMARY KEY`, `"time" REAL`, `"frame_seperator" TEXT`, ") STRICT"} {
		if !strings.Contains(ddl, want) {
			t.Fatalf("staging DDL missing %q: %s", want, ddl)
		}
	}
	if got := d.MicrosFromSeconds(`"time"`); got != `CAST(ROUND("time" * 1000000, 3) AS INTEGER)` {
		t.Fatalf("MicrosFromSeconds=%q", got)
	}
}

func TestDialect_ResetSQL(t *testing.T) {
	t.Parallel()

	stmts := Dialect{}.ResetSQL(storage.SensorSchema())
	if len(stmts) != 6 {
		t.Fatalf("expected 6 statements, got %d: %v", len(stmts), stmts)
	}
	if stmts[0] != `DELETE FROM "signals"` {
		t.Fatalf("children must be deleted first, got %q", stmts[0])
	}
	if !strings.Contains(stmts[5], "sqlite_sequence") || !strings.Contains(stmts[5], "'datasets'") || !strings.Contains(stmts[5], "'boxes'") {
		t.Fatalf("sequence reset missing: %q", stmts[5])
	}
}
