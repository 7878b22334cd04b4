package sqlite

import (
	"fmt"
	"strings"

	"sensoretl/internal/storage"
)

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqlIdentList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// columnType maps a logical storage type onto a SQLite type name accepted by
// STRICT tables. Dates are kept as ISO-8601 TEXT.
func columnType(logical string) string {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeText, storage.TypeDate:
		return "TEXT"
	case storage.TypeBigInt, storage.TypeSerial:
		return "INTEGER"
	case storage.TypeDouble, storage.TypeNumeric:
		return "REAL"
	default:
		return logical
	}
}

// buildCreateSQL generates the CREATE TABLE statement and any index DDL for t.
func buildCreateSQL(t storage.TableSpec) (tableSQL string, indexSQL []string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", nil, fmt.Errorf("table name is empty")
	}

	var parts []string

	if t.PrimaryKey != nil {
		pkType := strings.TrimSpace(strings.ToLower(t.PrimaryKey.Type))

		// "INTEGER PRIMARY KEY" is special in sqlite: it becomes the rowid and auto-generates values.
		// AUTOINCREMENT keeps identifiers monotonic and records them in sqlite_sequence.
		switch pkType {
		case storage.TypeSerial, "bigserial", "identity":
			parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
		default:
			parts = append(parts, fmt.Sprintf(`%s %s PRIMARY KEY`, sqlIdent(t.PrimaryKey.Name), columnType(t.PrimaryKey.Type)))
		}
	}

	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.Type) == "" {
			return "", nil, fmt.Errorf("%s: column name/type must be set", t.Name)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), columnType(c.Type))
		if !c.Nullable {
			col += " NOT NULL"
		}
		// Enforcement depends on PRAGMA foreign_keys=ON, which New sets.
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if len(con.Columns) == 0 {
			return "", nil, fmt.Errorf("%s %s constraint has no columns", t.Name, con.Kind)
		}
		switch con.Kind {
		case "unique":
			parts = append(parts, fmt.Sprintf("UNIQUE (%s)", sqlIdentList(con.Columns)))
		case "primary_key":
			parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", sqlIdentList(con.Columns)))
		default:
			return "", nil, fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
	}

	tableSQL = fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", sqlIdent(t.Name), strings.Join(parts, ",\n  "))

	for _, ix := range t.Indexes {
		indexSQL = append(indexSQL, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			sqlIdent(ix.Name), sqlIdent(t.Name), sqlIdentList(ix.Columns)))
	}
	return tableSQL, indexSQL, nil
}

// buildStagingSQL creates a connection-private STRICT table so that a
// non-numeric value in a REAL column fails the load instead of being stored
// as TEXT.
func buildStagingSQL(name string, cols []storage.ColumnSpec) string {
	parts := make([]string, 0, len(cols)+1)
	parts = append(parts, sqlIdent(storage.StagingRowColumn)+" INTEGER PRIMARY KEY")
	for _, c := range cols {
		parts = append(parts, sqlIdent(c.Name)+" "+columnType(c.Type))
	}
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s) STRICT", sqlIdent(name), strings.Join(parts, ", "))
}
