package postgres

import (
	"fmt"
	"strings"

	"sensoretl/internal/storage"
)

// pgIdent double-quotes an identifier, escaping embedded quotes.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func pgIdentList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = pgIdent(strings.TrimSpace(c))
	}
	return strings.Join(out, ", ")
}

// pgTableIdent quotes a possibly schema-qualified name.
//
// Example:
//
//	"public.datasets" -> "public"."datasets"
func pgTableIdent(name string) string {
	schema, table := splitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

// columnType maps a logical storage type onto a Postgres type. Time offsets
// are staged as NUMERIC so the microsecond conversion is exact.
func columnType(logical string) string {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeText:
		return "TEXT"
	case storage.TypeDate:
		return "DATE"
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeDouble:
		return "DOUBLE PRECISION"
	case storage.TypeNumeric:
		return "NUMERIC"
	case storage.TypeSerial:
		return "BIGSERIAL"
	default:
		return logical
	}
}

// buildColumnDefs returns the list of "<col> <type> ..." definitions.
//
// Primary key handling:
//   - If PrimaryKeySpec is provided, we create it as the first column.
//   - The primary key column is not expected to be present in t.Columns.
func buildColumnDefs(t storage.TableSpec) ([]string, error) {
	cols := make([]string, 0, len(t.Columns)+1)

	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		pkType := strings.TrimSpace(t.PrimaryKey.Type)
		if pk == "" || pkType == "" {
			return nil, fmt.Errorf("buildColumnDefs: table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		cols = append(cols, fmt.Sprintf(`%s %s PRIMARY KEY`, pgIdent(pk), columnType(pkType)))
	}

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return nil, fmt.Errorf("buildColumnDefs: table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}

	if len(cols) == 0 {
		return nil, fmt.Errorf("buildColumnDefs: table %s: no columns", t.Name)
	}
	return cols, nil
}

// buildColumnDef renders a single column definition.
func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	typ := strings.TrimSpace(c.Type)
	if name == "" || typ == "" {
		return "", fmt.Errorf("column name/type must be set")
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(columnType(typ))
	if !c.Nullable {
		b.WriteString(" NOT NULL")
	}

	// Foreign key references are expressed inline in the column definition.
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}
	return b.String(), nil
}

// buildConstraints generates table-level UNIQUE and composite PRIMARY KEY
// constraints.
func buildConstraints(t storage.TableSpec) ([]string, error) {
	out := make([]string, 0, len(t.Constraints))
	for _, c := range t.Constraints {
		if len(c.Columns) == 0 {
			return nil, fmt.Errorf("table %s: %s constraint requires columns", t.Name, c.Kind)
		}
		switch strings.ToLower(strings.TrimSpace(c.Kind)) {
		case "unique":
			out = append(out, "UNIQUE ("+pgIdentList(c.Columns)+")")
		case "primary_key":
			out = append(out, "PRIMARY KEY ("+pgIdentList(c.Columns)+")")
		default:
			return nil, fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, c.Kind)
		}
	}
	return out, nil
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
//
// Examples:
//   - "public.datasets" => ("public", "datasets")
//   - "datasets"        => ("", "datasets")
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// buildCreateSQL builds DDL for one table: an optional CREATE SCHEMA, the
// CREATE TABLE and one CREATE INDEX per IndexSpec.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, indexSQL []string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", nil, fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols, err := buildColumnDefs(t)
	if err != nil {
		return "", "", nil, err
	}
	constraints, err := buildConstraints(t)
	if err != nil {
		return "", "", nil, err
	}
	cols = append(cols, constraints...)

	tableSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, pgTableIdent(t.Name), strings.Join(cols, ", "))

	for _, ix := range t.Indexes {
		indexSQL = append(indexSQL, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s);`,
			pgIdent(ix.Name), pgTableIdent(t.Name), pgIdentList(ix.Columns)))
	}
	return schemaSQL, tableSQL, indexSQL, nil
}

// buildStagingSQL creates a session-private table that Postgres drops at
// commit or rollback, so an aborted attempt leaves nothing behind.
func buildStagingSQL(name string, cols []storage.ColumnSpec) string {
	parts := make([]string, 0, len(cols)+1)
	parts = append(parts, pgIdent(storage.StagingRowColumn)+" BIGINT GENERATED ALWAYS AS IDENTITY")
	for _, c := range cols {
		parts = append(parts, pgIdent(c.Name)+" "+columnType(c.Type))
	}
	return fmt.Sprintf("CREATE TEMP TABLE %s (%s) ON COMMIT DROP", pgIdent(name), strings.Join(parts, ", "))
}

// buildCopySQL renders the COPY statement fed by Tx.CopyFrom. The input is
// headerless CSV, where an unquoted empty field is NULL.
func buildCopySQL(table string, columns []string) string {
	return fmt.Sprintf("COPY %s (%s) FROM STDIN WITH (FORMAT csv)", pgTableIdent(table), pgIdentList(columns))
}
