package mssql

import (
	"fmt"
	"strings"

	"sensoretl/internal/storage"
)

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified names.
//
// Example:
//
//	"dbo.datasets" -> [dbo].[datasets]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

func mssqlIdentList(cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = mssqlIdent(strings.TrimSpace(c))
	}
	return strings.Join(out, ", ")
}

// columnType maps a logical storage type onto a SQL Server type. Text is
// bounded so it can take part in UNIQUE and PRIMARY KEY constraints.
func columnType(logical string) string {
	switch strings.ToLower(strings.TrimSpace(logical)) {
	case storage.TypeText:
		return "NVARCHAR(255)"
	case storage.TypeDate:
		return "DATE"
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeDouble, storage.TypeNumeric:
		return "FLOAT"
	default:
		return logical
	}
}

// buildCreateSQL returns the guarded CREATE TABLE and CREATE INDEX batches for t.
func buildCreateSQL(t storage.TableSpec) (tableSQL string, indexSQL []string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", nil, fmt.Errorf("mssql: table name is empty")
	}

	defs, err := buildCreateTableDefs(t)
	if err != nil {
		return "", nil, err
	}
	tableSQL = wrapCreateIfMissing(t.Name, defs)

	for _, ix := range t.Indexes {
		indexSQL = append(indexSQL, fmt.Sprintf(
			"IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = N'%s' AND object_id = OBJECT_ID(N'%s')) CREATE INDEX %s ON %s (%s);",
			ix.Name, t.Name, mssqlIdent(ix.Name), mssqlTableIdent(t.Name), mssqlIdentList(ix.Columns),
		))
	}
	return tableSQL, indexSQL, nil
}

// buildCreateTableDefs produces the "(...)" inner content for CREATE TABLE.
func buildCreateTableDefs(t storage.TableSpec) (string, error) {
	var parts []string

	if t.PrimaryKey != nil {
		pkDef, err := mssqlPrimaryKeyDef(*t.PrimaryKey)
		if err != nil {
			return "", err
		}
		parts = append(parts, pkDef)
	}

	for _, c := range t.Columns {
		def, err := mssqlColumnDef(c)
		if err != nil {
			return "", err
		}
		parts = append(parts, def)
	}

	for _, con := range t.Constraints {
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("%s %s constraint has no columns", t.Name, con.Kind)
		}
		switch strings.ToLower(con.Kind) {
		case "unique":
			parts = append(parts, fmt.Sprintf("UNIQUE (%s)", mssqlIdentList(con.Columns)))
		case "primary_key":
			parts = append(parts, fmt.Sprintf("PRIMARY KEY (%s)", mssqlIdentList(con.Columns)))
		default:
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
	}

	return strings.Join(parts, ", "), nil
}

// wrapCreateIfMissing wraps a CREATE TABLE statement in an OBJECT_ID guard.
//
// This keeps EnsureTables idempotent without requiring IF NOT EXISTS syntax.
func wrapCreateIfMissing(tableName string, innerDefs string) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		tableName,
		mssqlTableIdent(tableName),
		innerDefs,
	)
}

// mssqlPrimaryKeyDef returns a column definition for an identity primary key.
//
// Supported types (case-insensitive):
//   - "serial", "bigserial", "identity" -> BIGINT IDENTITY(1,1) PRIMARY KEY
//   - otherwise uses the mapped type with PRIMARY KEY.
//
// Identity keys are BIGINT so that referencing BIGINT columns match exactly.
func mssqlPrimaryKeyDef(pk storage.PrimaryKeySpec) (string, error) {
	if strings.TrimSpace(pk.Name) == "" {
		return "", fmt.Errorf("mssql: primary key name is empty")
	}
	switch strings.ToLower(strings.TrimSpace(pk.Type)) {
	case storage.TypeSerial, "bigserial", "identity":
		return fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk.Name)), nil
	default:
		return fmt.Sprintf("%s %s PRIMARY KEY", mssqlIdent(pk.Name), columnType(pk.Type)), nil
	}
}

// mssqlColumnDef builds a SQL Server column definition from storage.ColumnSpec.
//
// It respects nullability and attaches a raw REFERENCES clause if provided.
func mssqlColumnDef(c storage.ColumnSpec) (string, error) {
	if strings.TrimSpace(c.Name) == "" {
		return "", fmt.Errorf("mssql: column name is empty")
	}
	if strings.TrimSpace(c.Type) == "" {
		return "", fmt.Errorf("mssql: column %s type is empty", c.Name)
	}

	var b strings.Builder
	b.WriteString(mssqlIdent(c.Name))
	b.WriteString(" ")
	b.WriteString(columnType(c.Type))
	if c.Nullable {
		b.WriteString(" NULL")
	} else {
		b.WriteString(" NOT NULL")
	}
	if strings.TrimSpace(c.References) != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(c.References)
	}
	return b.String(), nil
}

// buildStagingSQL creates a session-local #temp table; SQL Server drops it
// when the session ends even if DropStagingSQL never runs.
func buildStagingSQL(name string, cols []storage.ColumnSpec) string {
	parts := make([]string, 0, len(cols)+1)
	parts = append(parts, mssqlIdent(storage.StagingRowColumn)+" BIGINT IDENTITY(1,1) PRIMARY KEY")
	for _, c := range cols {
		parts = append(parts, mssqlIdent(c.Name)+" "+columnType(c.Type)+" NULL")
	}
	return fmt.Sprintf("CREATE TABLE %s (%s);", mssqlIdent(name), strings.Join(parts, ", "))
}

// buildMergeSQL renders a single-row upsert. With no updateCols the MERGE
// only inserts, which gives first-write-wins semantics.
//
// HOLDLOCK keeps two concurrent MERGEs on the same key from both taking the
// NOT MATCHED branch.
func buildMergeSQL(table string, cols, conflictCols, updateCols []string) string {
	var b strings.Builder
	b.WriteString("MERGE INTO ")
	b.WriteString(mssqlTableIdent(table))
	b.WriteString(" WITH (HOLDLOCK) AS t USING (SELECT ")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d AS %s", i+1, mssqlIdent(c))
	}
	b.WriteString(") AS s ON ")
	for i, c := range conflictCols {
		if i > 0 {
			b.WriteString(" AND ")
		}
		fmt.Fprintf(&b, "t.%s = s.%s", mssqlIdent(c), mssqlIdent(c))
	}
	if len(updateCols) > 0 {
		b.WriteString(" WHEN MATCHED THEN UPDATE SET ")
		for i, c := range updateCols {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "t.%s = s.%s", mssqlIdent(c), mssqlIdent(c))
		}
	}
	b.WriteString(" WHEN NOT MATCHED THEN INSERT (")
	b.WriteString(mssqlIdentList(cols))
	b.WriteString(") VALUES (")
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("s.")
		b.WriteString(mssqlIdent(c))
	}
	b.WriteString(");")
	return b.String()
}

// buildInsertOutputSQL inserts one row and returns idCol through OUTPUT.
func buildInsertOutputSQL(table string, cols []string, idCol string) string {
	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = fmt.Sprintf("@p%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) OUTPUT INSERTED.%s VALUES (%s);",
		mssqlTableIdent(table), mssqlIdentList(cols), mssqlIdent(idCol), strings.Join(ph, ", "))
}

// buildResetSQL deletes children first, then reseeds identity columns that
// have issued a value. Reseeding a never-used table to 0 would make its
// first identity 0, hence the last_value guard.
func buildResetSQL(tables []storage.TableSpec) []string {
	var out []string
	for _, name := range storage.ReverseTables(tables) {
		out = append(out, "DELETE FROM "+mssqlTableIdent(name)+";")
	}
	for _, t := range tables {
		if t.PrimaryKey == nil {
			continue
		}
		out = append(out, fmt.Sprintf(
			"IF EXISTS (SELECT 1 FROM sys.identity_columns WHERE object_id = OBJECT_ID(N'%s') AND last_value IS NOT NULL) DBCC CHECKIDENT (N'%s', RESEED, 0);",
			t.Name, t.Name,
		))
	}
	return out
}
