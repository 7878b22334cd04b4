package storage

import "strings"

// IdentList quotes and comma-joins column names.
func IdentList(d Dialect, cols []string) string {
	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Ident(c))
	}
	return b.String()
}

// Placeholders returns n bind markers starting at position from.
func Placeholders(d Dialect, from, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Placeholder(from + i))
	}
	return b.String()
}

// OnConflictUpsertSQL renders INSERT ... ON CONFLICT for dialects that share
// the Postgres syntax (Postgres and SQLite 3.24+).
func OnConflictUpsertSQL(d Dialect, table string, cols, conflictCols, updateCols []string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.Ident(table))
	b.WriteString(" (")
	b.WriteString(IdentList(d, cols))
	b.WriteString(") VALUES (")
	b.WriteString(Placeholders(d, 1, len(cols)))
	b.WriteString(") ON CONFLICT (")
	b.WriteString(IdentList(d, conflictCols))
	b.WriteString(")")
	if len(updateCols) == 0 {
		b.WriteString(" DO NOTHING")
		return b.String()
	}
	b.WriteString(" DO UPDATE SET ")
	for i, c := range updateCols {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(d.Ident(c))
		b.WriteString(" = EXCLUDED.")
		b.WriteString(d.Ident(c))
	}
	return b.String()
}

// ReturningInsertSQL renders INSERT ... RETURNING for dialects that support it.
func ReturningInsertSQL(d Dialect, table string, cols []string, idCol string) string {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(d.Ident(table))
	b.WriteString(" (")
	b.WriteString(IdentList(d, cols))
	b.WriteString(") VALUES (")
	b.WriteString(Placeholders(d, 1, len(cols)))
	b.WriteString(") RETURNING ")
	b.WriteString(d.Ident(idCol))
	return b.String()
}

// ReverseTables returns tables in reverse dependency order, for deletes.
func ReverseTables(tables []TableSpec) []string {
	out := make([]string, 0, len(tables))
	for i := len(tables) - 1; i >= 0; i-- {
		out = append(out, tables[i].Name)
	}
	return out
}
