package sqlite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"sensoretl/internal/parser/csv"
	"sensoretl/internal/storage"
)

// constraintDatatype is SQLITE_CONSTRAINT_DATATYPE: a STRICT column rejected a value.
const constraintDatatype = 3091

// Gateway implements storage.Gateway for SQLite.
//
// Key design points vs Postgres:
//   - SQLite serialises writers, so the pool is capped at one connection.
//     Concurrent ingestions queue on that connection instead of failing
//     with SQLITE_BUSY mid-transaction.
//   - There is no COPY; CopyFrom streams CSV records through one prepared
//     INSERT inside the caller's transaction.
//   - Dates are stored as ISO-8601 TEXT.
type Gateway struct {
	db *sqlx.DB
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN and enables foreign keys.
func New(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("sqlite: empty dsn")
	}
	db, err := sqlx.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	return &Gateway{db: db}, nil
}

// DB exposes the underlying handle for read-side tooling and tests.
func (g *Gateway) DB() *sqlx.DB { return g.db }

func (g *Gateway) Close() { _ = g.db.Close() }

func (g *Gateway) Dialect() storage.Dialect { return Dialect{} }

// EnsureTables creates missing tables and indexes. It is idempotent.
func (g *Gateway) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		tableSQL, indexSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := g.db.ExecContext(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		for _, q := range indexSQL {
			if _, err := g.db.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("create index on %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func (g *Gateway) QueryRow(ctx context.Context, query string, args ...any) storage.RowScanner {
	return g.db.QueryRowxContext(ctx, query, args...)
}

func (g *Gateway) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx is a storage.Tx over *sqlx.Tx.
type Tx struct {
	tx *sqlx.Tx
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) storage.RowScanner {
	return t.tx.QueryRowxContext(ctx, query, args...)
}

// CopyFrom streams headerless CSV records into table through a single
// prepared statement. A record with the wrong field count or a value the
// STRICT table rejects fails with storage.ErrMalformedInput.
func (t *Tx) CopyFrom(ctx context.Context, table string, columns []string, src io.Reader) (int64, error) {
	q := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		sqlIdent(table), sqlIdentList(columns), strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))

	stmt, err := t.tx.PreparexContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare copy into %s: %w", table, err)
	}
	defer stmt.Close()

	// Line 1 of the upload is the header, consumed before CopyFrom.
	n, err := csv.StreamRecords(ctx, src, csv.Options{Width: len(columns), FirstLine: 2}, func(line int, values []any) error {
		if _, err := stmt.ExecContext(ctx, values...); err != nil {
			if isDataError(err) {
				return &csv.RowError{Line: line, Err: err}
			}
			return err
		}
		return nil
	})
	if err != nil {
		var re *csv.RowError
		if errors.As(err, &re) {
			return n, fmt.Errorf("%w: %v", storage.ErrMalformedInput, err)
		}
		return n, fmt.Errorf("sqlite: copy into %s: %w", table, err)
	}
	return n, nil
}

func (t *Tx) Commit(context.Context) error { return t.tx.Commit() }

func (t *Tx) Rollback(context.Context) error { return t.tx.Rollback() }

// Dialect renders SQLite SQL.
type Dialect struct{}

func (Dialect) Name() string             { return "sqlite" }
func (Dialect) Ident(name string) string { return sqlIdent(name) }
func (Dialect) Placeholder(int) string   { return "?" }
func (Dialect) BindDate(d time.Time) any { return d.Format("2006-01-02") }

func (Dialect) DropStagingSQL(name string) string {
	return "DROP TABLE IF EXISTS temp." + sqlIdent(name)
}

// MicrosFromSeconds rounds to a thousandth of a microsecond before the
// truncating cast, which absorbs binary floating-point error in REAL values
// such as 12.345678 * 1e6 = 12345677.999999998.
func (Dialect) MicrosFromSeconds(expr string) string {
	return "CAST(ROUND(" + expr + " * 1000000, 3) AS INTEGER)"
}

func (Dialect) StagingName(attemptID string) string {
	return "signals_staging_" + strings.ReplaceAll(attemptID, "-", "")
}

func (Dialect) CreateStagingSQL(name string, cols []storage.ColumnSpec) string {
	return buildStagingSQL(name, cols)
}

func (d Dialect) InsertReturningSQL(table string, cols []string, idCol string) string {
	return storage.ReturningInsertSQL(d, table, cols, idCol)
}

func (d Dialect) UpsertSQL(table string, cols, conflictCols, updateCols []string) string {
	return storage.OnConflictUpsertSQL(d, table, cols, conflictCols, updateCols)
}

// ResetSQL deletes children first and clears sqlite_sequence so AUTOINCREMENT
// keys start again at 1.
func (Dialect) ResetSQL(tables []storage.TableSpec) []string {
	var out, seq []string
	for _, name := range storage.ReverseTables(tables) {
		out = append(out, "DELETE FROM "+sqlIdent(name))
	}
	for _, t := range tables {
		if t.PrimaryKey != nil {
			seq = append(seq, "'"+strings.ReplaceAll(t.Name, "'", "''")+"'")
		}
	}
	if len(seq) > 0 {
		out = append(out, "DELETE FROM sqlite_sequence WHERE name IN ("+strings.Join(seq, ", ")+")")
	}
	return out
}

func (Dialect) IsUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	}
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE constraint failed")
}

func isDataError(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case constraintDatatype, sqlite3.SQLITE_MISMATCH:
		return true
	}
	return strings.Contains(se.Error(), "cannot store")
}

var (
	_ storage.Gateway = (*Gateway)(nil)
	_ storage.Tx      = (*Tx)(nil)
	_ storage.Dialect = Dialect{}
)
