package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	mssql "github.com/microsoft/go-mssqldb"

	"sensoretl/internal/parser/csv"
	"sensoretl/internal/storage"
)

// SQL Server error numbers for duplicate keys.
const (
	errUniqueConstraint = 2627
	errUniqueIndex      = 2601
)

// Gateway implements storage.Gateway for Microsoft SQL Server.
//
// Bulk loads use the TDS bulk-copy protocol (mssql.CopyIn) into a #temp
// staging table on the transaction's session. Upserts are single-row MERGE
// statements; inserted identifiers come back through OUTPUT INSERTED.
type Gateway struct {
	db dbConn
}

func init() {
	storage.Register("mssql", New)
}

// New constructs a Gateway using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext.
func New(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Each ingestion holds one connection for its whole transaction.
	raw.SetMaxOpenConns(32)
	raw.SetMaxIdleConns(8)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Gateway{db: &sqlDB{db: raw}}, nil
}

// Close releases database resources held by this gateway.
func (g *Gateway) Close() {
	if g == nil || g.db == nil {
		return
	}
	_ = g.db.Close()
}

func (g *Gateway) Dialect() storage.Dialect { return Dialect{} }

// EnsureTables creates missing tables and indexes. Each statement is guarded,
// so this is safe to run on every start.
func (g *Gateway) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		tableSQL, indexSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if _, err := g.db.ExecContext(ctx, tableSQL); err != nil {
			return fmt.Errorf("mssql: create table %s: %w", t.Name, err)
		}
		for _, q := range indexSQL {
			if _, err := g.db.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("mssql: create index on %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func (g *Gateway) QueryRow(ctx context.Context, query string, args ...any) storage.RowScanner {
	return g.db.QueryRowContext(ctx, query, args...)
}

func (g *Gateway) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx is a storage.Tx over a txConn.
type Tx struct {
	tx txConn
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) storage.RowScanner {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// CopyFrom bulk-copies headerless CSV into table. Numeric staging columns are
// parsed in Go because the bulk-copy encoder does not coerce strings to FLOAT;
// a value that does not parse fails with storage.ErrMalformedInput.
func (t *Tx) CopyFrom(ctx context.Context, table string, columns []string, src io.Reader) (int64, error) {
	stmt, err := t.tx.PrepareContext(ctx, mssql.CopyIn(mssqlIdent(table), mssql.BulkOptions{Tablock: true}, columns...))
	if err != nil {
		return 0, fmt.Errorf("mssql: prepare bulk copy into %s: %w", table, err)
	}
	defer stmt.Close()

	// Line 1 of the upload is the header, consumed before CopyFrom.
	_, err = csv.StreamRecords(ctx, src, csv.Options{Width: len(columns), FirstLine: 2, Convert: converterFor(columns)},
		func(line int, values []any) error {
			_, err := stmt.ExecContext(ctx, values...)
			return err
		})
	if err != nil {
		var re *csv.RowError
		if errors.As(err, &re) {
			return 0, fmt.Errorf("%w: %v", storage.ErrMalformedInput, err)
		}
		return 0, fmt.Errorf("mssql: bulk copy into %s: %w", table, err)
	}

	// An Exec with no arguments flushes the batch and reports the row count.
	res, err := stmt.ExecContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("mssql: flush bulk copy into %s: %w", table, err)
	}
	return res.RowsAffected()
}

func (t *Tx) Commit(context.Context) error { return t.tx.Commit() }

func (t *Tx) Rollback(context.Context) error { return t.tx.Rollback() }

// numericColumns are the staging columns loaded as FLOAT.
var numericColumns = func() map[string]bool {
	out := map[string]bool{}
	for _, c := range storage.StagingColumns() {
		if c.Type == storage.TypeDouble || c.Type == storage.TypeNumeric {
			out[c.Name] = true
		}
	}
	return out
}()

func converterFor(columns []string) func(col int, raw string) (any, error) {
	numeric := make([]bool, len(columns))
	for i, c := range columns {
		numeric[i] = numericColumns[c]
	}
	return func(col int, raw string) (any, error) {
		if col >= len(numeric) || !numeric[col] {
			return raw, nil
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("column %s: %q is not a number", columns[col], raw)
		}
		return f, nil
	}
}

// Dialect renders T-SQL.
type Dialect struct{}

func (Dialect) Name() string             { return "mssql" }
func (Dialect) Ident(name string) string { return mssqlTableIdent(name) }
func (Dialect) Placeholder(n int) string { return "@p" + strconv.Itoa(n) }
func (Dialect) BindDate(d time.Time) any { return civil.DateOf(d) }

// MicrosFromSeconds rounds away binary floating-point error before the
// truncating cast to BIGINT.
func (Dialect) MicrosFromSeconds(expr string) string {
	return "CAST(ROUND(" + expr + " * 1000000, 3) AS BIGINT)"
}

// StagingName returns a local temporary (#) table name.
func (Dialect) StagingName(attemptID string) string {
	return "#signals_staging_" + strings.ReplaceAll(attemptID, "-", "")
}

func (Dialect) CreateStagingSQL(name string, cols []storage.ColumnSpec) string {
	return buildStagingSQL(name, cols)
}

func (Dialect) DropStagingSQL(name string) string {
	return "DROP TABLE IF EXISTS " + mssqlIdent(name) + ";"
}

func (Dialect) InsertReturningSQL(table string, cols []string, idCol string) string {
	return buildInsertOutputSQL(table, cols, idCol)
}

func (Dialect) UpsertSQL(table string, cols, conflictCols, updateCols []string) string {
	return buildMergeSQL(table, cols, conflictCols, updateCols)
}

func (Dialect) ResetSQL(tables []storage.TableSpec) []string { return buildResetSQL(tables) }

func (Dialect) IsUniqueViolation(err error) bool {
	var e mssql.Error
	if errors.As(err, &e) {
		return e.Number == errUniqueConstraint || e.Number == errUniqueIndex
	}
	var pe *mssql.Error
	if errors.As(err, &pe) && pe != nil {
		return pe.Number == errUniqueConstraint || pe.Number == errUniqueIndex
	}
	return false
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
//
// It intentionally includes only the methods this file needs.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

// compile-time sanity checks (no runtime cost).
var (
	_ dbConn          = (*sqlDB)(nil)
	_ txConn          = (*sql.Tx)(nil)
	_ storage.Gateway = (*Gateway)(nil)
	_ storage.Tx      = (*Tx)(nil)
	_ storage.Dialect = Dialect{}
)
