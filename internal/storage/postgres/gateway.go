package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"sensoretl/internal/storage"
)

/*
Gateway implements storage.Gateway for Postgres.

It provides:
  - pooled connections via pgxpool
  - bulk loads through the COPY protocol inside the caller's transaction
  - error classification with pgerrcode (data exceptions, unique violations)
*/
type Gateway struct {
	pool *pgxpool.Pool
}

func init() {
	storage.Register("postgres", New)
}

// New creates a pool for cfg.DSN and verifies connectivity.
func New(ctx context.Context, cfg storage.Config) (storage.Gateway, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Gateway{pool: pool}, nil
}

// Close closes the connection pool.
func (g *Gateway) Close() { g.pool.Close() }

func (g *Gateway) Dialect() storage.Dialect { return Dialect{} }

// EnsureTables creates missing schemas, tables and indexes.
func (g *Gateway) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		schemaSQL, tableSQL, indexSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := g.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := g.pool.Exec(ctx, tableSQL); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		for _, q := range indexSQL {
			if _, err := g.pool.Exec(ctx, q); err != nil {
				return fmt.Errorf("create index on %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func (g *Gateway) QueryRow(ctx context.Context, query string, args ...any) storage.RowScanner {
	return g.pool.QueryRow(ctx, query, args...)
}

func (g *Gateway) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

// Tx is a storage.Tx over pgx.Tx.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := t.tx.Exec(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) storage.RowScanner {
	return t.tx.QueryRow(ctx, query, args...)
}

// CopyFrom pipes src straight into COPY ... FROM STDIN on the transaction's
// connection. Postgres parses and type-checks every field; data exceptions
// (SQLSTATE class 22) are reported as storage.ErrMalformedInput.
func (t *Tx) CopyFrom(ctx context.Context, table string, columns []string, src io.Reader) (int64, error) {
	tag, err := t.tx.Conn().PgConn().CopyFrom(ctx, src, buildCopySQL(table, columns))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgerrcode.IsDataException(pgErr.Code) {
			return 0, fmt.Errorf("%w: %s (%s)", storage.ErrMalformedInput, pgErr.Message, copyWhere(pgErr))
		}
		return 0, fmt.Errorf("postgres: copy into %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

func (t *Tx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *Tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// copyWhere extracts the COPY context line ("COPY t, line 3, column x: ...").
func copyWhere(e *pgconn.PgError) string {
	if e.Where != "" {
		return e.Where
	}
	return "sqlstate " + e.Code
}

// Dialect renders Postgres SQL.
type Dialect struct{}

func (Dialect) Name() string             { return "postgres" }
func (Dialect) Ident(name string) string { return pgTableIdent(name) }
func (Dialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }
func (Dialect) BindDate(d time.Time) any { return d }

// MicrosFromSeconds relies on the NUMERIC staging column: the product is
// exact, so TRUNC is a true truncation.
func (Dialect) MicrosFromSeconds(expr string) string {
	return "CAST(TRUNC(" + expr + " * 1000000) AS BIGINT)"
}

func (Dialect) StagingName(attemptID string) string {
	return "signals_staging_" + strings.ReplaceAll(attemptID, "-", "")
}

func (Dialect) CreateStagingSQL(name string, cols []storage.ColumnSpec) string {
	return buildStagingSQL(name, cols)
}

func (Dialect) DropStagingSQL(name string) string {
	return "DROP TABLE IF EXISTS " + pgIdent(name)
}

func (d Dialect) InsertReturningSQL(table string, cols []string, idCol string) string {
	return storage.ReturningInsertSQL(d, table, cols, idCol)
}

func (d Dialect) UpsertSQL(table string, cols, conflictCols, updateCols []string) string {
	return storage.OnConflictUpsertSQL(d, table, cols, conflictCols, updateCols)
}

// ResetSQL truncates every table in one statement and restarts the
// sequences they own.
func (Dialect) ResetSQL(tables []storage.TableSpec) []string {
	names := storage.ReverseTables(tables)
	for i, n := range names {
		names[i] = pgTableIdent(n)
	}
	return []string{"TRUNCATE TABLE " + strings.Join(names, ", ") + " RESTART IDENTITY CASCADE"}
}

func (Dialect) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

var (
	_ storage.Gateway = (*Gateway)(nil)
	_ storage.Tx      = (*Tx)(nil)
	_ storage.Dialect = Dialect{}
)
