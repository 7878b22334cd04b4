package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"
)

// ErrMalformedInput marks bulk-load failures caused by the input data itself
// (wrong column count, non-numeric value) as opposed to store failures.
var ErrMalformedInput = errors.New("malformed input")

// Config is the minimal configuration needed to open a Gateway.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string `json:"kind" yaml:"kind"`
	DSN  string `json:"dsn" yaml:"dsn"`
}

// RowScanner is the narrow single-row result both pgx.Row and *sql.Row satisfy.
type RowScanner interface {
	Scan(dest ...any) error
}

// Gateway is the backend-agnostic handle to the relational store.
//
// Each ingestion begins its own Tx; the Gateway itself holds no per-request
// state and is safe for concurrent use.
type Gateway interface {
	// Dialect renders backend-specific SQL for the ingest pipeline.
	Dialect() Dialect

	// EnsureTables creates tables and indexes that do not exist yet.
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// Begin opens a transaction. Callers must Commit or Rollback.
	Begin(ctx context.Context) (Tx, error)

	// QueryRow runs a single-row query outside any transaction.
	QueryRow(ctx context.Context, query string, args ...any) RowScanner

	// Close releases pooled connections.
	Close()
}

// Tx is one transaction on one connection. A Tx is not safe for concurrent use.
type Tx interface {
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)

	QueryRow(ctx context.Context, query string, args ...any) RowScanner

	// CopyFrom bulk-loads headerless CSV from src into table using the
	// backend's native bulk primitive. Rows keep their input order. Data
	// errors are reported wrapping ErrMalformedInput.
	CopyFrom(ctx context.Context, table string, columns []string, src io.Reader) (int64, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Dialect renders the SQL that differs between backends.
type Dialect interface {
	Name() string

	// Ident quotes a single identifier.
	Ident(name string) string

	// Placeholder returns the n-th (1-based) bind parameter marker.
	Placeholder(n int) string

	// MicrosFromSeconds wraps a fractional-seconds expression so that it
	// yields whole microseconds, truncated toward zero.
	MicrosFromSeconds(expr string) string

	// StagingName returns the relation name for one ingestion attempt.
	StagingName(attemptID string) string
	CreateStagingSQL(name string, cols []ColumnSpec) string
	DropStagingSQL(name string) string

	// InsertReturningSQL inserts one row and yields idCol as a single-row result.
	InsertReturningSQL(table string, cols []string, idCol string) string

	// UpsertSQL inserts one row; on a conflict over conflictCols it overwrites
	// updateCols, or does nothing when updateCols is empty.
	UpsertSQL(table string, cols, conflictCols, updateCols []string) string

	// ResetSQL empties every table and restarts generated identifiers.
	ResetSQL(tables []TableSpec) []string

	// BindDate converts a calendar date into the driver's preferred argument.
	BindDate(t time.Time) any

	IsUniqueViolation(err error) bool
}

type factory func(ctx context.Context, cfg Config) (Gateway, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f func(ctx context.Context, cfg Config) (Gateway, error)) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens a Gateway using the registered backend factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Gateway, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
