package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"sensoretl/internal/storage"
)

func openTestGateway(t *testing.T) *Gateway {
	t.Helper()
	ctx := context.Background()
	gw, err := New(ctx, storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "sensors.db")})
	require.NoError(t, err)
	t.Cleanup(gw.Close)
	require.NoError(t, gw.EnsureTables(ctx, storage.SensorSchema()))
	return gw.(*Gateway)
}

func TestGateway_EnsureTablesIsIdempotent(t *testing.T) {
	gw := openTestGateway(t)
	require.NoError(t, gw.EnsureTables(context.Background(), storage.SensorSchema()))

	var n int
	require.NoError(t, gw.DB().Get(&n, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('datasets','persons','flights','boxes','signals')`))
	require.Equal(t, 5, n)
}

func TestGateway_UniqueViolationIsDetected(t *testing.T) {
	gw := openTestGateway(t)
	ctx := context.Background()
	d := gw.Dialect()

	q := d.InsertReturningSQL(storage.TableDatasets, []string{"file_name", "flight_code", "box_name", "box_color", "role", "person_name"}, "dataset_id")
	args := []any{"a.csv", "F1", "B1", "Red", "Operator", "Ulf"}

	tx, err := gw.Begin(ctx)
	require.NoError(t, err)
	var id int64
	require.NoError(t, tx.QueryRow(ctx, q, args...).Scan(&id))
	require.Equal(t, int64(1), id)

	err = tx.QueryRow(ctx, q, args...).Scan(&id)
	require.Error(t, err)
	require.True(t, d.IsUniqueViolation(err), "err=%v", err)
	require.NoError(t, tx.Rollback(ctx))

	require.False(t, d.IsUniqueViolation(errors.New("UNIQUE constraint failed")))
}

func TestTx_CopyFromStreamsIntoStrictStaging(t *testing.T) {
	gw := openTestGateway(t)
	ctx := context.Background()
	d := gw.Dialect()

	tx, err := gw.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()

	name := d.StagingName("attempt1")
	_, err = tx.Exec(ctx, d.CreateStagingSQL(name, storage.StagingColumns()))
	require.NoError(t, err)

	row := "0.5,H," + strings.Repeat("1.0,", len(storage.SignalChannels)) + "0.25,F\n"
	n, err := tx.CopyFrom(ctx, name, storage.StagingColumnNames(), strings.NewReader(row+row))
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	var maxRow int64
	require.NoError(t, tx.QueryRow(ctx, `SELECT MAX("row_no") FROM `+d.Ident(name)).Scan(&maxRow))
	require.Equal(t, int64(2), maxRow)
}

func TestTx_CopyFromRejectsMalformedRows(t *testing.T) {
	gw := openTestGateway(t)
	ctx := context.Background()
	d := gw.Dialect()

	tests := []struct {
		name string
		body string
	}{
		{name: "non_numeric_channel", body: "0.5,H,abc," + strings.Repeat("1.0,", len(storage.SignalChannels)-1) + "0.25,F\n"},
		{name: "short_row", body: "0.5,H,1.0\n"},
	}
	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tx, err := gw.Begin(ctx)
			require.NoError(t, err)
			defer func() { _ = tx.Rollback(ctx) }()

			name := d.StagingName(tc.name)
			_, err = tx.Exec(ctx, d.CreateStagingSQL(name, storage.StagingColumns()))
			require.NoError(t, err, "case %d", i)

			_, err = tx.CopyFrom(ctx, name, storage.StagingColumnNames(), strings.NewReader(tc.body))
			require.Error(t, err)
			require.True(t, errors.Is(err, storage.ErrMalformedInput), "err=%v", err)
			require.Contains(t, err.Error(), "line 2")
		})
	}
}

func TestDialect_ResetRestartsIdentity(t *testing.T) {
	gw := openTestGateway(t)
	ctx := context.Background()
	d := gw.Dialect()
	q := d.InsertReturningSQL(storage.TableDatasets, []string{"file_name", "flight_code", "box_name", "box_color", "role", "person_name"}, "dataset_id")

	insert := func(name string) int64 {
		tx, err := gw.Begin(ctx)
		require.NoError(t, err)
		var id int64
		require.NoError(t, tx.QueryRow(ctx, q, name, "F", "B", "C", "R", "P").Scan(&id))
		require.NoError(t, tx.Commit(ctx))
		return id
	}

	insert("a.csv")
	require.Equal(t, int64(2), insert("b.csv"))

	tx, err := gw.Begin(ctx)
	require.NoError(t, err)
	for _, stmt := range d.ResetSQL(storage.SensorSchema()) {
		_, err := tx.Exec(ctx, stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, int64(1), insert("a.csv"))
}
