package ingest

import (
	"context"
	"time"

	"sensoretl/internal/storage"
)

// Reset empties datasets, signals and the dimension tables and restarts the
// dataset id sequence, all in one transaction. Staging relations are
// per-attempt temporaries, so there is nothing else to clear.
//
// Reset returns ErrResetDisabled unless Options.AllowReset was set.
func (o *Orchestrator) Reset(ctx context.Context) error {
	if !o.allowReset {
		return &Error{Kind: KindRejectedInput, Op: "reset", Detail: "set ALLOW_ADMIN_RESET=true to enable", Err: ErrResetDisabled}
	}

	start := time.Now()
	err := o.reset(ctx)
	o.step("reset", start, err)
	if err != nil {
		return err
	}
	o.log.Printf("stage=reset ok duration=%s", durMS(start))
	return nil
}

func (o *Orchestrator) reset(ctx context.Context) error {
	tx, err := o.gw.Begin(ctx)
	if err != nil {
		return resourceFailure("reset", err)
	}
	for _, q := range o.gw.Dialect().ResetSQL(storage.SensorSchema()) {
		if _, err := tx.Exec(ctx, q); err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			return txFailure("reset", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return txFailure("reset", err)
	}
	return nil
}
