package persistence

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/danieljoseph18/V2-Perps-sub004/internal/observability"
)

// Worker drains execution rows from the engine loop and batch-writes
// them to Postgres. The channel send from the engine loop is blocking,
// so if the worker falls behind the loop stalls rather than losing a
// row.
type Worker struct {
	db      *sql.DB
	writer  *ExecutionLogWriter
	in      <-chan ExecutionRow
	log     zerolog.Logger
	metrics *observability.Metrics

	batchSize    int
	flushTimeout time.Duration
}

func NewWorker(
	db *sql.DB,
	in <-chan ExecutionRow,
	batchSize int,
	flushTimeout time.Duration,
	log zerolog.Logger,
	metrics *observability.Metrics,
) *Worker {
	return &Worker{
		db:           db,
		writer:       NewExecutionLogWriter(db),
		in:           in,
		log:          log,
		metrics:      metrics,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
	}
}

// Run batches incoming rows and flushes when the batch fills or the
// flush timeout fires. Blocks until ctx is cancelled or the input
// channel closes; either way the remaining batch is flushed first.
func (w *Worker) Run(ctx context.Context) error {
	batch := make([]ExecutionRow, 0, w.batchSize)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case row, ok := <-w.in:
			if !ok {
				if len(batch) > 0 {
					if err := w.flush(context.Background(), batch); err != nil {
						w.log.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, row)
			if len(batch) >= w.batchSize {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				w.flushWithRetry(ctx, batch)
				batch = batch[:0]
			}
			timer.Reset(w.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff. The worker never
// drops a batch; on shutdown it makes one final attempt with a
// background context.
func (w *Worker) flushWithRetry(ctx context.Context, batch []ExecutionRow) {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("rows", len(batch)).
				Msg("retrying execution log flush")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), batch); err != nil {
					w.log.Error().Err(err).Msg("shutdown flush failed, batch lost")
				}
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		if err := w.flush(ctx, batch); err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt+1).Msg("execution log flush recovered")
			}
			return
		}
		w.metrics.RecordPersistError("retry")
	}
}

func (w *Worker) flush(ctx context.Context, batch []ExecutionRow) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		w.metrics.RecordPersistError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteBatch(ctx, tx, batch); err != nil {
		w.metrics.RecordPersistError("write")
		return err
	}
	if err := tx.Commit(); err != nil {
		w.metrics.RecordPersistError("tx_commit")
		return err
	}

	if w.metrics != nil {
		w.metrics.ExecutionsLogged.Add(float64(len(batch)))
	}
	return nil
}
