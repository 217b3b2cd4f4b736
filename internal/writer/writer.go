// Package writer applies a reconciliation plan to the metrics store in paced
// sub-batches. Writes are not transactional: rows committed before a failure
// stay committed.
package writer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cyderes/post-metrics-service/internal/metrics"
	"github.com/cyderes/post-metrics-service/internal/models"
	"github.com/cyderes/post-metrics-service/internal/retry"
	"github.com/cyderes/post-metrics-service/internal/storage"
)

// ErrStoreWrite marks a store write that failed for good.
var ErrStoreWrite = errors.New("store write failed")

const (
	opUpdate = "update"
	opAppend = "append"
)

// Config controls sub-batch sizes, pacing and retries.
type Config struct {
	UpdateBatchSize int
	InsertBatchSize int
	// WriteDelay separates single row updates inside a sub-batch.
	WriteDelay time.Duration
	// BatchDelay separates sub-batches.
	BatchDelay time.Duration
	Retry      retry.Policy
}

// DefaultConfig returns sub-batches of 10, 500ms between row updates and 2s
// between sub-batches.
func DefaultConfig() Config {
	return Config{
		UpdateBatchSize: 10,
		InsertBatchSize: 10,
		WriteDelay:      500 * time.Millisecond,
		BatchDelay:      2 * time.Second,
		Retry:           retry.DefaultPolicy(),
	}
}

// Result counts the rows committed to the store.
type Result struct {
	Updated  int
	Inserted int
}

// WriteError describes the write that stopped Apply. It matches ErrStoreWrite.
type WriteError struct {
	Operation string
	PostID    string
	RowNumber int
	Err       error
}

func (e *WriteError) Error() string {
	if e.RowNumber > 0 {
		return fmt.Sprintf("failed to %s row %d for post %s: %v", e.Operation, e.RowNumber, e.PostID, e.Err)
	}
	return fmt.Sprintf("failed to %s rows starting at post %s: %v", e.Operation, e.PostID, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is reports ErrStoreWrite as a match.
func (e *WriteError) Is(target error) bool { return target == ErrStoreWrite }

// Writer writes plans to a MetricsStore.
type Writer struct {
	store   storage.MetricsStore
	cfg     Config
	sleeper retry.Sleeper
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New creates a Writer. A nil sleeper sleeps on the wall clock.
func New(store storage.MetricsStore, cfg Config, sleeper retry.Sleeper, m *metrics.Metrics, logger *zap.Logger) *Writer {
	def := DefaultConfig()
	if cfg.UpdateBatchSize < 1 {
		cfg.UpdateBatchSize = def.UpdateBatchSize
	}
	if cfg.InsertBatchSize < 1 {
		cfg.InsertBatchSize = def.InsertBatchSize
	}
	if sleeper == nil {
		sleeper = retry.TimerSleeper{}
	}
	return &Writer{
		store:   store,
		cfg:     cfg,
		sleeper: sleeper,
		metrics: m,
		logger:  logger,
	}
}

// Apply writes updates first, then inserts. On failure it returns what was
// committed so far together with a *WriteError.
func (w *Writer) Apply(ctx context.Context, plan models.ReconciliationPlan) (Result, error) {
	var res Result

	for i, u := range plan.Updates {
		if i > 0 {
			delay := w.cfg.WriteDelay
			if i%w.cfg.UpdateBatchSize == 0 {
				delay = w.cfg.BatchDelay
			}
			if err := w.sleeper.Sleep(ctx, delay); err != nil {
				return res, &WriteError{Operation: opUpdate, PostID: u.Row.PostID(), RowNumber: u.RowNumber, Err: err}
			}
		}

		err := w.write(ctx, opUpdate, func(ctx context.Context) error {
			return w.store.UpdateMetricsRow(ctx, u.RowNumber, u.Row)
		})
		if err != nil {
			return res, &WriteError{Operation: opUpdate, PostID: u.Row.PostID(), RowNumber: u.RowNumber, Err: err}
		}
		res.Updated++
	}
	if len(plan.Updates) > 0 {
		w.logger.Info("updated existing rows", zap.Int("count", res.Updated))
	}

	for start := 0; start < len(plan.Inserts); start += w.cfg.InsertBatchSize {
		end := start + w.cfg.InsertBatchSize
		if end > len(plan.Inserts) {
			end = len(plan.Inserts)
		}
		batch := plan.Inserts[start:end]

		if start > 0 || len(plan.Updates) > 0 {
			if err := w.sleeper.Sleep(ctx, w.cfg.BatchDelay); err != nil {
				return res, &WriteError{Operation: opAppend, PostID: batch[0].PostID(), Err: err}
			}
		}

		err := w.write(ctx, opAppend, func(ctx context.Context) error {
			return w.store.AppendMetricsRows(ctx, batch)
		})
		if err != nil {
			return res, &WriteError{Operation: opAppend, PostID: batch[0].PostID(), Err: err}
		}
		res.Inserted += len(batch)
	}
	if len(plan.Inserts) > 0 {
		w.logger.Info("appended new rows", zap.Int("count", res.Inserted))
	}

	return res, nil
}

func (w *Writer) write(ctx context.Context, op string, fn func(context.Context) error) error {
	err := retry.Do(ctx, w.cfg.Retry, w.sleeper, retryable,
		func(attempt int, err error, delay time.Duration) {
			w.metrics.StoreRetry(op)
			w.logger.Warn("store write failed, backing off",
				zap.String("operation", op),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		}, fn)
	if err != nil {
		w.metrics.StoreWrite(op, "error")
		return err
	}
	w.metrics.StoreWrite(op, "success")
	return nil
}

func retryable(err error) bool {
	if storage.IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
