package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/fetcher"
	"github.com/cyderes/post-metrics-service/internal/lock"
	"github.com/cyderes/post-metrics-service/internal/metrics"
	"github.com/cyderes/post-metrics-service/internal/models"
	"github.com/cyderes/post-metrics-service/internal/provider"
	"github.com/cyderes/post-metrics-service/internal/reconcile"
	"github.com/cyderes/post-metrics-service/internal/retry"
	"github.com/cyderes/post-metrics-service/internal/selector"
	"github.com/cyderes/post-metrics-service/internal/storage"
	"github.com/cyderes/post-metrics-service/internal/writer"
)

// ErrRunInProgress is returned when another run holds the run lock
var ErrRunInProgress = errors.New("a metrics update is already in progress")

// Options carries the optional collaborators of a Service
type Options struct {
	Locker  lock.Locker
	Metrics *metrics.Metrics
	Sleeper retry.Sleeper
	Logger  *zap.Logger
	Now     func() time.Time
}

// Service runs metrics reconciliations: select, fetch, reconcile, write
type Service struct {
	config   config.IngestionConfig
	logs     storage.LogSource
	store    storage.MetricsStore
	selector *selector.Selector
	fetcher  *fetcher.Fetcher
	writer   *writer.Writer
	locker   lock.Locker
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu     sync.RWMutex
	status models.RunStatus
}

// NewService creates a new ingestion service
func NewService(cfg config.IngestionConfig, logs storage.LogSource, store storage.MetricsStore, p provider.Provider, opts Options) (*Service, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	policy := retry.Policy{
		MaxAttempts:  cfg.MaxRetries,
		InitialDelay: cfg.InitialDelay,
		Multiplier:   2,
		MaxDelay:     time.Minute,
	}

	patterns := cfg.PlaceholderPatterns
	if len(patterns) == 0 {
		patterns = provider.DefaultPlaceholderPatterns
	}

	f := fetcher.New(p, fetcher.Config{
		BatchSize:           cfg.BatchSize,
		BatchDelay:          cfg.BatchDelay,
		Retry:               policy,
		PlaceholderPatterns: patterns,
	}, opts.Sleeper, opts.Metrics, opts.Logger.Named("fetcher"))

	w := writer.New(store, writer.Config{
		UpdateBatchSize: cfg.UpdateBatchSize,
		InsertBatchSize: cfg.InsertBatchSize,
		WriteDelay:      cfg.WriteDelay,
		BatchDelay:      cfg.WriteBatchDelay,
		Retry:           policy,
	}, opts.Sleeper, opts.Metrics, opts.Logger.Named("writer"))

	return &Service{
		config:   cfg,
		logs:     logs,
		store:    store,
		selector: selector.New(loc, opts.Logger.Named("selector")),
		fetcher:  f,
		writer:   w,
		locker:   opts.Locker,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      opts.Now,
		status:   models.RunStatus{State: models.StateIdle},
	}, nil
}

// Start runs the scheduled selection once, then on every interval tick until
// ctx is cancelled. Run errors are logged and do not stop the loop.
func (s *Service) Start(ctx context.Context) error {
	if s.config.Interval <= 0 {
		s.logger.Info("scheduled runs disabled")
		return nil
	}

	s.runScheduled(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runScheduled(ctx)
		}
	}
}

func (s *Service) runScheduled(ctx context.Context) {
	_, err := s.Run(ctx, s.config.ScheduleType, s.config.ScheduleValue)
	switch {
	case err == nil:
	case errors.Is(err, ErrRunInProgress):
		s.logger.Info("skipping scheduled run, another run is in progress")
	default:
		s.logger.Error("scheduled run failed", zap.Error(err))
	}
}

// Run performs one reconciliation. Per-identifier failures land in the
// report; selection and store failures also return an error alongside the
// partial report.
func (s *Service) Run(ctx context.Context, selectionType, selectionValue string) (*models.Report, error) {
	req, err := selector.ParseRequest(selectionType, selectionValue)
	if err != nil {
		return nil, err
	}

	if s.locker != nil {
		release, err := s.locker.Acquire(ctx)
		if errors.Is(err, lock.ErrLocked) {
			return nil, ErrRunInProgress
		}
		if err != nil {
			return nil, fmt.Errorf("failed to acquire run lock: %w", err)
		}
		defer release()
	}

	report := &models.Report{
		RunID:     uuid.NewString(),
		State:     models.StateIdle,
		StartedAt: s.now().UTC(),
	}
	log := s.logger.With(zap.String("run_id", report.RunID))
	log.Info("starting metrics update",
		zap.String("selection_type", string(req.Kind)),
		zap.String("selection_value", req.Value))

	s.mu.Lock()
	s.status.LastAttempt = report.StartedAt
	s.mu.Unlock()

	s.transition(report, log, models.StateSelecting)
	rows, err := s.logs.ReadLogRows(ctx)
	if err != nil {
		return s.fail(report, log, fmt.Errorf("failed to read logged posts: %w", err))
	}
	selected, err := s.selector.Select(req, rows)
	if err != nil {
		return s.fail(report, log, err)
	}
	ids := normalize(selected)
	if len(ids) == 0 {
		return s.fail(report, log, selector.ErrNoCandidates)
	}
	report.TotalRequested = len(ids)

	s.transition(report, log, models.StateFetching)
	var (
		existing []models.StoredRow
		records  []models.MetricsRecord
		fetchErr []models.BatchError
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		existing, err = s.store.ReadMetricsRows(gctx)
		if err != nil {
			return fmt.Errorf("failed to read metrics store: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		records, fetchErr = s.fetcher.Fetch(gctx, ids)
		return nil
	})
	if err := g.Wait(); err != nil {
		report.Errors = fetchErr
		return s.fail(report, log, err)
	}
	report.Errors = fetchErr
	log.Info("fetched metrics", zap.Int("records", len(records)), zap.Int("failed", len(fetchErr)))

	s.transition(report, log, models.StateReconciling)
	plan := reconcile.Plan(existing, records, s.now())
	log.Info("reconciled against store",
		zap.Int("existing_rows", len(existing)),
		zap.Int("updates", len(plan.Updates)),
		zap.Int("inserts", len(plan.Inserts)))

	s.transition(report, log, models.StateWriting)
	res, err := s.writer.Apply(ctx, plan)
	report.UpdatedCount = res.Updated
	report.InsertedCount = res.Inserted
	if err != nil {
		var werr *writer.WriteError
		if errors.As(err, &werr) {
			report.Errors = append(report.Errors, models.BatchError{
				PostID:    werr.PostID,
				RowNumber: werr.RowNumber,
				Reason:    werr.Err.Error(),
			})
		}
		return s.fail(report, log, err)
	}

	s.finish(report, log, models.StateDone, nil)
	return report, nil
}

// Status returns the state of the current or most recent run
func (s *Service) Status() models.RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Service) transition(report *models.Report, log *zap.Logger, state models.RunState) {
	report.State = state
	s.mu.Lock()
	s.status.State = state
	s.mu.Unlock()
	log.Debug("run state changed", zap.String("state", string(state)))
}

func (s *Service) fail(report *models.Report, log *zap.Logger, err error) (*models.Report, error) {
	s.finish(report, log, models.StateFailed, err)
	return report, err
}

func (s *Service) finish(report *models.Report, log *zap.Logger, state models.RunState, err error) {
	report.State = state
	report.FinishedAt = s.now().UTC()
	report.FailedCount = len(report.Errors)
	duration := report.FinishedAt.Sub(report.StartedAt)

	snapshot := *report
	s.mu.Lock()
	s.status.State = state
	s.status.LastReport = &snapshot
	if err != nil {
		s.status.ErrorMessage = err.Error()
	} else {
		s.status.ErrorMessage = ""
		s.status.LastSuccessfulRun = report.FinishedAt
	}
	s.mu.Unlock()

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.RunFinished(outcome, duration, report.UpdatedCount, report.InsertedCount, report.FailedCount)

	fields := []zap.Field{
		zap.String("state", string(state)),
		zap.Int("total_requested", report.TotalRequested),
		zap.Int("updated", report.UpdatedCount),
		zap.Int("inserted", report.InsertedCount),
		zap.Int("failed", report.FailedCount),
		zap.Duration("duration", duration),
	}
	if err != nil {
		log.Error("metrics update failed", append(fields, zap.Error(err))...)
		return
	}
	log.Info("metrics update complete", fields...)
}

// normalize trims identifiers and drops blanks and repeats, keeping first occurrence order.
func normalize(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
