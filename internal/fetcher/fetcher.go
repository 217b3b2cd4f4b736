// Package fetcher pulls metrics for post identifiers from a provider in
// paced, sequential batches.
package fetcher

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/cyderes/post-metrics-service/internal/metrics"
	"github.com/cyderes/post-metrics-service/internal/models"
	"github.com/cyderes/post-metrics-service/internal/provider"
	"github.com/cyderes/post-metrics-service/internal/retry"
)

// ReasonNoData is reported for identifiers the provider returned nothing usable for.
const ReasonNoData = "No data retrieved for tweet"

// Config controls batching, pacing and retries.
type Config struct {
	BatchSize           int
	BatchDelay          time.Duration
	Retry               retry.Policy
	PlaceholderPatterns []string
}

// DefaultConfig returns batches of 15 with two seconds between batches.
func DefaultConfig() Config {
	return Config{
		BatchSize:           15,
		BatchDelay:          2 * time.Second,
		Retry:               retry.DefaultPolicy(),
		PlaceholderPatterns: provider.DefaultPlaceholderPatterns,
	}
}

// Fetcher calls the provider once per batch.
type Fetcher struct {
	provider provider.Provider
	cfg      Config
	sleeper  retry.Sleeper
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates a Fetcher. A nil sleeper sleeps on the wall clock.
func New(p provider.Provider, cfg Config, sleeper retry.Sleeper, m *metrics.Metrics, logger *zap.Logger) *Fetcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if sleeper == nil {
		sleeper = retry.TimerSleeper{}
	}
	return &Fetcher{
		provider: p,
		cfg:      cfg,
		sleeper:  sleeper,
		metrics:  m,
		logger:   logger,
	}
}

// Fetch returns validated records plus one BatchError per identifier that
// produced none. Batch failures are recorded, never returned.
func (f *Fetcher) Fetch(ctx context.Context, ids []string) ([]models.MetricsRecord, []models.BatchError) {
	var (
		records []models.MetricsRecord
		errs    []models.BatchError
	)

	batches := partition(ids, f.cfg.BatchSize)
	for i, batch := range batches {
		if i > 0 {
			if err := f.sleeper.Sleep(ctx, f.cfg.BatchDelay); err != nil {
				for _, rest := range batches[i:] {
					errs = append(errs, failAll(rest, err.Error())...)
				}
				break
			}
		}

		got, batchErrs := f.fetchBatch(ctx, i, batch)
		records = append(records, got...)
		errs = append(errs, batchErrs...)
	}

	return records, errs
}

func (f *Fetcher) fetchBatch(ctx context.Context, index int, batch []string) ([]models.MetricsRecord, []models.BatchError) {
	log := f.logger.With(zap.Int("batch", index), zap.Int("size", len(batch)))

	var raws []provider.RawRecord
	err := retry.Do(ctx, f.cfg.Retry, f.sleeper, provider.IsRateLimited,
		func(attempt int, err error, delay time.Duration) {
			f.metrics.ProviderRetry()
			log.Warn("provider rate limited, backing off",
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
		func(ctx context.Context) error {
			var err error
			raws, err = f.provider.FetchBatch(ctx, batch)
			return err
		})
	if err != nil {
		f.metrics.ProviderCall(outcome(err))
		log.Error("batch failed", zap.Error(err))
		return nil, failAll(batch, err.Error())
	}
	f.metrics.ProviderCall("success")

	wanted := make(map[string]bool, len(batch))
	for _, id := range batch {
		wanted[id] = true
	}

	found := make(map[string]bool, len(batch))
	var records []models.MetricsRecord
	for _, raw := range raws {
		rec, err := provider.Parse(raw, f.cfg.PlaceholderPatterns)
		if err != nil {
			log.Debug("discarding provider record", zap.Error(err))
			continue
		}
		if !wanted[rec.PostID] {
			log.Debug("discarding record outside batch", zap.String("post_id", rec.PostID))
			continue
		}
		if found[rec.PostID] {
			continue
		}
		found[rec.PostID] = true
		records = append(records, rec)
	}

	var errs []models.BatchError
	for _, id := range batch {
		if !found[id] {
			errs = append(errs, models.BatchError{PostID: id, Reason: ReasonNoData})
		}
	}

	log.Info("batch fetched", zap.Int("records", len(records)), zap.Int("missing", len(errs)))
	return records, errs
}

func outcome(err error) string {
	var exhausted *retry.ExhaustedError
	switch {
	case errors.As(err, &exhausted):
		return "rate_limited"
	case provider.IsTimeout(err):
		return "timeout"
	default:
		return "error"
	}
}

func failAll(ids []string, reason string) []models.BatchError {
	errs := make([]models.BatchError, 0, len(ids))
	for _, id := range ids {
		errs = append(errs, models.BatchError{PostID: id, Reason: reason})
	}
	return errs
}

func partition(ids []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}
