package ingestion

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/fetcher"
	"github.com/cyderes/post-metrics-service/internal/lock"
	"github.com/cyderes/post-metrics-service/internal/models"
	"github.com/cyderes/post-metrics-service/internal/provider"
	"github.com/cyderes/post-metrics-service/internal/retry"
	"github.com/cyderes/post-metrics-service/internal/selector"
	"github.com/cyderes/post-metrics-service/internal/storage"
	"github.com/cyderes/post-metrics-service/internal/writer"
)

// MockProvider is a mock implementation of the Provider interface
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) FetchBatch(ctx context.Context, ids []string) ([]provider.RawRecord, error) {
	args := m.Called(ctx, ids)
	records, _ := args.Get(0).([]provider.RawRecord)
	return records, args.Error(1)
}

// failingAppendStore rejects every append.
type failingAppendStore struct {
	*storage.MemoryStorage
}

func (f failingAppendStore) AppendMetricsRows(ctx context.Context, rows []models.MetricsRow) error {
	return storage.Permanent(errors.New("sheet is protected"))
}

// failingReadStore cannot be read.
type failingReadStore struct {
	*storage.MemoryStorage
}

func (f failingReadStore) ReadMetricsRows(ctx context.Context) ([]models.StoredRow, error) {
	return nil, errors.New("connection refused")
}

func noSleep(ctx context.Context, d time.Duration) error { return nil }

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() config.IngestionConfig {
	return config.IngestionConfig{
		BatchSize:       15,
		BatchDelay:      2 * time.Second,
		MaxRetries:      3,
		InitialDelay:    time.Second,
		UpdateBatchSize: 10,
		InsertBatchSize: 10,
		WriteDelay:      500 * time.Millisecond,
		WriteBatchDelay: 2 * time.Second,
		TimeZone:        "UTC",
	}
}

func logRows(n int) []models.LogRow {
	rows := make([]models.LogRow, n)
	for i := range rows {
		rows[i] = models.LogRow{
			Date:   fmt.Sprintf("2024-01-%02d", i%28+1),
			PostID: fmt.Sprintf("%d", 1000+i),
		}
	}
	return rows
}

func rawFor(ids []string) []provider.RawRecord {
	out := make([]provider.RawRecord, 0, len(ids))
	for _, id := range ids {
		out = append(out, provider.RawRecord{
			"id":        id,
			"text":      "post " + id,
			"likeCount": float64(7),
			"author":    map[string]any{"userName": "alice"},
		})
	}
	return out
}

func newTestService(t *testing.T, logs storage.LogSource, store storage.MetricsStore, p provider.Provider, locker lock.Locker) *Service {
	t.Helper()
	svc, err := NewService(testConfig(), logs, store, p, Options{
		Locker:  locker,
		Sleeper: retry.SleeperFunc(noSleep),
		Logger:  zap.NewNop(),
		Now:     func() time.Time { return fixedNow },
	})
	require.NoError(t, err)
	return svc
}

func TestRun_AllSixteenRows(t *testing.T) {
	logs := logRows(16)
	ids := make([]string, len(logs))
	for i, row := range logs {
		ids[i] = row.PostID
	}

	existing := models.RowFromValues([]string{"2024-02-01T00:00:00Z", "1003"})
	store := storage.NewMemoryStorage(logs, []models.MetricsRow{existing})

	p := new(MockProvider)
	p.On("FetchBatch", mock.Anything, ids[:15]).Return(rawFor(ids[:15]), nil).Once()
	p.On("FetchBatch", mock.Anything, ids[15:]).Return(rawFor(ids[15:]), nil).Once()

	svc := newTestService(t, store, store, p, &lock.LocalLocker{})
	report, err := svc.Run(context.Background(), "all", "")

	require.NoError(t, err)
	p.AssertNumberOfCalls(t, "FetchBatch", 2)
	assert.Equal(t, 16, report.TotalRequested)
	assert.Equal(t, 1, report.UpdatedCount)
	assert.Equal(t, 15, report.InsertedCount)
	assert.Equal(t, 0, report.FailedCount)
	assert.Equal(t, models.StateDone, report.State)
	assert.NotEmpty(t, report.RunID)

	rows, err := store.ReadMetricsRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 16)
	assert.Equal(t, "1003", rows[0].Row.PostID())
	assert.Equal(t, fixedNow.Format(time.RFC3339), rows[0].Row[models.ColLastUpdated])
	assert.Equal(t, "7", rows[0].Row[models.ColLikes])

	status := svc.Status()
	assert.Equal(t, models.StateDone, status.State)
	assert.Equal(t, fixedNow, status.LastSuccessfulRun)
	require.NotNil(t, status.LastReport)
	assert.Equal(t, report.RunID, status.LastReport.RunID)
}

func TestRun_SecondRunOnlyUpdates(t *testing.T) {
	logs := logRows(3)
	ids := []string{"1000", "1001", "1002"}
	store := storage.NewMemoryStorage(logs, nil)

	p := new(MockProvider)
	p.On("FetchBatch", mock.Anything, ids).Return(rawFor(ids), nil).Twice()

	svc := newTestService(t, store, store, p, nil)

	first, err := svc.Run(context.Background(), "all", "")
	require.NoError(t, err)
	assert.Equal(t, 3, first.InsertedCount)
	assert.Equal(t, 0, first.UpdatedCount)

	second, err := svc.Run(context.Background(), "all", "")
	require.NoError(t, err)
	assert.Equal(t, 0, second.InsertedCount)
	assert.Equal(t, 3, second.UpdatedCount)

	rows, err := store.ReadMetricsRows(context.Background())
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRun_BlankAndRepeatedIDs(t *testing.T) {
	logs := []models.LogRow{
		{Date: "2024-01-01", PostID: "1"},
		{Date: "2024-01-02", PostID: "  "},
		{Date: "2024-01-03", PostID: "1"},
		{Date: "2024-01-04", PostID: "2"},
	}
	store := storage.NewMemoryStorage(logs, nil)

	p := new(MockProvider)
	p.On("FetchBatch", mock.Anything, []string{"1", "2"}).Return(rawFor([]string{"1", "2"}), nil).Once()

	svc := newTestService(t, store, store, p, nil)
	report, err := svc.Run(context.Background(), "all", "")

	require.NoError(t, err)
	assert.Equal(t, 2, report.TotalRequested)
	assert.Equal(t, 2, report.InsertedCount)
}

func TestRun_InvalidSelection(t *testing.T) {
	store := storage.NewMemoryStorage(logRows(3), nil)
	p := new(MockProvider)
	svc := newTestService(t, store, store, p, nil)

	report, err := svc.Run(context.Background(), "month", "2024-13")

	assert.ErrorIs(t, err, selector.ErrInvalidSelection)
	assert.Nil(t, report)
	p.AssertNotCalled(t, "FetchBatch", mock.Anything, mock.Anything)

	_, err = svc.Run(context.Background(), "weekly", "")
	assert.ErrorIs(t, err, selector.ErrInvalidSelection)
}

func TestRun_NoCandidates(t *testing.T) {
	store := storage.NewMemoryStorage(logRows(3), nil)
	p := new(MockProvider)
	svc := newTestService(t, store, store, p, nil)

	report, err := svc.Run(context.Background(), "single", "42")

	assert.ErrorIs(t, err, selector.ErrNoCandidates)
	require.NotNil(t, report)
	assert.Equal(t, models.StateFailed, report.State)
	assert.Equal(t, models.StateFailed, svc.Status().State)
	p.AssertNotCalled(t, "FetchBatch", mock.Anything, mock.Anything)
}

func TestRun_RejectedRecordsCountAsFailures(t *testing.T) {
	logs := logRows(3)
	ids := []string{"1000", "1001", "1002"}
	store := storage.NewMemoryStorage(logs, nil)

	raws := []provider.RawRecord{
		{"id": "1000", "text": "real post"},
		{"id": "1001", "text": "From KaitoEasyAPI, a reminder: upgrade your plan"},
		{"id": "-1", "text": "filler"},
	}
	p := new(MockProvider)
	p.On("FetchBatch", mock.Anything, ids).Return(raws, nil).Once()

	svc := newTestService(t, store, store, p, nil)
	report, err := svc.Run(context.Background(), "all", "")

	require.NoError(t, err)
	assert.Equal(t, 1, report.InsertedCount)
	assert.Equal(t, 2, report.FailedCount)
	assert.Equal(t, []models.BatchError{
		{PostID: "1001", Reason: fetcher.ReasonNoData},
		{PostID: "1002", Reason: fetcher.ReasonNoData},
	}, report.Errors)
}

func TestRun_ProviderFailureIsPerIdentifier(t *testing.T) {
	logs := logRows(2)
	ids := []string{"1000", "1001"}
	store := storage.NewMemoryStorage(logs, nil)

	p := new(MockProvider)
	p.On("FetchBatch", mock.Anything, ids).
		Return(nil, &provider.Error{Kind: provider.KindFailed, StatusCode: 500, Err: errors.New("boom")}).Once()

	svc := newTestService(t, store, store, p, nil)
	report, err := svc.Run(context.Background(), "all", "")

	require.NoError(t, err)
	assert.Equal(t, models.StateDone, report.State)
	assert.Equal(t, 2, report.FailedCount)
	assert.Equal(t, 0, report.InsertedCount)
}

func TestRun_RunInProgress(t *testing.T) {
	store := storage.NewMemoryStorage(logRows(1), nil)
	locker := &lock.LocalLocker{}
	release, err := locker.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	svc := newTestService(t, store, store, new(MockProvider), locker)
	report, err := svc.Run(context.Background(), "all", "")

	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, report)
}

func TestRun_StoreWriteFailure(t *testing.T) {
	logs := logRows(2)
	ids := []string{"1000", "1001"}
	mem := storage.NewMemoryStorage(logs, nil)
	store := failingAppendStore{mem}

	p := new(MockProvider)
	p.On("FetchBatch", mock.Anything, ids).Return(rawFor(ids), nil).Once()

	svc := newTestService(t, mem, store, p, nil)
	report, err := svc.Run(context.Background(), "all", "")

	require.Error(t, err)
	assert.ErrorIs(t, err, writer.ErrStoreWrite)
	require.NotNil(t, report)
	assert.Equal(t, models.StateFailed, report.State)
	assert.Equal(t, 0, report.InsertedCount)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "1000", report.Errors[0].PostID)
	assert.Contains(t, report.Errors[0].Reason, "sheet is protected")

	status := svc.Status()
	assert.Equal(t, models.StateFailed, status.State)
	assert.NotEmpty(t, status.ErrorMessage)
	assert.True(t, status.LastSuccessfulRun.IsZero())
}

func TestRun_SnapshotReadFailure(t *testing.T) {
	logs := logRows(1)
	mem := storage.NewMemoryStorage(logs, nil)

	p := new(MockProvider)
	p.On("FetchBatch", mock.Anything, []string{"1000"}).Return(rawFor([]string{"1000"}), nil).Maybe()

	svc := newTestService(t, mem, failingReadStore{mem}, p, nil)
	report, err := svc.Run(context.Background(), "all", "")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read metrics store")
	assert.Equal(t, models.StateFailed, report.State)
}

func TestStart_DisabledWithoutInterval(t *testing.T) {
	store := storage.NewMemoryStorage(nil, nil)
	svc := newTestService(t, store, store, new(MockProvider), nil)

	assert.NoError(t, svc.Start(context.Background()))
}

func TestStart_RunsUntilCancelled(t *testing.T) {
	store := storage.NewMemoryStorage(logRows(1), nil)
	p := new(MockProvider)
	p.On("FetchBatch", mock.Anything, []string{"1000"}).Return(rawFor([]string{"1000"}), nil)

	cfg := testConfig()
	cfg.Interval = time.Hour
	cfg.ScheduleType = "all"
	svc, err := NewService(cfg, store, store, p, Options{Sleeper: retry.SleeperFunc(noSleep)})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	require.Eventually(t, func() bool {
		return svc.Status().State == models.StateDone
	}, 5*time.Second, 10*time.Millisecond)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	p.AssertNumberOfCalls(t, "FetchBatch", 1)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, normalize([]string{" 1", "2", "", "1", "3 ", "2"}))
	assert.Empty(t, normalize([]string{" ", ""}))
}
