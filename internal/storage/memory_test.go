package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/models"
)

func TestMemoryStorage_RowNumbers(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage(nil, []models.MetricsRow{models.RowFromValues([]string{"t", "7"})})

	require.NoError(t, store.AppendMetricsRows(ctx, []models.MetricsRow{models.RowFromValues([]string{"t", "8"})}))
	require.NoError(t, store.UpdateMetricsRow(ctx, 2, models.RowFromValues([]string{"t2", "7"})))

	rows, err := store.ReadMetricsRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 2, rows[0].RowNumber)
	assert.Equal(t, "t2", rows[0].Row[models.ColLastUpdated])
	assert.Equal(t, 3, rows[1].RowNumber)
	assert.Equal(t, "8", rows[1].Row.PostID())
}

func TestMemoryStorage_UpdateMissingRow(t *testing.T) {
	store := NewMemoryStorage(nil, nil)

	err := store.UpdateMetricsRow(context.Background(), 2, models.MetricsRow{})
	assert.True(t, IsPermanent(err))
}

func TestMemoryStorage_LogRows(t *testing.T) {
	store := NewMemoryStorage([]models.LogRow{{PostID: "1"}}, nil)
	store.AddLogRows(models.LogRow{PostID: "2"})

	rows, err := store.ReadLogRows(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.LogRow{{PostID: "1"}, {PostID: "2"}}, rows)
}

func TestNewStorage_Unsupported(t *testing.T) {
	_, err := NewStorage(context.Background(), config.StorageConfig{Type: "cassandra"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestNewStorage_Memory(t *testing.T) {
	store, err := NewStorage(context.Background(), config.StorageConfig{Type: "memory"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStorage{}, store)
	assert.NoError(t, store.Close())
}

func TestPermanent(t *testing.T) {
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(assert.AnError))
	assert.True(t, IsPermanent(Permanent(assert.AnError)))
	assert.ErrorIs(t, Permanent(assert.AnError), assert.AnError)
}
