package storage

import (
	"context"
	"sync"

	"github.com/cyderes/post-metrics-service/internal/models"
)

// MemoryStorage keeps both tables in process memory
type MemoryStorage struct {
	mu      sync.RWMutex
	logRows []models.LogRow
	rows    []models.MetricsRow // rows[i] is row number i+2
}

// NewMemoryStorage creates a memory store seeded with log rows and metrics rows
func NewMemoryStorage(logRows []models.LogRow, metricsRows []models.MetricsRow) *MemoryStorage {
	return &MemoryStorage{
		logRows: append([]models.LogRow(nil), logRows...),
		rows:    append([]models.MetricsRow(nil), metricsRows...),
	}
}

// ReadLogRows returns a copy of the log rows
func (m *MemoryStorage) ReadLogRows(ctx context.Context) ([]models.LogRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.LogRow(nil), m.logRows...), nil
}

// AddLogRows appends logged posts
func (m *MemoryStorage) AddLogRows(rows ...models.LogRow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logRows = append(m.logRows, rows...)
}

// ReadMetricsRows returns every metrics row with its row number
func (m *MemoryStorage) ReadMetricsRows(ctx context.Context) ([]models.StoredRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.StoredRow, 0, len(m.rows))
	for i, row := range m.rows {
		out = append(out, models.StoredRow{RowNumber: i + 2, Row: row})
	}
	return out, nil
}

// UpdateMetricsRow replaces an existing row
func (m *MemoryStorage) UpdateMetricsRow(ctx context.Context, rowNumber int, row models.MetricsRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := rowNumber - 2
	if i < 0 || i >= len(m.rows) {
		return rowNotFound(rowNumber)
	}
	m.rows[i] = row
	return nil
}

// AppendMetricsRows adds rows after the last one
func (m *MemoryStorage) AppendMetricsRows(ctx context.Context, rows []models.MetricsRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

// Close is a no-op
func (m *MemoryStorage) Close() error {
	return nil
}
