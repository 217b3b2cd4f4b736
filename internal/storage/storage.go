package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/models"
)

// ErrUnsupported is returned for an unknown storage type
var ErrUnsupported = errors.New("unsupported storage type")

// LogSource reads the previously logged posts, header excluded, in row order
type LogSource interface {
	ReadLogRows(ctx context.Context) ([]models.LogRow, error)
}

// MetricsStore is a tabular store of metrics rows addressed by 1-based,
// header-inclusive row numbers
type MetricsStore interface {
	ReadMetricsRows(ctx context.Context) ([]models.StoredRow, error)
	UpdateMetricsRow(ctx context.Context, rowNumber int, row models.MetricsRow) error
	AppendMetricsRows(ctx context.Context, rows []models.MetricsRow) error
}

// Storage interface defines the contract for data storage
type Storage interface {
	LogSource
	MetricsStore
	Close() error
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Storage, error) {
	var (
		store Storage
		err   error
	)
	switch cfg.Type {
	case "sheets":
		store, err = NewSheetsStorage(ctx, cfg)
	case "dynamodb":
		store, err = NewDynamoDBStorage(cfg)
	case "mongodb":
		store, err = NewMongoDBStorage(ctx, cfg)
	case "postgresql":
		store, err = NewPostgreSQLStorage(ctx, cfg)
	case "memory":
		logger.Warn("using in-memory storage, data is lost on restart")
		store = NewMemoryStorage(nil, nil)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return store, nil
}

// PermanentError marks a store failure that retrying cannot fix
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err should not be retried
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

func rowNotFound(rowNumber int) error {
	return Permanent(fmt.Errorf("metrics row %d not found", rowNumber))
}

func invalidRowNumber(rowNumber int) error {
	return Permanent(fmt.Errorf("invalid metrics row number %d", rowNumber))
}
