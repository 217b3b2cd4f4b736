package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/models"
)

const (
	valueInputOption = "USER_ENTERED"
	insertDataOption = "INSERT_ROWS"
	lastMetricsCol   = "N"
	textPrefix       = "'"
)

// SheetsStorage implements Storage on a Google spreadsheet: one sheet of
// logged posts and one sheet of metrics rows
type SheetsStorage struct {
	service       *sheets.Service
	spreadsheetID string
	logRange      string
	metricsSheet  string
}

// NewSheetsStorage creates a new Google Sheets storage instance
func NewSheetsStorage(ctx context.Context, cfg config.StorageConfig, opts ...option.ClientOption) (*SheetsStorage, error) {
	if cfg.GoogleCredentials != "" {
		opts = append(opts,
			option.WithCredentialsJSON([]byte(cfg.GoogleCredentials)),
			option.WithScopes(sheets.SpreadsheetsScope),
		)
	}
	if cfg.SheetsEndpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.SheetsEndpoint))
	}

	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return &SheetsStorage{
		service:       service,
		spreadsheetID: cfg.SpreadsheetID,
		logRange:      cfg.LogRange,
		metricsSheet:  cfg.MetricsSheet,
	}, nil
}

// ReadLogRows reads the logged posts range, skipping the header row
func (s *SheetsStorage) ReadLogRows(ctx context.Context) ([]models.LogRow, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.logRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read log rows: %w", classifySheetsError(err))
	}

	var rows []models.LogRow
	for i, cells := range resp.Values {
		if i == 0 {
			continue
		}
		values := cellStrings(cells, 4)
		rows = append(rows, models.LogRow{
			Date:    values[0],
			Column2: values[1],
			Column3: values[2],
			PostID:  strings.TrimSpace(values[3]),
		})
	}
	return rows, nil
}

// ReadMetricsRows reads every metrics row. Row numbers follow the sheet, so
// the first data row is 2
func (s *SheetsStorage) ReadMetricsRows(ctx context.Context) ([]models.StoredRow, error) {
	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.metricsRange()).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics rows: %w", classifySheetsError(err))
	}

	var rows []models.StoredRow
	for i, cells := range resp.Values {
		if i == 0 || len(cells) == 0 {
			continue
		}
		rows = append(rows, models.StoredRow{
			RowNumber: i + 1,
			Row:       models.RowFromValues(cellStrings(cells, models.MetricsColumns)),
		})
	}
	return rows, nil
}

// UpdateMetricsRow overwrites the 14 cells of one row
func (s *SheetsStorage) UpdateMetricsRow(ctx context.Context, rowNumber int, row models.MetricsRow) error {
	if rowNumber < 2 {
		return invalidRowNumber(rowNumber)
	}
	rng := fmt.Sprintf("%s!A%d:%s%d", s.metricsSheet, rowNumber, lastMetricsCol, rowNumber)
	body := &sheets.ValueRange{Values: [][]interface{}{toCells(row)}}

	_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, rng, body).
		ValueInputOption(valueInputOption).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to update row %d: %w", rowNumber, classifySheetsError(err))
	}
	return nil
}

// AppendMetricsRows appends rows after the last non-empty row
func (s *SheetsStorage) AppendMetricsRows(ctx context.Context, rows []models.MetricsRow) error {
	if len(rows) == 0 {
		return nil
	}
	body := &sheets.ValueRange{Values: make([][]interface{}, 0, len(rows))}
	for _, row := range rows {
		body.Values = append(body.Values, toCells(row))
	}

	_, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.metricsRange(), body).
		ValueInputOption(valueInputOption).
		InsertDataOption(insertDataOption).
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append %d rows: %w", len(rows), classifySheetsError(err))
	}
	return nil
}

// Close is a no-op; the sheets client holds no connections of its own
func (s *SheetsStorage) Close() error {
	return nil
}

func (s *SheetsStorage) metricsRange() string {
	return fmt.Sprintf("%s!A:%s", s.metricsSheet, lastMetricsCol)
}

// toCells renders a row for USER_ENTERED input. The post ID is written as
// text so long IDs are not parsed into lossy numbers.
func toCells(row models.MetricsRow) []interface{} {
	cells := make([]interface{}, len(row))
	for i, v := range row {
		cells[i] = v
	}
	if id := row.PostID(); id != "" {
		cells[models.ColPostID] = textPrefix + id
	}
	return cells
}

// cellStrings renders at least n cells as strings.
func cellStrings(cells []interface{}, n int) []string {
	if len(cells) > n {
		n = len(cells)
	}
	out := make([]string, n)
	for i, cell := range cells {
		if cell != nil {
			out[i] = fmt.Sprint(cell)
		}
	}
	return out
}

// classifySheetsError marks client errors other than throttling as permanent.
func classifySheetsError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code >= 400 && gerr.Code < 500 && gerr.Code != http.StatusTooManyRequests && gerr.Code != http.StatusRequestTimeout {
			return Permanent(err)
		}
	}
	return err
}
