package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/cyderes/post-metrics-service/internal/config"
	"github.com/cyderes/post-metrics-service/internal/models"
)

// metricsColumnNames follow models.MetricsRow column order.
var metricsColumnNames = [models.MetricsColumns]string{
	"last_updated", "post_id", "created_at", "author", "url", "text",
	"views", "likes", "replies", "retweets", "quotes", "bookmarks",
	"is_reply", "is_quote",
}

// PostgresStorage implements Storage using PostgreSQL. Metrics rows carry an
// explicit row_number so they behave like the rows of a sheet.
type PostgresStorage struct {
	db           *sql.DB
	metricsTable string
	logTable     string
}

// NewPostgreSQLStorage connects to PostgreSQL and ensures the tables exist
func NewPostgreSQLStorage(ctx context.Context, cfg config.StorageConfig) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", cfg.PostgresURI)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	storage := &PostgresStorage{
		db:           db,
		metricsTable: pq.QuoteIdentifier(cfg.TableName),
		logTable:     pq.QuoteIdentifier(cfg.LogTableName),
	}

	if err := storage.ensureTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure tables exist: %w", err)
	}

	return storage, nil
}

// ensureTables creates the log and metrics tables if they don't exist
func (p *PostgresStorage) ensureTables(ctx context.Context) error {
	logDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id BIGSERIAL PRIMARY KEY,
		logged_date TEXT NOT NULL DEFAULT '',
		column2 TEXT NOT NULL DEFAULT '',
		column3 TEXT NOT NULL DEFAULT '',
		post_id TEXT NOT NULL DEFAULT ''
	)`, p.logTable)
	if _, err := p.db.ExecContext(ctx, logDDL); err != nil {
		return fmt.Errorf("failed to create log table: %w", err)
	}

	cols := make([]string, 0, len(metricsColumnNames))
	for _, name := range metricsColumnNames {
		cols = append(cols, name+" TEXT NOT NULL DEFAULT ''")
	}
	metricsDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		row_number INTEGER PRIMARY KEY CHECK (row_number >= 2),
		%s
	)`, p.metricsTable, strings.Join(cols, ",\n\t\t"))
	if _, err := p.db.ExecContext(ctx, metricsDDL); err != nil {
		return fmt.Errorf("failed to create metrics table: %w", err)
	}
	return nil
}

// ReadLogRows returns logged posts in insertion order
func (p *PostgresStorage) ReadLogRows(ctx context.Context) ([]models.LogRow, error) {
	query := fmt.Sprintf(`SELECT logged_date, column2, column3, post_id FROM %s ORDER BY id`, p.logTable)
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query log rows: %w", err)
	}
	defer rows.Close()

	var out []models.LogRow
	for rows.Next() {
		var row models.LogRow
		if err := rows.Scan(&row.Date, &row.Column2, &row.Column3, &row.PostID); err != nil {
			return nil, fmt.Errorf("failed to scan log row: %w", err)
		}
		row.PostID = strings.TrimSpace(row.PostID)
		out = append(out, row)
	}
	return out, rows.Err()
}

// ReadMetricsRows returns every metrics row ordered by row number
func (p *PostgresStorage) ReadMetricsRows(ctx context.Context) ([]models.StoredRow, error) {
	query := fmt.Sprintf(`SELECT row_number, %s FROM %s ORDER BY row_number`,
		strings.Join(metricsColumnNames[:], ", "), p.metricsTable)
	rows, err := p.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query metrics rows: %w", err)
	}
	defer rows.Close()

	var out []models.StoredRow
	for rows.Next() {
		var stored models.StoredRow
		dest := make([]any, 0, models.MetricsColumns+1)
		dest = append(dest, &stored.RowNumber)
		for i := range stored.Row {
			dest = append(dest, &stored.Row[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan metrics row: %w", err)
		}
		out = append(out, stored)
	}
	return out, rows.Err()
}

// UpdateMetricsRow overwrites one row
func (p *PostgresStorage) UpdateMetricsRow(ctx context.Context, rowNumber int, row models.MetricsRow) error {
	sets := make([]string, 0, len(metricsColumnNames))
	args := make([]any, 0, len(metricsColumnNames)+1)
	for i, name := range metricsColumnNames {
		sets = append(sets, fmt.Sprintf("%s = $%d", name, i+1))
		args = append(args, row[i])
	}
	args = append(args, rowNumber)

	query := fmt.Sprintf(`UPDATE %s SET %s WHERE row_number = $%d`,
		p.metricsTable, strings.Join(sets, ", "), len(args))
	result, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update row %d: %w", rowNumber, classifyPostgresError(err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update row %d: %w", rowNumber, err)
	}
	if affected == 0 {
		return rowNotFound(rowNumber)
	}
	return nil
}

// AppendMetricsRows numbers rows after the current last row inside one
// transaction. The table lock keeps concurrent appends from sharing numbers.
func (p *PostgresStorage) AppendMetricsRows(ctx context.Context, rows []models.MetricsRow) (err error) {
	if len(rows) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, fmt.Sprintf(`LOCK TABLE %s IN EXCLUSIVE MODE`, p.metricsTable)); err != nil {
		return fmt.Errorf("failed to lock metrics table: %w", classifyPostgresError(err))
	}

	var last int
	if err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(row_number), 1) FROM %s`, p.metricsTable)).Scan(&last); err != nil {
		return fmt.Errorf("failed to read last row number: %w", err)
	}

	placeholders := make([]string, 0, models.MetricsColumns+1)
	for i := 1; i <= models.MetricsColumns+1; i++ {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i))
	}
	insert := fmt.Sprintf(`INSERT INTO %s (row_number, %s) VALUES (%s)`,
		p.metricsTable, strings.Join(metricsColumnNames[:], ", "), strings.Join(placeholders, ", "))

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, row := range rows {
		args := make([]any, 0, models.MetricsColumns+1)
		args = append(args, last+1+i)
		for _, v := range row {
			args = append(args, v)
		}
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to insert row for post %s: %w", row.PostID(), classifyPostgresError(err))
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit append: %w", err)
	}
	return nil
}

// Close closes the database pool
func (p *PostgresStorage) Close() error {
	return p.db.Close()
}

// classifyPostgresError marks data and constraint errors as permanent.
func classifyPostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "42": // data exception, integrity violation, syntax or access
			return Permanent(err)
		}
	}
	return err
}
