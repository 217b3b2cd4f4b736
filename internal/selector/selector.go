// Package selector resolves a selection request against the logged posts.
package selector

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cyderes/post-metrics-service/internal/models"
)

var (
	// ErrInvalidSelection reports a malformed selection type or value.
	ErrInvalidSelection = errors.New("invalid selection")
	// ErrNoCandidates reports a selection that resolved to no identifiers.
	ErrNoCandidates = errors.New("no posts matched the selection")
)

// firstDataRow is the 1-based row number of the first data row; row 1 is the header.
const firstDataRow = 2

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"1/2/2006",
	"1/2/2006 15:04:05",
	"Jan 2, 2006",
	"January 2, 2006",
}

// ParseRequest validates a selection type and value without touching any store.
func ParseRequest(kind, value string) (models.SelectionRequest, error) {
	req := models.SelectionRequest{
		Kind:  models.SelectionKind(strings.ToLower(strings.TrimSpace(kind))),
		Value: strings.TrimSpace(value),
	}

	switch req.Kind {
	case models.SelectionSingle:
		n, err := parseIndex(req.Value)
		if err != nil {
			return models.SelectionRequest{}, err
		}
		req.Indices = []int{n}
		return req, nil
	case models.SelectionMultiple:
		for _, part := range strings.Split(req.Value, ",") {
			n, err := parseIndex(part)
			if err != nil {
				return models.SelectionRequest{}, err
			}
			req.Indices = append(req.Indices, n)
		}
		return req, nil
	case models.SelectionAll:
		return req, nil
	case models.SelectionMonth:
		year, month, err := parseMonth(req.Value)
		if err != nil {
			return models.SelectionRequest{}, err
		}
		req.Year, req.Month = year, month
		return req, nil
	default:
		return models.SelectionRequest{}, fmt.Errorf("%w: unknown selection type %q", ErrInvalidSelection, kind)
	}
}

func parseIndex(value string) (int, error) {
	value = strings.TrimSpace(value)
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: row index must be an integer, got %q", ErrInvalidSelection, value)
	}
	return n, nil
}

func parseMonth(value string) (int, time.Month, error) {
	parts := strings.Split(value, "-")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%w: month must be YYYY-MM, got %q", ErrInvalidSelection, value)
	}
	year, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid year %q", ErrInvalidSelection, parts[0])
	}
	month, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("%w: invalid month %q", ErrInvalidSelection, parts[1])
	}
	if month < 1 || month > 12 {
		return 0, 0, fmt.Errorf("%w: month %d out of range", ErrInvalidSelection, month)
	}
	return year, time.Month(month), nil
}

// Selector turns a request into candidate post identifiers.
type Selector struct {
	loc    *time.Location
	logger *zap.Logger
}

// New creates a selector that interprets dates in loc (time.Local when nil).
func New(loc *time.Location, logger *zap.Logger) *Selector {
	if loc == nil {
		loc = time.Local
	}
	return &Selector{loc: loc, logger: logger}
}

// Select returns the identifiers of the selected rows in row order. Duplicates are kept.
func (s *Selector) Select(req models.SelectionRequest, rows []models.LogRow) ([]string, error) {
	var ids []string

	switch req.Kind {
	case models.SelectionSingle, models.SelectionMultiple:
		for _, n := range req.Indices {
			if id, ok := lookup(rows, n); ok {
				ids = append(ids, id)
			}
		}
	case models.SelectionMonth:
		for i, row := range rows {
			date, err := s.parseDate(row.Date)
			if err != nil {
				s.logger.Warn("skipping row with unparseable date",
					zap.Int("row", i+firstDataRow),
					zap.String("date", row.Date))
				continue
			}
			if date.Year() == req.Year && date.Month() == req.Month {
				ids = append(ids, row.PostID)
			}
		}
	case models.SelectionAll:
		for _, row := range rows {
			ids = append(ids, row.PostID)
		}
	default:
		return nil, fmt.Errorf("%w: unknown selection type %q", ErrInvalidSelection, req.Kind)
	}

	if len(ids) == 0 {
		return nil, ErrNoCandidates
	}
	return ids, nil
}

// lookup resolves a 1-based, header-inclusive row index.
func lookup(rows []models.LogRow, n int) (string, bool) {
	i := n - firstDataRow
	if i < 0 || i >= len(rows) {
		return "", false
	}
	return rows[i].PostID, true
}

func (s *Selector) parseDate(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.In(s.loc), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, value, s.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", value)
}
