package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/post-metrics-service/internal/models"
)

var now = time.Date(2024, time.March, 1, 9, 0, 0, 0, time.UTC)

func stored(rowNumber int, postID string) models.StoredRow {
	var row models.MetricsRow
	row[models.ColPostID] = postID
	return models.StoredRow{RowNumber: rowNumber, Row: row}
}

func TestPlan_UpdateVersusInsert(t *testing.T) {
	existing := []models.StoredRow{stored(2, "7"), stored(5, "42")}
	fetched := []models.MetricsRecord{{PostID: "42", LikeCount: 10}, {PostID: "99"}}

	plan := Plan(existing, fetched, now)

	require.Len(t, plan.Updates, 1)
	assert.Equal(t, 5, plan.Updates[0].RowNumber)
	assert.Equal(t, "42", plan.Updates[0].Row.PostID())
	assert.Equal(t, "10", plan.Updates[0].Row[models.ColLikes])
	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "99", plan.Inserts[0].PostID())
}

func TestPlan_IndependentOfFetchOrder(t *testing.T) {
	existing := []models.StoredRow{stored(3, "1"), stored(4, "2"), stored(6, "3")}
	a := []models.MetricsRecord{{PostID: "3"}, {PostID: "100"}, {PostID: "1"}, {PostID: "20"}}
	b := []models.MetricsRecord{{PostID: "20"}, {PostID: "1"}, {PostID: "100"}, {PostID: "3"}}

	planA := Plan(existing, a, now)
	planB := Plan(existing, b, now)

	assert.Equal(t, planA, planB)
	assert.Equal(t, 3, planA.Updates[0].RowNumber)
	assert.Equal(t, 6, planA.Updates[1].RowNumber)
	assert.Equal(t, "20", planA.Inserts[0].PostID())
	assert.Equal(t, "100", planA.Inserts[1].PostID())
}

func TestPlan_SecondRunTurnsInsertsIntoUpdates(t *testing.T) {
	fetched := []models.MetricsRecord{{PostID: "10"}, {PostID: "11"}}
	existing := []models.StoredRow{stored(2, "5")}

	first := Plan(existing, fetched, now)
	require.Len(t, first.Inserts, 2)
	assert.Empty(t, first.Updates)

	// Simulate the append: rows land after the existing ones.
	for i, row := range first.Inserts {
		existing = append(existing, models.StoredRow{RowNumber: 3 + i, Row: row})
	}

	second := Plan(existing, fetched, now)
	assert.Empty(t, second.Inserts)
	require.Len(t, second.Updates, 2)
	assert.Equal(t, 3, second.Updates[0].RowNumber)
	assert.Equal(t, 4, second.Updates[1].RowNumber)

	third := Plan(existing, fetched, now)
	assert.Equal(t, second, third)
}

func TestPlan_PostAppearsOnce(t *testing.T) {
	plan := Plan(nil, []models.MetricsRecord{{PostID: "8", LikeCount: 1}, {PostID: "8", LikeCount: 2}}, now)

	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "1", plan.Inserts[0][models.ColLikes])
}

func TestBuildIndex(t *testing.T) {
	index := BuildIndex([]models.StoredRow{stored(9, "a"), stored(4, "a"), stored(5, ""), stored(6, " b ")})

	assert.Equal(t, map[string]int{"a": 4, "b": 6}, index)
}

func TestToRow(t *testing.T) {
	rec := models.MetricsRecord{
		PostID:        "1745",
		CreatedAt:     time.Date(2024, time.January, 10, 12, 30, 0, 0, time.UTC),
		AuthorHandle:  "gopher",
		ViewCount:     1200,
		LikeCount:     45,
		ReplyCount:    3,
		RetweetCount:  7,
		QuoteCount:    1,
		BookmarkCount: 2,
		Text:          "shipping it",
		IsReply:       true,
	}

	row := ToRow(rec, now)

	assert.Equal(t, models.MetricsRow{
		"2024-03-01T09:00:00Z",
		"1745",
		"2024-01-10T12:30:00Z",
		"gopher",
		"https://x.com/gopher/status/1745",
		"shipping it",
		"1200", "45", "3", "7", "1", "2",
		"Yes", "No",
	}, row)
}

func TestToRow_Defaults(t *testing.T) {
	row := ToRow(models.MetricsRecord{PostID: "5"}, now)

	assert.Equal(t, "", row[models.ColCreatedAt])
	assert.Equal(t, "https://x.com/i/status/5", row[models.ColURL])
	assert.Equal(t, "0", row[models.ColViews])
	assert.Equal(t, "0", row[models.ColBookmarks])
	assert.Equal(t, "No", row[models.ColIsQuote])
}
