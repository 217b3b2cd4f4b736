// Package reconcile classifies fetched metrics as updates to existing store
// rows or new rows to append.
package reconcile

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cyderes/post-metrics-service/internal/models"
)

// BuildIndex maps each post identifier to its store row number. When the
// snapshot repeats an identifier the lowest row number wins.
func BuildIndex(existing []models.StoredRow) map[string]int {
	index := make(map[string]int, len(existing))
	for _, stored := range existing {
		id := strings.TrimSpace(stored.Row.PostID())
		if id == "" || stored.RowNumber < 1 {
			continue
		}
		if current, ok := index[id]; ok && current <= stored.RowNumber {
			continue
		}
		index[id] = stored.RowNumber
	}
	return index
}

// ToRow flattens a record into the store's column layout, stamped with now.
func ToRow(rec models.MetricsRecord, now time.Time) models.MetricsRow {
	var row models.MetricsRow
	row[models.ColLastUpdated] = now.UTC().Format(time.RFC3339)
	row[models.ColPostID] = rec.PostID
	if !rec.CreatedAt.IsZero() {
		row[models.ColCreatedAt] = rec.CreatedAt.UTC().Format(time.RFC3339)
	}
	row[models.ColAuthor] = rec.AuthorHandle
	row[models.ColURL] = rec.URL
	if row[models.ColURL] == "" {
		row[models.ColURL] = CanonicalURL(rec.AuthorHandle, rec.PostID)
	}
	row[models.ColText] = rec.Text
	row[models.ColViews] = strconv.FormatInt(rec.ViewCount, 10)
	row[models.ColLikes] = strconv.FormatInt(rec.LikeCount, 10)
	row[models.ColReplies] = strconv.FormatInt(rec.ReplyCount, 10)
	row[models.ColRetweets] = strconv.FormatInt(rec.RetweetCount, 10)
	row[models.ColQuotes] = strconv.FormatInt(rec.QuoteCount, 10)
	row[models.ColBookmarks] = strconv.FormatInt(rec.BookmarkCount, 10)
	row[models.ColIsReply] = yesNo(rec.IsReply)
	row[models.ColIsQuote] = yesNo(rec.IsQuote)
	return row
}

// CanonicalURL builds the public status URL for a post.
func CanonicalURL(author, postID string) string {
	if author == "" {
		author = "i"
	}
	return fmt.Sprintf("https://x.com/%s/status/%s", author, postID)
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// Plan classifies every fetched record. Each post identifier appears at most
// once; the first record seen for it is used. Updates are ordered by row
// number and inserts by post identifier so the plan does not depend on the
// order batches were fetched in.
func Plan(existing []models.StoredRow, fetched []models.MetricsRecord, now time.Time) models.ReconciliationPlan {
	index := BuildIndex(existing)
	seen := make(map[string]bool, len(fetched))

	var plan models.ReconciliationPlan
	for _, rec := range fetched {
		if seen[rec.PostID] {
			continue
		}
		seen[rec.PostID] = true

		row := ToRow(rec, now)
		if rowNumber, ok := index[rec.PostID]; ok {
			plan.Updates = append(plan.Updates, models.RowUpdate{RowNumber: rowNumber, Row: row})
		} else {
			plan.Inserts = append(plan.Inserts, row)
		}
	}

	sort.Slice(plan.Updates, func(i, j int) bool {
		return plan.Updates[i].RowNumber < plan.Updates[j].RowNumber
	})
	sort.Slice(plan.Inserts, func(i, j int) bool {
		return lessID(plan.Inserts[i].PostID(), plan.Inserts[j].PostID())
	})

	return plan
}

// lessID orders numeric identifiers numerically and everything else lexically.
func lessID(a, b string) bool {
	if isDigits(a) && isDigits(b) && len(a) != len(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
