package provider

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cyderes/post-metrics-service/internal/models"
)

// RawRecord is one untyped item of a provider response.
type RawRecord map[string]any

// DefaultPlaceholderPatterns match filler items some scrapers emit in place of real posts.
var DefaultPlaceholderPatterns = []string{
	"From KaitoEasyAPI, a reminder",
}

// placeholderID is the identifier mock items carry.
const placeholderID = "-1"

// Rejection explains why a raw record was discarded.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return "record rejected: " + r.Reason }

var createdAtLayouts = []string{
	time.RubyDate,
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
}

// Parse validates a raw record and converts it into a MetricsRecord. Records
// that are empty, lack a string identifier, or look like placeholders are
// rejected with a *Rejection.
func Parse(raw RawRecord, placeholderPatterns []string) (models.MetricsRecord, error) {
	if len(raw) == 0 {
		return models.MetricsRecord{}, &Rejection{Reason: "empty record"}
	}
	if noResults, _ := raw["noResults"].(bool); noResults {
		return models.MetricsRecord{}, &Rejection{Reason: "no results marker"}
	}

	id, ok := raw["id"].(string)
	id = strings.TrimSpace(id)
	if !ok || id == "" {
		return models.MetricsRecord{}, &Rejection{Reason: fmt.Sprintf("identifier is not a non-empty string: %v", raw["id"])}
	}
	if id == placeholderID {
		return models.MetricsRecord{}, &Rejection{Reason: "placeholder identifier"}
	}

	text := firstString(raw, "text", "fullText", "full_text")
	lowerText := strings.ToLower(text)
	for _, pattern := range placeholderPatterns {
		if pattern != "" && strings.Contains(lowerText, strings.ToLower(pattern)) {
			return models.MetricsRecord{}, &Rejection{Reason: "placeholder text"}
		}
	}

	rec := models.MetricsRecord{
		PostID:        id,
		AuthorHandle:  authorHandle(raw),
		ViewCount:     toCount(raw["viewCount"]),
		LikeCount:     toCount(raw["likeCount"]),
		ReplyCount:    toCount(raw["replyCount"]),
		RetweetCount:  toCount(raw["retweetCount"]),
		QuoteCount:    toCount(raw["quoteCount"]),
		BookmarkCount: toCount(raw["bookmarkCount"]),
		URL:           firstString(raw, "url", "twitterUrl"),
		Text:          text,
		IsReply:       toBool(raw["isReply"]),
		IsQuote:       toBool(raw["isQuote"]),
	}
	if created := firstString(raw, "createdAt", "created_at"); created != "" {
		for _, layout := range createdAtLayouts {
			if t, err := time.Parse(layout, created); err == nil {
				rec.CreatedAt = t.UTC()
				break
			}
		}
	}

	return rec, nil
}

func firstString(raw RawRecord, keys ...string) string {
	for _, key := range keys {
		if s, ok := raw[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func authorHandle(raw RawRecord) string {
	if author, ok := raw["author"].(map[string]any); ok {
		for _, key := range []string{"userName", "username", "screen_name"} {
			if s, ok := author[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return firstString(raw, "authorHandle", "userName", "username")
}

// toCount converts a JSON value to a non-negative count, defaulting to zero.
func toCount(v any) int64 {
	var n int64
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return 0
		}
		n = int64(x)
	case int:
		n = int64(x)
	case int64:
		n = x
	case json.Number:
		if i, err := x.Int64(); err == nil {
			n = i
		} else if f, err := x.Float64(); err == nil {
			n = int64(f)
		}
	case string:
		i, err := strconv.ParseInt(strings.ReplaceAll(strings.TrimSpace(x), ",", ""), 10, 64)
		if err != nil {
			return 0
		}
		n = i
	}
	if n < 0 {
		return 0
	}
	return n
}

func toBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	}
	return false
}
