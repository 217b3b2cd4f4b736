package models

import "time"

// LogRow represents one previously logged post from the identifier source
type LogRow struct {
	Date    string `json:"date"`
	Column2 string `json:"column2"`
	Column3 string `json:"column3"`
	PostID  string `json:"post_id"`
}

// SelectionKind names how a selection value is interpreted
type SelectionKind string

const (
	SelectionSingle   SelectionKind = "single"
	SelectionMultiple SelectionKind = "multiple"
	SelectionMonth    SelectionKind = "month"
	SelectionAll      SelectionKind = "all"
)

// SelectionRequest is a validated selection. Indices is set for single and
// multiple selections, Year and Month for month selections.
type SelectionRequest struct {
	Kind    SelectionKind `json:"kind"`
	Value   string        `json:"value"`
	Indices []int         `json:"-"`
	Year    int           `json:"-"`
	Month   time.Month    `json:"-"`
}

// MetricsRecord is a provider record that passed validation
type MetricsRecord struct {
	PostID        string    `json:"post_id"`
	CreatedAt     time.Time `json:"created_at"`
	AuthorHandle  string    `json:"author_handle"`
	ViewCount     int64     `json:"view_count"`
	LikeCount     int64     `json:"like_count"`
	ReplyCount    int64     `json:"reply_count"`
	RetweetCount  int64     `json:"retweet_count"`
	QuoteCount    int64     `json:"quote_count"`
	BookmarkCount int64     `json:"bookmark_count"`
	URL           string    `json:"url"`
	Text          string    `json:"text"`
	IsReply       bool      `json:"is_reply"`
	IsQuote       bool      `json:"is_quote"`
}

// Metrics store columns, 0-based.
const (
	ColLastUpdated = iota
	ColPostID
	ColCreatedAt
	ColAuthor
	ColURL
	ColText
	ColViews
	ColLikes
	ColReplies
	ColRetweets
	ColQuotes
	ColBookmarks
	ColIsReply
	ColIsQuote

	MetricsColumns
)

// MetricsHeader is the header row of the metrics store
var MetricsHeader = MetricsRow{
	"Last Updated", "Post ID", "Created At", "Author", "URL", "Text",
	"Views", "Likes", "Replies", "Retweets", "Quotes", "Bookmarks",
	"Is Reply", "Is Quote",
}

// MetricsRow is the flattened tuple written to the metrics store
type MetricsRow [MetricsColumns]string

// PostID returns the identifier column
func (r MetricsRow) PostID() string { return r[ColPostID] }

// Values returns the row as a slice
func (r MetricsRow) Values() []string {
	out := make([]string, MetricsColumns)
	copy(out, r[:])
	return out
}

// RowFromValues builds a MetricsRow from stored cells. Missing trailing cells stay empty.
func RowFromValues(values []string) MetricsRow {
	var row MetricsRow
	copy(row[:], values)
	return row
}

// StoredRow is an existing metrics store row with its 1-based, header-inclusive row number
type StoredRow struct {
	RowNumber int        `json:"row_number"`
	Row       MetricsRow `json:"row"`
}

// RowUpdate targets a single existing row
type RowUpdate struct {
	RowNumber int        `json:"row_number"`
	Row       MetricsRow `json:"row"`
}

// ReconciliationPlan splits fetched records into in-place updates and appends
type ReconciliationPlan struct {
	Updates []RowUpdate  `json:"updates"`
	Inserts []MetricsRow `json:"inserts"`
}

// BatchError records an identifier that did not end up in the store
type BatchError struct {
	PostID    string `json:"postId"`
	RowNumber int    `json:"rowNumber,omitempty"`
	Reason    string `json:"reason"`
}

// RunState is a stage of a reconciliation run
type RunState string

const (
	StateIdle        RunState = "idle"
	StateSelecting   RunState = "selecting"
	StateFetching    RunState = "fetching"
	StateReconciling RunState = "reconciling"
	StateWriting     RunState = "writing"
	StateDone        RunState = "done"
	StateFailed      RunState = "failed"
)

// Report summarises a reconciliation run
type Report struct {
	RunID          string       `json:"runId"`
	State          RunState     `json:"state"`
	StartedAt      time.Time    `json:"startedAt"`
	FinishedAt     time.Time    `json:"finishedAt"`
	TotalRequested int          `json:"totalRequested"`
	UpdatedCount   int          `json:"updatedCount"`
	InsertedCount  int          `json:"insertedCount"`
	FailedCount    int          `json:"failedCount"`
	Errors         []BatchError `json:"errors,omitempty"`
}

// RunStatus tracks the status of reconciliation runs
type RunStatus struct {
	State             RunState  `json:"state"`
	LastAttempt       time.Time `json:"last_attempt"`
	LastSuccessfulRun time.Time `json:"last_successful_run"`
	ErrorMessage      string    `json:"error_message,omitempty"`
	LastReport        *Report   `json:"last_report,omitempty"`
}
