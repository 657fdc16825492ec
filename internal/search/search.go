package search

import "time"

// TaskRecord is the data we index for a materialized task.
type TaskRecord struct {
	ID          string     `json:"id"`
	UserID      int64      `json:"userId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	SourceID    string     `json:"sourceId"`
}

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Priority string `json:"priority"`
	SourceID string `json:"sourceId"`
}

// Query describes a search request. UserID is mandatory; tasks never leak
// across users.
type Query struct {
	Text           string
	UserID         int64
	FilterPriority string // empty = all priorities
	Limit          int
	Offset         int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over tasks.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}
