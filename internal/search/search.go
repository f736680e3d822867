// Package search indexes boards and chat messages for full-text search,
// with a PostgreSQL fallback when the search service is unavailable.
package search

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultBoard   ResultType = "board"
	ResultMessage ResultType = "message"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Title   string     `json:"title"`
	Snippet string     `json:"snippet"`
	BoardID string     `json:"boardId"`
}

// Query describes a search request. BoardIDs scopes results to boards
// the caller is a member of.
type Query struct {
	Text       string
	UserID     string
	BoardIDs   []string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// BoardRecord is the data we index for a board.
type BoardRecord struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID         string `json:"id"`
	Body       string `json:"body"`
	Role       string `json:"role"`
	BoardID    string `json:"boardId"`
	BoardTitle string `json:"boardTitle"`
}
