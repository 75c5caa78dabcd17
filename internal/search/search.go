package search

import "time"

// Result is a single message hit returned to the caller.
type Result struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	AuthorName string    `json:"authorName"`
	Snippet    string    `json:"snippet"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Query describes a message search request.
type Query struct {
	Text            string
	FilterChannelID string // empty = all channels in the org
	OrgID           string
	Limit           int
	Offset          int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text message search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push messages into a search index.
type Indexer interface {
	IndexMessage(m MessageRecord) error
	DeleteMessage(id string) error
}

// MessageRecord is the data we index for one message.
type MessageRecord struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channelId"`
	OrgID      string    `json:"orgId"`
	AuthorName string    `json:"authorName"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}
