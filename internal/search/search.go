package search

import "context"

// Result is a single search hit returned to the caller.
type Result struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Snippet   string `json:"snippet"`
	Category  string `json:"category,omitempty"`
	Status    string `json:"status"`
	IsPublic  bool   `json:"isPublic"`
	Publisher string `json:"publisher"`
}

// Query describes a search request. Unless All is set, only public
// resources and resources published by ViewerID are returned.
type Query struct {
	Text     string
	Type     string
	ViewerID string
	All      bool
	Limit    int
	Offset   int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push resources into a search index.
type Indexer interface {
	IndexResources(records []ResourceRecord) error
	DeleteResource(id string) error
}

// ResourceRecord is the data we index for a resource. Body is the plain
// text of an article; it is empty for media.
type ResourceRecord struct {
	ID            string   `json:"id"`
	Type          string   `json:"type"`
	Title         string   `json:"title"`
	Description   string   `json:"description"`
	Category      string   `json:"category"`
	Tags          []string `json:"tags"`
	Body          string   `json:"body"`
	Status        string   `json:"status"`
	IsPublic      bool     `json:"isPublic"`
	Publisher     string   `json:"publisher"`
	PublisherName string   `json:"publisherName"`
}

// visible reports whether a hit may be shown for q.
func (q Query) visible(r Result) bool {
	return q.All || r.IsPublic || (q.ViewerID != "" && r.Publisher == q.ViewerID)
}
