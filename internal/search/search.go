package search

// Result is a single search hit returned to the caller.
type Result struct {
	SourceKey string `json:"sourceKey"`
	Title     string `json:"title"`
	MirrorURL string `json:"mirrorUrl"`
	Snippet   string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search over sync records.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push sync records into a search index.
type Indexer interface {
	IndexRecord(rec RecordDoc) error
	IndexRecords(recs []RecordDoc) error
	DeleteRecord(id string) error
}

// RecordDoc is the data we index for a sync record.
type RecordDoc struct {
	ID        string `json:"id"` // source key doubles as the primary key
	SourceKey string `json:"sourceKey"`
	Title     string `json:"title"`
	MirrorURL string `json:"mirrorUrl"`
	MirrorID  int64  `json:"mirrorId"`
}
