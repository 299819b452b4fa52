package semantic

// SearchResult is a single vector search hit.
type SearchResult struct {
	ID        string  `json:"id"`
	Score     float32 `json:"score"`
	Text      string  `json:"text"`
	Summary   string  `json:"summary,omitempty"`
	SessionID string  `json:"session_id"`
	Kind      string  `json:"kind"`
	Timestamp int64   `json:"timestamp"`
}

// VectorRecord is a single write-once point. IDs are freshly generated UUIDs,
// never reused; points are never updated in place.
type VectorRecord struct {
	ID        string
	Embedding []float32
	SessionID string
	Kind      string // "transcript" or "chat"
	Text      string
	Summary   string
	Timestamp int64
}
