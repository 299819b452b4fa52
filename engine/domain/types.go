// Package domain defines core domain types, constants, and validation for the
// EchoNote pipeline. It acts as the validation gate at pipeline entry points.
package domain

import "time"

// SessionStatus is the lifecycle state of a recording session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Valid reports whether s is a recognised status.
func (s SessionStatus) Valid() bool {
	return s == StatusActive || s == StatusCompleted
}

// Session is one continuous recording/chat context.
// Status transitions exactly once, active → completed; transcript chunks are
// appended in delivery order while the session is active at time of append.
type Session struct {
	ID         string        `json:"id"`
	CreatedAt  time.Time     `json:"created_at"`
	Status     SessionStatus `json:"status"`
	Transcript []string      `json:"transcript"`
}

// ChunkMeta is the metadata declared by the client for a submitted audio chunk.
type ChunkMeta struct {
	Name       string        `json:"name"`
	MimeType   string        `json:"mime_type"`
	Duration   time.Duration `json:"duration"`
	Size       int64         `json:"size"`
	UploadedAt time.Time     `json:"uploaded_at"`
}

// Job is one unit of queued work representing a single submitted audio chunk.
// Exactly one blob per job; the blob is deleted exactly once regardless of
// whether processing succeeds or fails.
type Job struct {
	SessionID string    `json:"session_id"`
	BlobRef   string    `json:"blob_ref"`
	Meta      ChunkMeta `json:"meta"`
}

// ChatTurn is one question/answer exchange within a session. The turn is
// persisted with a nil answer before generation starts; the answer is set
// exactly once when generation finishes.
type ChatTurn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`
	Question  string    `json:"question"`
	Answer    *string   `json:"answer"`
}

// SourceKind tags where a vector point's text came from.
type SourceKind string

const (
	SourceTranscript SourceKind = "transcript"
	SourceChat       SourceKind = "chat"
)

// RefinedChunk is a bounded-length semantic slice of transcript text produced
// by the refinement collaborator.
type RefinedChunk struct {
	Summary string `json:"summary"`
	Text    string `json:"text"`
}
