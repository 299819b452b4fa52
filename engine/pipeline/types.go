// Package pipeline implements the worker that drives queued audio jobs
// through transcription, refinement, embedding, and indexing. Each worker
// instance holds exactly one job in flight; throughput scales by running more
// instances, not by widening one.
package pipeline

import (
	"context"
	"time"

	"github.com/EchoNoteAI/echonote/engine/domain"
	"github.com/EchoNoteAI/echonote/engine/semantic"
)

// BlobStore is the slice of blob storage the worker needs.
type BlobStore interface {
	Get(key string) ([]byte, error)
	Delete(key string) error
}

// SessionStore is the slice of the document store the worker needs.
type SessionStore interface {
	Status(ctx context.Context, sessionID string) (domain.SessionStatus, error)
	// AppendChunk returns false when the session completed before the append.
	AppendChunk(ctx context.Context, sessionID, text string) (bool, error)
}

// Transcriber converts audio bytes to text. An empty result with nil error
// means no recognisable speech.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, meta domain.ChunkMeta) (string, error)
}

// Refiner splits transcript text into bounded semantic chunks with summaries.
type Refiner interface {
	Refine(ctx context.Context, text string) ([]domain.RefinedChunk, error)
}

// Embedder produces a fixed-dimension vector for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// VectorIndex stores write-once vector records.
type VectorIndex interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
}

// Delivery is one in-flight queue message. Ack removes it permanently; Term
// drops it permanently without redelivery.
type Delivery interface {
	Ack() error
	Term() error
}

// Source yields jobs one at a time with their deliveries.
type Source interface {
	Next(ctx context.Context) (domain.Job, Delivery, error)
}

// Outcome classifies how a job ended.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed" // transcript appended, vectors indexed
	OutcomeDiscarded Outcome = "discarded" // session completed, job obsolete
	OutcomeFailed    Outcome = "failed"    // dropped permanently, no retry
)

// Options configures a worker instance.
type Options struct {
	// FetchWait bounds how long one queue fetch blocks before looping.
	FetchWait time.Duration
	// EmbedWorkers bounds per-chunk embedding concurrency within one job.
	EmbedWorkers int
}

// DefaultOptions returns worker defaults.
func DefaultOptions() Options {
	return Options{
		FetchWait:    5 * time.Second,
		EmbedWorkers: 4,
	}
}
