// Package ingest implements the ingestion gateway: it validates submitted
// audio chunks, persists them to blob storage, and enqueues one job per chunk.
// Acceptance is durable but asynchronous: a 202 from the gateway promises the
// chunk will be processed, not that it has been transcribed.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EchoNoteAI/echonote/engine/domain"
	"github.com/EchoNoteAI/echonote/pkg/fn"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// BlobStore is the slice of blob storage the gateway needs.
type BlobStore interface {
	Put(key string, data []byte) error
	Delete(key string) error
}

// Publisher publishes a job durably. Publishing is safe to repeat.
type Publisher interface {
	Publish(ctx context.Context, v any) error
}

// StatusReader reports session lifecycle state.
type StatusReader interface {
	Status(ctx context.Context, sessionID string) (domain.SessionStatus, error)
}

// Options configures the gateway.
type Options struct {
	Limits domain.Limits
	// UploadsPerMinute bounds submissions per session. Zero disables limiting.
	UploadsPerMinute float64
	UploadBurst      int
	// PublishRetry bounds the enqueue retry. Publish is the only step in the
	// whole pipeline that retries automatically.
	PublishRetry fn.RetryOpts
}

// DefaultOptions returns the documented gateway defaults.
func DefaultOptions() Options {
	return Options{
		Limits:           domain.DefaultLimits(),
		UploadsPerMinute: 60,
		UploadBurst:      10,
		PublishRetry: fn.RetryOpts{
			MaxAttempts: 4,
			InitialWait: 250 * time.Millisecond,
			MaxWait:     5 * time.Second,
			Jitter:      true,
		},
	}
}

// Gateway accepts audio chunk submissions.
type Gateway struct {
	blobs    BlobStore
	queue    Publisher
	sessions StatusReader
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates a Gateway.
func New(blobs BlobStore, queue Publisher, sessions StatusReader, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		blobs:    blobs,
		queue:    queue,
		sessions: sessions,
		opts:     opts,
		logger:   logger,
		limiters: make(map[string]*rate.Limiter),
	}
}

// ErrRateLimited rejects a submission burst before any validation runs.
var ErrRateLimited = fmt.Errorf("too many uploads for session")

// Accept validates and durably accepts one audio chunk. On success the blob is
// stored and exactly one job referencing it is enqueued. If the enqueue fails
// after the blob was stored, the orphaned blob is deleted before the error is
// returned, so no storage leaks.
func (g *Gateway) Accept(ctx context.Context, sessionID string, data []byte, meta domain.ChunkMeta) (domain.Job, error) {
	if !g.allow(sessionID) {
		return domain.Job{}, ErrRateLimited
	}

	status, err := g.sessions.Status(ctx, sessionID)
	if err != nil {
		return domain.Job{}, err
	}
	if status != domain.StatusActive {
		return domain.Job{}, domain.ErrSessionCompleted
	}

	if err := domain.ValidateChunk(int64(len(data)), meta, g.opts.Limits); err != nil {
		return domain.Job{}, err
	}

	meta.Size = int64(len(data))
	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = time.Now().UTC()
	}

	key := fmt.Sprintf("audio/%s/%s", sessionID, uuid.NewString())
	if err := g.blobs.Put(key, data); err != nil {
		return domain.Job{}, fmt.Errorf("ingest: store blob: %w", err)
	}

	job := domain.Job{SessionID: sessionID, BlobRef: key, Meta: meta}

	result := fn.Retry(ctx, g.opts.PublishRetry, func(ctx context.Context) fn.Result[struct{}] {
		if err := g.queue.Publish(ctx, job); err != nil {
			return fn.Err[struct{}](err)
		}
		return fn.Ok(struct{}{})
	})
	if _, err := result.Unwrap(); err != nil {
		// Compensating action: the job never made it to the queue, so the
		// blob must not outlive it.
		if delErr := g.blobs.Delete(key); delErr != nil {
			g.logger.Error("ingest: orphan blob cleanup failed", "blob_ref", key, "err", delErr)
		}
		return domain.Job{}, fmt.Errorf("ingest: enqueue: %w", err)
	}

	g.logger.Info("ingest: chunk accepted",
		"session_id", sessionID,
		"blob_ref", key,
		"size", meta.Size,
		"duration", meta.Duration,
	)
	return job, nil
}

// allow applies the per-session upload limiter.
func (g *Gateway) allow(sessionID string) bool {
	if g.opts.UploadsPerMinute <= 0 {
		return true
	}
	g.mu.Lock()
	lim, ok := g.limiters[sessionID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.opts.UploadsPerMinute/60.0), g.opts.UploadBurst)
		g.limiters[sessionID] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}
