package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/EchoNoteAI/echonote/engine/domain"
	"github.com/EchoNoteAI/echonote/engine/semantic"
	"github.com/EchoNoteAI/echonote/pkg/fn"
	"github.com/EchoNoteAI/echonote/pkg/natsutil"
	"github.com/google/uuid"
)

// errSessionCompleted aborts the stage pipeline when the session completed
// between dequeue and append. It marks the job obsolete, not failed.
var errSessionCompleted = errors.New("session completed mid-flight")

// Deps holds the external collaborators of a worker.
type Deps struct {
	Source   Source
	Blobs    BlobStore
	Sessions SessionStore
	Stt      Transcriber
	Refiner  Refiner
	Embedder Embedder
	Index    VectorIndex
	Logger   *slog.Logger
	// OnOutcome, if set, is called once per handled job.
	OnOutcome func(Outcome)
}

// Worker consumes jobs one at a time and drives them through the pipeline.
type Worker struct {
	deps Deps
	opts Options
	run  fn.Stage[*jobState, *jobState]
}

// New creates a Worker.
func New(deps Deps, opts Options) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = DefaultOptions().FetchWait
	}
	if opts.EmbedWorkers <= 0 {
		opts.EmbedWorkers = DefaultOptions().EmbedWorkers
	}
	w := &Worker{deps: deps, opts: opts}
	w.run = fn.Pipeline(
		fn.TracedStage("job.fetch", w.stageFetch),
		fn.TracedStage("job.transcribe", w.stageTranscribe),
		fn.TracedStage("job.append", w.stageAppend),
		fn.TracedStage("job.refine", w.stageRefine),
		fn.TracedStage("job.embed", w.stageEmbed),
		fn.TracedStage("job.index", w.stageIndex),
	)
	return w
}

// jobState accumulates the intermediate products of one job.
type jobState struct {
	job    domain.Job
	audio  []byte
	text   string
	chunks []domain.RefinedChunk
	recs   []semantic.VectorRecord
}

// Run consumes jobs until ctx is cancelled. Exactly one job is in flight at
// any time.
func (w *Worker) Run(ctx context.Context) error {
	log := w.deps.Logger
	log.Info("pipeline worker started", "fetch_wait", w.opts.FetchWait)

	for {
		if ctx.Err() != nil {
			log.Info("pipeline worker stopping")
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, w.opts.FetchWait)
		job, delivery, err := w.deps.Source.Next(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, natsutil.ErrNoMessages) || errors.Is(err, context.Canceled) {
				continue
			}
			log.Error("pipeline: fetch failed", "err", err)
			continue
		}

		jobCtx := ctx
		if c, ok := delivery.(traceCarrier); ok {
			jobCtx = c.Context(ctx)
		}
		w.Handle(jobCtx, job, delivery)
	}
}

// traceCarrier is implemented by deliveries that carry trace context in
// message headers.
type traceCarrier interface {
	Context(base context.Context) context.Context
}

// Handle runs one job to a terminal outcome. Every path deletes the blob
// exactly once and settles the delivery exactly once: success and obsolete
// jobs are acked, failures are terminated without requeueing.
func (w *Worker) Handle(ctx context.Context, job domain.Job, delivery Delivery) Outcome {
	log := w.deps.Logger.With("session_id", job.SessionID, "blob_ref", job.BlobRef)
	start := time.Now()

	status, err := w.deps.Sessions.Status(ctx, job.SessionID)
	switch {
	case err == nil && status == domain.StatusCompleted:
		// Obsolete job: the session stopped while this chunk was queued.
		// Expected race, not an error. Remove the message with no side effects.
		w.deleteBlob(job.BlobRef)
		w.ack(delivery)
		log.Info("pipeline: job obsolete, session completed")
		return w.finish(OutcomeDiscarded)
	case err != nil:
		// Unknown session or status read failure: nothing useful can be done
		// with this job, and redelivery would not improve the odds.
		w.deleteBlob(job.BlobRef)
		w.term(delivery)
		log.Error("pipeline: session status check failed, job dropped", "err", err)
		return w.finish(OutcomeFailed)
	}

	result := w.run(ctx, &jobState{job: job})
	if _, err := result.Unwrap(); err != nil {
		w.deleteBlob(job.BlobRef)
		if errors.Is(err, errSessionCompleted) {
			w.ack(delivery)
			log.Info("pipeline: job obsolete at append, session completed")
			return w.finish(OutcomeDiscarded)
		}
		// Permanent drop. Most post-dequeue failures are deterministic and
		// every step is a non-idempotent external call, so blind redelivery
		// risks duplicated transcript text and vectors.
		w.term(delivery)
		log.Error("pipeline: job failed, dropped for manual follow-up", "err", err, "elapsed", time.Since(start))
		return w.finish(OutcomeFailed)
	}

	w.deleteBlob(job.BlobRef)
	w.ack(delivery)
	log.Info("pipeline: job processed", "chunks", len(w.chunksOf(result)), "elapsed", time.Since(start))
	return w.finish(OutcomeProcessed)
}

func (w *Worker) chunksOf(r fn.Result[*jobState]) []domain.RefinedChunk {
	st, _ := r.Unwrap()
	if st == nil {
		return nil
	}
	return st.chunks
}

func (w *Worker) finish(o Outcome) Outcome {
	if w.deps.OnOutcome != nil {
		w.deps.OnOutcome(o)
	}
	return o
}

// deleteBlob removes the job's blob. A missing blob is fine: the delete
// already happened on another path of this same job.
func (w *Worker) deleteBlob(ref string) {
	if err := w.deps.Blobs.Delete(ref); err != nil && !errors.Is(err, natsutil.ErrBlobNotFound) {
		w.deps.Logger.Error("pipeline: blob delete failed", "blob_ref", ref, "err", err)
	}
}

func (w *Worker) ack(d Delivery) {
	if err := d.Ack(); err != nil {
		w.deps.Logger.Error("pipeline: ack failed", "err", err)
	}
}

func (w *Worker) term(d Delivery) {
	if err := d.Term(); err != nil {
		w.deps.Logger.Error("pipeline: term failed", "err", err)
	}
}

// --- stages ---

func (w *Worker) stageFetch(ctx context.Context, st *jobState) fn.Result[*jobState] {
	audio, err := w.deps.Blobs.Get(st.job.BlobRef)
	if err != nil {
		return fn.Err[*jobState](fmt.Errorf("fetch blob: %w", err))
	}
	st.audio = audio
	return fn.Ok(st)
}

func (w *Worker) stageTranscribe(ctx context.Context, st *jobState) fn.Result[*jobState] {
	text, err := w.deps.Stt.Transcribe(ctx, st.audio, st.job.Meta)
	if err != nil {
		return fn.Err[*jobState](fmt.Errorf("transcribe: %w", err))
	}
	st.text = text
	st.audio = nil
	return fn.Ok(st)
}

func (w *Worker) stageAppend(ctx context.Context, st *jobState) fn.Result[*jobState] {
	if st.text == "" {
		return fn.Ok(st) // silent audio, nothing to append
	}
	appended, err := w.deps.Sessions.AppendChunk(ctx, st.job.SessionID, st.text)
	if err != nil {
		return fn.Err[*jobState](fmt.Errorf("append transcript: %w", err))
	}
	if !appended {
		return fn.Err[*jobState](errSessionCompleted)
	}
	return fn.Ok(st)
}

func (w *Worker) stageRefine(ctx context.Context, st *jobState) fn.Result[*jobState] {
	if st.text == "" {
		return fn.Ok(st)
	}
	chunks, err := w.deps.Refiner.Refine(ctx, st.text)
	if err != nil {
		return fn.Err[*jobState](fmt.Errorf("refine: %w", err))
	}
	st.chunks = chunks
	return fn.Ok(st)
}

func (w *Worker) stageEmbed(ctx context.Context, st *jobState) fn.Result[*jobState] {
	if len(st.chunks) == 0 {
		return fn.Ok(st)
	}
	now := time.Now().UTC().UnixMilli()
	results := fn.ParMapResult(st.chunks, w.opts.EmbedWorkers, func(c domain.RefinedChunk) fn.Result[semantic.VectorRecord] {
		vec, err := w.deps.Embedder.Embed(ctx, c.Text)
		if err != nil {
			return fn.Err[semantic.VectorRecord](fmt.Errorf("embed chunk: %w", err))
		}
		return fn.Ok(semantic.VectorRecord{
			ID:        uuid.NewString(),
			Embedding: vec,
			SessionID: st.job.SessionID,
			Kind:      string(domain.SourceTranscript),
			Text:      c.Text,
			Summary:   c.Summary,
			Timestamp: now,
		})
	})
	collected := fn.Collect(results)
	recs, err := collected.Unwrap()
	if err != nil {
		return fn.Err[*jobState](err)
	}
	st.recs = recs
	return fn.Ok(st)
}

func (w *Worker) stageIndex(ctx context.Context, st *jobState) fn.Result[*jobState] {
	if len(st.recs) == 0 {
		return fn.Ok(st)
	}
	if err := w.deps.Index.Upsert(ctx, st.recs); err != nil {
		return fn.Err[*jobState](fmt.Errorf("vector upsert: %w", err))
	}
	return fn.Ok(st)
}
