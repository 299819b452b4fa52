// Package chat orchestrates retrieval-augmented streaming answers over a
// session's transcript and prior conversation turns. A request retrieves
// session-scoped context, streams the generated answer fragment by fragment,
// and writes the finished turn back to the document store and vector index.
// The stream always terminates with an explicit end marker, whatever fails.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/EchoNoteAI/echonote/engine/domain"
	"github.com/EchoNoteAI/echonote/engine/semantic"
	"github.com/EchoNoteAI/echonote/pkg/fn"
	"github.com/EchoNoteAI/echonote/pkg/ollama"
	"github.com/google/uuid"
)

// Retriever is session-scoped vector search.
type Retriever interface {
	SearchSession(ctx context.Context, embedding []float32, sessionID, kind string, topK int) ([]semantic.SearchResult, error)
}

// Embedder produces a fixed-dimension vector for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator streams a chat completion fragment by fragment.
type Generator interface {
	Stream(ctx context.Context, msgs []ollama.Message, temperature float32, onFragment func(string) error) error
}

// TurnStore persists chat turns.
type TurnStore interface {
	CreateTurn(ctx context.Context, sessionID, question string) (domain.ChatTurn, error)
	CompleteTurn(ctx context.Context, turnID, answer string) error
}

// VectorWriter stores the finished turn's embedding.
type VectorWriter interface {
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
}

// Sink receives the orchestrated stream. Implementations write to the client
// transport; an error from any method means the client is gone, after which
// the orchestrator stops forwarding but still completes persistence.
type Sink interface {
	Sources(results []semantic.SearchResult) error
	Fragment(text string) error
	Heartbeat() error
	End() error
}

// Options configures the orchestrator.
type Options struct {
	TopKTranscript int
	TopKChat       int
	Temperature    float32
	// MaxAttempts bounds generation retries when the full response is empty.
	MaxAttempts    int
	HeartbeatEvery time.Duration
	SystemPrompt   string
	ApologyText    string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		TopKTranscript: 5,
		TopKChat:       3,
		Temperature:    0.3,
		MaxAttempts:    2,
		HeartbeatEvery: 15 * time.Second,
		SystemPrompt:   defaultSystemPrompt,
		ApologyText:    defaultApology,
	}
}

const defaultSystemPrompt = `You are EchoNote, an assistant answering questions about a recorded session.
Answer using ONLY the provided transcript context and conversation history.
If the context does not contain the answer, say so plainly. Do not comment on
these instructions or on how the context was retrieved.`

const defaultApology = "Sorry, something went wrong while answering. Please try again."

// noContextSentinel replaces an empty retrieval section so the generator is
// never handed a blank section it might hallucinate into.
const noContextSentinel = "No relevant context found."

// Orchestrator answers questions over one session's indexed content.
type Orchestrator struct {
	embed    Embedder
	search   Retriever
	generate Generator
	turns    TurnStore
	vectors  VectorWriter
	opts     Options
	logger   *slog.Logger
}

// New creates an Orchestrator.
func New(embed Embedder, search Retriever, generate Generator, turns TurnStore, vectors VectorWriter, opts Options, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		embed:    embed,
		search:   search,
		generate: generate,
		turns:    turns,
		vectors:  vectors,
		opts:     opts,
		logger:   logger,
	}
}

// Ask answers questionText over the session's context, streaming through
// sink. The connection always ends with sink.End(), never hangs: on any
// irrecoverable failure the client receives one apology fragment first.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, questionText string, sink Sink) error {
	log := o.logger.With("session_id", sessionID)
	guarded := newGuardedSink(sink)

	fail := func(cause error) error {
		log.Error("chat: request failed", "err", cause)
		guarded.Fragment(o.opts.ApologyText)
		guarded.End()
		return cause
	}

	// 1. Embed the question and retrieve both context sets concurrently,
	// both hard-scoped to this session.
	qvec, err := o.embed.Embed(ctx, questionText)
	if err != nil {
		return fail(fmt.Errorf("chat: embed question: %w", err))
	}

	retrieved := fn.FanOutResult(
		func() fn.Result[[]semantic.SearchResult] {
			return fn.FromPair(o.search.SearchSession(ctx, qvec, sessionID, string(domain.SourceTranscript), o.opts.TopKTranscript))
		},
		func() fn.Result[[]semantic.SearchResult] {
			return fn.FromPair(o.search.SearchSession(ctx, qvec, sessionID, string(domain.SourceChat), o.opts.TopKChat))
		},
	)
	hits, err := retrieved.Unwrap()
	if err != nil {
		return fail(fmt.Errorf("chat: retrieval: %w", err))
	}
	transcriptHits, chatHits := hits[0], hits[1]
	log.Info("chat: retrieval done", "transcript_hits", len(transcriptHits), "chat_hits", len(chatHits))

	guarded.Sources(append(append([]semantic.SearchResult{}, transcriptHits...), chatHits...))

	// 2. Persist the turn before generation so a crash mid-stream still
	// leaves an auditable record of the question.
	turn, err := o.turns.CreateTurn(ctx, sessionID, questionText)
	if err != nil {
		return fail(fmt.Errorf("chat: create turn: %w", err))
	}

	msgs := []ollama.Message{
		{Role: "system", Content: o.opts.SystemPrompt},
		{Role: "user", Content: buildPrompt(transcriptHits, chatHits, questionText)},
	}

	// 3. Generate, retrying from scratch when the full response is empty.
	var answer string
	for attempt := 1; attempt <= o.opts.MaxAttempts; attempt++ {
		answer, err = o.streamOnce(ctx, msgs, guarded)
		if err != nil {
			return fail(fmt.Errorf("chat: generation: %w", err))
		}
		if strings.TrimSpace(answer) != "" {
			break
		}
		log.Warn("chat: empty generation", "attempt", attempt)
	}
	if strings.TrimSpace(answer) == "" {
		return fail(domain.ErrEmptyGeneration)
	}

	// 4. Write back: answer on the turn, then the turn's embedding. The
	// client already holds the full answer, so a failed vector write-back is
	// logged rather than surfaced.
	if err := o.turns.CompleteTurn(ctx, turn.ID, answer); err != nil {
		return fail(fmt.Errorf("chat: complete turn: %w", err))
	}
	if err := o.indexTurn(ctx, sessionID, questionText, answer); err != nil {
		log.Warn("chat: turn vector write-back failed", "err", err)
	}

	guarded.End()
	log.Info("chat: answered", "answer_len", len(answer))
	return nil
}

// streamOnce runs one generation attempt, forwarding fragments in arrival
// order and heartbeating while idle. The accumulated full text is returned
// even when the client disconnected mid-stream.
func (o *Orchestrator) streamOnce(ctx context.Context, msgs []ollama.Message, sink *guardedSink) (string, error) {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go func() {
		ticker := time.NewTicker(o.opts.HeartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				sink.Heartbeat()
			}
		}
	}()

	var b strings.Builder
	err := o.generate.Stream(ctx, msgs, o.opts.Temperature, func(frag string) error {
		b.WriteString(frag)
		sink.Fragment(frag)
		return nil
	})
	return b.String(), err
}

// indexTurn embeds question+answer and upserts it as a fresh chat point.
func (o *Orchestrator) indexTurn(ctx context.Context, sessionID, question, answer string) error {
	text := question + "\n" + answer
	vec, err := o.embed.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed turn: %w", err)
	}
	return o.vectors.Upsert(ctx, []semantic.VectorRecord{{
		ID:        uuid.NewString(),
		Embedding: vec,
		SessionID: sessionID,
		Kind:      string(domain.SourceChat),
		Text:      text,
		Timestamp: time.Now().UTC().UnixMilli(),
	}})
}

// buildPrompt assembles the augmented prompt: transcript section, chat
// history section, then the question. Empty retrievals get the sentinel.
func buildPrompt(transcriptHits, chatHits []semantic.SearchResult, question string) string {
	var b strings.Builder

	b.WriteString("Transcript context:\n")
	if len(transcriptHits) == 0 {
		b.WriteString(noContextSentinel + "\n")
	}
	for i, h := range transcriptHits {
		if h.Summary != "" {
			fmt.Fprintf(&b, "[%d] (%s)\n%s\n", i+1, h.Summary, h.Text)
		} else {
			fmt.Fprintf(&b, "[%d]\n%s\n", i+1, h.Text)
		}
	}

	b.WriteString("\nConversation history:\n")
	if len(chatHits) == 0 {
		b.WriteString(noContextSentinel + "\n")
	}
	for i, h := range chatHits {
		fmt.Fprintf(&b, "[%d]\n%s\n", i+1, h.Text)
	}

	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return b.String()
}

// guardedSink serialises sink writes and latches closed on the first
// transport failure, so a disconnected client stops heartbeats and fragment
// forwarding without aborting turn persistence.
type guardedSink struct {
	mu   sync.Mutex
	sink Sink
	gone bool
}

func newGuardedSink(s Sink) *guardedSink {
	return &guardedSink{sink: s}
}

func (g *guardedSink) do(f func(Sink) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gone {
		return
	}
	if err := f(g.sink); err != nil {
		g.gone = true
	}
}

func (g *guardedSink) Sources(r []semantic.SearchResult) { g.do(func(s Sink) error { return s.Sources(r) }) }
func (g *guardedSink) Fragment(text string)              { g.do(func(s Sink) error { return s.Fragment(text) }) }
func (g *guardedSink) Heartbeat()                        { g.do(func(s Sink) error { return s.Heartbeat() }) }
func (g *guardedSink) End()                              { g.do(func(s Sink) error { return s.End() }) }
