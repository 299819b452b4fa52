// Command worker consumes queued audio jobs and runs them through
// transcription, refinement, embedding, and indexing. Each process holds one
// job in flight; run more processes to scale throughput.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EchoNoteAI/echonote/engine/domain"
	"github.com/EchoNoteAI/echonote/engine/pipeline"
	"github.com/EchoNoteAI/echonote/engine/semantic"
	"github.com/EchoNoteAI/echonote/engine/session"
	"github.com/EchoNoteAI/echonote/pkg/fn"
	"github.com/EchoNoteAI/echonote/pkg/metrics"
	"github.com/EchoNoteAI/echonote/pkg/natsutil"
	"github.com/EchoNoteAI/echonote/pkg/ollama"
	"github.com/EchoNoteAI/echonote/pkg/resilience"
	"github.com/EchoNoteAI/echonote/pkg/transcribe"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var met = metrics.New()

var (
	mJobsTotal = func(outcome string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("echonote_worker_jobs_total", "outcome", outcome), "Jobs handled by terminal outcome")
	}
	mTranscribeDur = met.Histogram("echonote_worker_transcribe_duration_seconds", "Transcription call time", nil)
	mBreakerOpen   = met.Gauge("echonote_worker_stt_breaker_open", "1 while the transcription breaker is open")
)

const vectorDims = 768 // nomic-embed-text

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func main() {
	var (
		natsURL     = flag.String("nats", envOr("NATS_URL", "nats://localhost:4222"), "NATS server URL")
		stream      = flag.String("stream", envOr("JOB_STREAM", "ECHONOTE_JOBS"), "JetStream stream name")
		subject     = flag.String("subject", envOr("JOB_SUBJECT", "echonote.jobs"), "job subject")
		durable     = flag.String("durable", envOr("JOB_DURABLE", "echonote-worker"), "durable consumer name")
		blobBucket  = flag.String("blobs", envOr("BLOB_BUCKET", "echonote-audio"), "audio blob bucket")
		neo4jURL    = flag.String("neo4j", envOr("NEO4J_URL", "neo4j://localhost:7687"), "Neo4j bolt URL")
		neo4jUser   = flag.String("neo4j-user", envOr("NEO4J_USER", "neo4j"), "Neo4j username")
		neo4jPass   = flag.String("neo4j-pass", envOr("NEO4J_PASS", "echonote123"), "Neo4j password")
		qdrantAddr  = flag.String("qdrant", envOr("QDRANT_URL", "localhost:6334"), "Qdrant gRPC address")
		collection  = flag.String("collection", envOr("QDRANT_COLLECTION", "echonote"), "Qdrant collection name")
		ollamaURL   = flag.String("ollama", envOr("OLLAMA_URL", "http://localhost:11434"), "Ollama base URL")
		embedModel  = flag.String("embed-model", envOr("EMBED_MODEL", "nomic-embed-text"), "embedding model")
		chatModel   = flag.String("chat-model", envOr("CHAT_MODEL", "llama3.1:8b"), "refinement model")
		sttEndpoint = flag.String("stt", envOr("STT_URL", "http://localhost:9000/v1/audio/transcriptions"), "transcription endpoint")
		sttKey      = flag.String("stt-key", os.Getenv("STT_API_KEY"), "transcription API key")
		sttModel    = flag.String("stt-model", envOr("STT_MODEL", "whisper-1"), "transcription model")
		metricsPort = flag.Int("metrics-port", 9092, "Prometheus metrics port")
	)
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	met.ServeAsync(*metricsPort)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// NATS: job queue and blob bucket.
	nats, err := natsutil.Connect(*natsURL)
	if err != nil {
		logger.Error("nats connect failed", "err", err)
		os.Exit(1)
	}
	defer nats.Close()

	queue, err := nats.EnsureQueue(natsutil.QueueConfig{Stream: *stream, Subject: *subject, Durable: *durable})
	if err != nil {
		logger.Error("queue setup failed", "err", err)
		os.Exit(1)
	}
	consumer, err := queue.PullConsumer()
	if err != nil {
		logger.Error("consumer setup failed", "err", err)
		os.Exit(1)
	}
	defer consumer.Unsubscribe()

	blobs, err := nats.EnsureBlobBucket(*blobBucket)
	if err != nil {
		logger.Error("blob bucket setup failed", "err", err)
		os.Exit(1)
	}

	// Neo4j: session and transcript persistence.
	driver, err := neo4j.NewDriverWithContext(*neo4jURL, neo4j.BasicAuth(*neo4jUser, *neo4jPass, ""))
	if err != nil {
		logger.Error("neo4j connect failed", "err", err)
		os.Exit(1)
	}
	defer driver.Close(ctx)
	if err := driver.VerifyConnectivity(ctx); err != nil {
		logger.Error("neo4j verify failed", "err", err)
		os.Exit(1)
	}
	sessions := session.New(driver)

	// Qdrant: vector index.
	vectors, err := semantic.New(*qdrantAddr, *collection)
	if err != nil {
		logger.Error("qdrant connect failed", "err", err)
		os.Exit(1)
	}
	defer vectors.Close()
	if err := vectors.EnsureCollection(ctx, vectorDims); err != nil {
		logger.Error("qdrant ensure collection failed", "err", err)
		os.Exit(1)
	}

	// Ollama: refinement and embeddings.
	refiner := ollama.NewRefiner(ollama.NewChatClient(*ollamaURL, *chatModel), 0)
	embedder := ollama.NewEmbedClient(*ollamaURL, *embedModel)

	// Transcription behind a circuit breaker: the STT service is the flakiest
	// dependency and a dead one should fail jobs fast, not at the timeout.
	stt := &sttAdapter{
		client:  transcribe.New(*sttEndpoint, *sttKey, *sttModel),
		breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
	}

	worker := pipeline.New(pipeline.Deps{
		Source:   pipeline.NewQueueSource(consumer),
		Blobs:    blobs,
		Sessions: sessions,
		Stt:      stt,
		Refiner:  &refinerAdapter{r: refiner},
		Embedder: embedder,
		Index:    vectors,
		Logger:   logger,
		OnOutcome: func(o pipeline.Outcome) {
			mJobsTotal(string(o)).Inc()
		},
	}, pipeline.DefaultOptions())

	logger.Info("worker started",
		"stream", *stream,
		"subject", *subject,
		"durable", *durable,
		"collection", *collection,
	)
	worker.Run(ctx)
	logger.Info("worker stopped")
}

// sttAdapter bridges the transcription client into the pipeline, timing every
// call and guarding it with the circuit breaker.
type sttAdapter struct {
	client  *transcribe.Client
	breaker *resilience.Breaker
}

func (a *sttAdapter) Transcribe(ctx context.Context, audio []byte, meta domain.ChunkMeta) (string, error) {
	start := time.Now()
	defer mTranscribeDur.Since(start)

	result := resilience.CallResult(a.breaker, ctx, func(ctx context.Context) fn.Result[string] {
		return fn.FromPair(a.client.Transcribe(ctx, audio, transcribe.Hints{
			MimeType: meta.MimeType,
			Filename: meta.Name,
		}))
	})
	if a.breaker.State() == resilience.StateOpen {
		mBreakerOpen.Set(1)
	} else {
		mBreakerOpen.Set(0)
	}
	return result.Unwrap()
}

// refinerAdapter maps refined chunks onto the pipeline's domain type.
type refinerAdapter struct {
	r *ollama.Refiner
}

func (a *refinerAdapter) Refine(ctx context.Context, text string) ([]domain.RefinedChunk, error) {
	chunks, err := a.r.Refine(ctx, text)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RefinedChunk, len(chunks))
	for i, c := range chunks {
		out[i] = domain.RefinedChunk{Summary: c.Summary, Text: c.Text}
	}
	return out, nil
}
