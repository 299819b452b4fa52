// Package main implements the EchoNote API server: session lifecycle, audio
// chunk ingestion, transcript reads, and the streaming chat endpoint.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/EchoNoteAI/echonote/engine/chat"
	"github.com/EchoNoteAI/echonote/engine/ingest"
	"github.com/EchoNoteAI/echonote/engine/semantic"
	"github.com/EchoNoteAI/echonote/engine/session"
	"github.com/EchoNoteAI/echonote/pkg/metrics"
	"github.com/EchoNoteAI/echonote/pkg/mid"
	"github.com/EchoNoteAI/echonote/pkg/natsutil"
	"github.com/EchoNoteAI/echonote/pkg/ollama"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var met = metrics.New()

var (
	mSessionsStarted = met.Counter("echonote_api_sessions_started_total", "Sessions created")
	mSessionsStopped = met.Counter("echonote_api_sessions_stopped_total", "Sessions stopped")
	mChunksAccepted  = met.Counter("echonote_api_chunks_accepted_total", "Audio chunks accepted")
	mChunksRejected  = func(reason string) *metrics.Counter {
		return met.Counter(metrics.WithLabels("echonote_api_chunks_rejected_total", "reason", reason), "Audio chunks rejected")
	}
	mChatRequests = met.Counter("echonote_api_chat_requests_total", "Chat requests received")
	mChatFailures = met.Counter("echonote_api_chat_failures_total", "Chat requests that ended with the apology fallback")
)

const vectorDims = 768 // nomic-embed-text

// Config holds all environment-based configuration.
type Config struct {
	Port        string
	NatsURL     string
	JobStream   string
	JobSubject  string
	JobDurable  string
	BlobBucket  string
	Neo4jURL    string
	Neo4jUser   string
	Neo4jPass   string
	QdrantURL   string
	Collection  string
	OllamaURL   string
	EmbedModel  string
	ChatModel   string
	CORSOrigin  string
	MetricsPort int
}

func loadConfig() Config {
	metricsPort, _ := strconv.Atoi(envOr("METRICS_PORT", "9091"))
	return Config{
		Port:        envOr("PORT", "8080"),
		NatsURL:     envOr("NATS_URL", "nats://localhost:4222"),
		JobStream:   envOr("JOB_STREAM", "ECHONOTE_JOBS"),
		JobSubject:  envOr("JOB_SUBJECT", "echonote.jobs"),
		JobDurable:  envOr("JOB_DURABLE", "echonote-worker"),
		BlobBucket:  envOr("BLOB_BUCKET", "echonote-audio"),
		Neo4jURL:    envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:   envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:   envOr("NEO4J_PASS", "echonote123"),
		QdrantURL:   envOr("QDRANT_URL", "localhost:6334"),
		Collection:  envOr("QDRANT_COLLECTION", "echonote"),
		OllamaURL:   envOr("OLLAMA_URL", "http://localhost:11434"),
		EmbedModel:  envOr("EMBED_MODEL", "nomic-embed-text"),
		ChatModel:   envOr("CHAT_MODEL", "llama3.1:8b"),
		CORSOrigin:  envOr("CORS_ORIGIN", "*"),
		MetricsPort: metricsPort,
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met.ServeAsync(cfg.MetricsPort)

	// --- NATS: job queue and blob bucket ---
	nats, err := natsutil.Connect(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nats.Close()

	queue, err := nats.EnsureQueue(natsutil.QueueConfig{
		Stream:  cfg.JobStream,
		Subject: cfg.JobSubject,
		Durable: cfg.JobDurable,
	})
	if err != nil {
		return fmt.Errorf("queue setup: %w", err)
	}
	blobs, err := nats.EnsureBlobBucket(cfg.BlobBucket)
	if err != nil {
		return fmt.Errorf("blob bucket setup: %w", err)
	}

	// --- Neo4j: sessions, transcripts, chat turns ---
	neo4jDriver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer neo4jDriver.Close(ctx)
	sessions := session.New(neo4jDriver)

	// --- Qdrant: vector retrieval ---
	vectorStore, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer vectorStore.Close()
	if err := vectorStore.EnsureCollection(ctx, vectorDims); err != nil {
		return fmt.Errorf("qdrant ensure collection: %w", err)
	}

	// --- Ollama clients ---
	embedder := ollama.NewEmbedClient(cfg.OllamaURL, cfg.EmbedModel)
	generator := ollama.NewChatClient(cfg.OllamaURL, cfg.ChatModel)

	// --- Services ---
	gateway := ingest.New(blobs, queue, sessions, ingest.DefaultOptions(), logger)
	orchestrator := chat.New(embedder, vectorStore, generator, sessions, vectorStore, chat.DefaultOptions(), logger)

	// --- HTTP server ---
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("POST /api/sessions", handleStartSession(sessions, logger))
	mux.HandleFunc("POST /api/sessions/{id}/audio", handleUpload(gateway, logger))
	mux.HandleFunc("POST /api/sessions/{id}/stop", handleStopSession(sessions, logger))
	mux.HandleFunc("GET /api/sessions/{id}/transcript", handleTranscript(sessions, logger))
	mux.HandleFunc("POST /api/sessions/{id}/chat", handleChat(orchestrator, sessions, logger))

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("echonote-api"),
	)

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: chat responses stream for as long as generation runs.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}
