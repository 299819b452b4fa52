package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/EchoNoteAI/echonote/engine/chat"
	"github.com/EchoNoteAI/echonote/engine/domain"
	"github.com/EchoNoteAI/echonote/engine/ingest"
	"github.com/EchoNoteAI/echonote/engine/session"
)

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// SessionResponse is the JSON shape for session lifecycle endpoints.
type SessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at,omitempty"`
}

func handleStartSession(sessions *session.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := sessions.StartSession(r.Context())
		if err != nil {
			logger.Error("start session failed", "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		mSessionsStarted.Inc()
		writeJSON(w, http.StatusCreated, SessionResponse{
			SessionID: s.ID,
			Status:    string(s.Status),
			CreatedAt: s.CreatedAt.Format(time.RFC3339),
		})
	}
}

func handleStopSession(sessions *session.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := sessions.StopSession(r.Context(), id); err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				writeError(w, http.StatusNotFound, "session not found")
				return
			}
			logger.Error("stop session failed", "session_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		mSessionsStopped.Inc()
		writeJSON(w, http.StatusOK, SessionResponse{
			SessionID: id,
			Status:    string(domain.StatusCompleted),
		})
	}
}

// UploadResponse acknowledges a durably accepted chunk. Acceptance means the
// chunk is queued; transcription happens asynchronously.
type UploadResponse struct {
	SessionID string `json:"session_id"`
	BlobRef   string `json:"blob_ref"`
	Status    string `json:"status"`
}

func handleUpload(gateway *ingest.Gateway, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		// One byte over the limit still reaches the validation gate so the
		// rejection carries the proper error, not a raw read failure.
		limits := domain.DefaultLimits()
		r.Body = http.MaxBytesReader(w, r.Body, limits.MaxChunkBytes+1)
		data, err := io.ReadAll(r.Body)
		if err != nil {
			mChunksRejected("too_large").Inc()
			writeError(w, http.StatusRequestEntityTooLarge, "audio chunk exceeds size limit")
			return
		}

		meta := domain.ChunkMeta{
			Name:     r.Header.Get("X-Audio-Name"),
			MimeType: mimeOnly(r.Header.Get("Content-Type")),
		}
		if ms := r.Header.Get("X-Audio-Duration-Ms"); ms != "" {
			v, err := strconv.ParseInt(ms, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid X-Audio-Duration-Ms")
				return
			}
			meta.Duration = time.Duration(v) * time.Millisecond
		}

		job, err := gateway.Accept(r.Context(), id, data, meta)
		if err != nil {
			status, reason := uploadErrorStatus(err)
			mChunksRejected(reason).Inc()
			if status == http.StatusInternalServerError {
				logger.Error("chunk accept failed", "session_id", id, "err", err)
				writeError(w, status, "internal server error")
				return
			}
			writeError(w, status, err.Error())
			return
		}

		mChunksAccepted.Inc()
		writeJSON(w, http.StatusAccepted, UploadResponse{
			SessionID: job.SessionID,
			BlobRef:   job.BlobRef,
			Status:    "accepted",
		})
	}
}

// uploadErrorStatus maps gateway errors to HTTP statuses with a metric label.
func uploadErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ingest.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, domain.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrSessionCompleted):
		return http.StatusConflict, "completed"
	case errors.Is(err, domain.ErrChunkTooLarge):
		return http.StatusRequestEntityTooLarge, "too_large"
	case domain.IsValidation(err):
		return http.StatusBadRequest, "invalid"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// mimeOnly strips parameters from a Content-Type value.
func mimeOnly(ct string) string {
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// TranscriptResponse is the JSON shape for transcript reads.
type TranscriptResponse struct {
	SessionID  string   `json:"session_id"`
	Status     string   `json:"status"`
	CreatedAt  string   `json:"created_at"`
	Transcript []string `json:"transcript"`
}

func handleTranscript(sessions *session.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		s, err := sessions.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				writeError(w, http.StatusNotFound, "session not found")
				return
			}
			logger.Error("transcript read failed", "session_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		transcript := s.Transcript
		if transcript == nil {
			transcript = []string{}
		}
		writeJSON(w, http.StatusOK, TranscriptResponse{
			SessionID:  s.ID,
			Status:     string(s.Status),
			CreatedAt:  s.CreatedAt.Format(time.RFC3339),
			Transcript: transcript,
		})
	}
}

// ChatRequest is the JSON body for POST /api/sessions/{id}/chat.
type ChatRequest struct {
	Question string `json:"question"`
}

func handleChat(orchestrator *chat.Orchestrator, sessions *session.Store, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		var req ChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Question) == "" {
			writeError(w, http.StatusBadRequest, "question is required")
			return
		}

		// Resolve the session before committing to the event stream, while a
		// plain JSON error is still possible.
		if _, err := sessions.Status(r.Context(), id); err != nil {
			if errors.Is(err, domain.ErrSessionNotFound) {
				writeError(w, http.StatusNotFound, "session not found")
				return
			}
			logger.Error("chat session lookup failed", "session_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}

		sink, err := newSSESink(w)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}

		mChatRequests.Inc()
		if err := orchestrator.Ask(r.Context(), id, req.Question, sink); err != nil {
			// The sink already delivered the apology and end marker.
			mChatFailures.Inc()
		}
	}
}
