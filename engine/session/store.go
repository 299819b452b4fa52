// Package session owns session identity and lifecycle state, persisted in
// Neo4j. Sessions are nodes; transcript chunks and chat turns hang off them.
// Every update is a single Cypher statement against one entity, which is the
// atomicity unit the pipeline relies on.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/EchoNoteAI/echonote/engine/domain"
	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Store provides session and chat-turn persistence.
type Store struct {
	driver neo4j.DriverWithContext
}

// New creates a Store.
func New(driver neo4j.DriverWithContext) *Store {
	return &Store{driver: driver}
}

// StartSession allocates a fresh session id and persists the record with
// status active. The write is a single atomic create; on failure no partial
// state is left behind.
func (st *Store) StartSession(ctx context.Context) (domain.Session, error) {
	s := domain.Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Status:    domain.StatusActive,
	}

	sess := st.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	_, err := sess.Run(ctx,
		`CREATE (s:Session {id: $id, created_at: $created_at, status: $status, chunk_count: 0})`,
		map[string]any{
			"id":         s.ID,
			"created_at": s.CreatedAt.UnixMilli(),
			"status":     string(s.Status),
		})
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: create: %w", err)
	}
	return s, nil
}

// Status returns the session status, or domain.ErrSessionNotFound.
func (st *Store) Status(ctx context.Context, sessionID string) (domain.SessionStatus, error) {
	sess := st.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx,
		`MATCH (s:Session {id: $id}) RETURN s.status AS status`,
		map[string]any{"id": sessionID})
	if err != nil {
		return "", fmt.Errorf("session: status: %w", err)
	}
	if !result.Next(ctx) {
		return "", domain.ErrSessionNotFound
	}
	raw, _ := result.Record().Get("status")
	status, _ := raw.(string)
	return domain.SessionStatus(status), nil
}

// StopSession transitions the session to completed. The transition is
// idempotent: stopping an already-completed session is a successful no-op.
// Returns domain.ErrSessionNotFound if the session never existed.
func (st *Store) StopSession(ctx context.Context, sessionID string) error {
	sess := st.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx,
		`MATCH (s:Session {id: $id}) SET s.status = $completed RETURN s.id`,
		map[string]any{"id": sessionID, "completed": string(domain.StatusCompleted)})
	if err != nil {
		return fmt.Errorf("session: stop: %w", err)
	}
	if !result.Next(ctx) {
		return domain.ErrSessionNotFound
	}
	return nil
}

// AppendChunk appends transcript text to the session, re-checking the status
// inside the same write transaction immediately before the append. It returns
// false (with nil error) when the session has completed in the meantime, which
// callers treat as an expected race, not a failure.
func (st *Store) AppendChunk(ctx context.Context, sessionID, text string) (bool, error) {
	sess := st.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	appended, err := sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		result, err := tx.Run(ctx,
			`MATCH (s:Session {id: $id}) RETURN s.status AS status`,
			map[string]any{"id": sessionID})
		if err != nil {
			return false, err
		}
		if !result.Next(ctx) {
			return false, domain.ErrSessionNotFound
		}
		raw, _ := result.Record().Get("status")
		if status, _ := raw.(string); status != string(domain.StatusActive) {
			return false, nil
		}

		_, err = tx.Run(ctx,
			`MATCH (s:Session {id: $id})
			 SET s.chunk_count = s.chunk_count + 1
			 WITH s
			 CREATE (s)-[:HAS_CHUNK]->(:TranscriptChunk {
				id: $chunk_id, text: $text, seq: s.chunk_count, created_at: $now
			 })`,
			map[string]any{
				"id":       sessionID,
				"chunk_id": uuid.NewString(),
				"text":     text,
				"now":      time.Now().UTC().UnixMilli(),
			})
		if err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		if err == domain.ErrSessionNotFound {
			return false, err
		}
		return false, fmt.Errorf("session: append chunk: %w", err)
	}
	return appended.(bool), nil
}

// Get returns the session with its transcript chunks in append order.
func (st *Store) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	sess := st.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx,
		`MATCH (s:Session {id: $id})
		 OPTIONAL MATCH (s)-[:HAS_CHUNK]->(c:TranscriptChunk)
		 WITH s, c ORDER BY c.seq
		 RETURN s.created_at AS created_at, s.status AS status, collect(c.text) AS chunks`,
		map[string]any{"id": sessionID})
	if err != nil {
		return domain.Session{}, fmt.Errorf("session: get: %w", err)
	}
	if !result.Next(ctx) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	rec := result.Record()

	s := domain.Session{ID: sessionID}
	if raw, ok := rec.Get("created_at"); ok {
		if ms, ok := raw.(int64); ok {
			s.CreatedAt = time.UnixMilli(ms).UTC()
		}
	}
	if raw, ok := rec.Get("status"); ok {
		if status, ok := raw.(string); ok {
			s.Status = domain.SessionStatus(status)
		}
	}
	if raw, ok := rec.Get("chunks"); ok {
		if list, ok := raw.([]any); ok {
			for _, item := range list {
				if text, ok := item.(string); ok {
					s.Transcript = append(s.Transcript, text)
				}
			}
		}
	}
	return s, nil
}

// CreateTurn persists a new chat turn with a nil answer before generation
// starts, so a crash mid-stream still leaves a record of the question.
func (st *Store) CreateTurn(ctx context.Context, sessionID, question string) (domain.ChatTurn, error) {
	t := domain.ChatTurn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: time.Now().UTC(),
		Question:  question,
	}

	sess := st.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx,
		`MATCH (s:Session {id: $session_id})
		 CREATE (s)-[:HAS_TURN]->(t:ChatTurn {
			id: $id, session_id: $session_id, question: $question, created_at: $created_at
		 })
		 RETURN t.id`,
		map[string]any{
			"id":         t.ID,
			"session_id": sessionID,
			"question":   question,
			"created_at": t.CreatedAt.UnixMilli(),
		})
	if err != nil {
		return domain.ChatTurn{}, fmt.Errorf("session: create turn: %w", err)
	}
	if !result.Next(ctx) {
		return domain.ChatTurn{}, domain.ErrSessionNotFound
	}
	return t, nil
}

// CompleteTurn sets the turn's answer. The answer is set exactly once; a turn
// that already has one is left untouched.
func (st *Store) CompleteTurn(ctx context.Context, turnID, answer string) error {
	sess := st.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer sess.Close(ctx)

	result, err := sess.Run(ctx,
		`MATCH (t:ChatTurn {id: $id})
		 WHERE t.answer IS NULL
		 SET t.answer = $answer
		 RETURN t.id`,
		map[string]any{"id": turnID, "answer": answer})
	if err != nil {
		return fmt.Errorf("session: complete turn: %w", err)
	}
	if !result.Next(ctx) {
		return fmt.Errorf("session: complete turn %s: no unanswered turn", turnID)
	}
	return nil
}
