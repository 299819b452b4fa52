//go:build integration

package session

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/EchoNoteAI/echonote/engine/domain"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func envOr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func testStore(t *testing.T) *Store {
	t.Helper()
	driver, err := neo4j.NewDriverWithContext(
		envOr("NEO4J_URL", "neo4j://localhost:7687"),
		neo4j.BasicAuth(envOr("NEO4J_USER", "neo4j"), envOr("NEO4J_PASS", "echonote123"), ""),
	)
	if err != nil {
		t.Fatalf("neo4j driver: %v", err)
	}
	if err := driver.VerifyConnectivity(context.Background()); err != nil {
		t.Fatalf("neo4j connectivity: %v", err)
	}
	t.Cleanup(func() { driver.Close(context.Background()) })
	return New(driver)
}

func TestSessionLifecycle(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	s, err := st.StartSession(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if s.Status != domain.StatusActive {
		t.Fatalf("expected active, got %s", s.Status)
	}

	status, err := st.Status(ctx, s.ID)
	if err != nil || status != domain.StatusActive {
		t.Fatalf("status: %v %s", err, status)
	}

	if err := st.StopSession(ctx, s.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// Stopping twice is a no-op, not an error.
	if err := st.StopSession(ctx, s.ID); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	status, err = st.Status(ctx, s.ID)
	if err != nil || status != domain.StatusCompleted {
		t.Fatalf("status after stop: %v %s", err, status)
	}
}

func TestStatus_UnknownSession(t *testing.T) {
	st := testStore(t)
	if _, err := st.Status(context.Background(), "no-such-session"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := st.StopSession(context.Background(), "no-such-session"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestAppendChunk_OrderAndCompletionGate(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	s, err := st.StartSession(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	for _, text := range []string{"first", "second", "third"} {
		appended, err := st.AppendChunk(ctx, s.ID, text)
		if err != nil || !appended {
			t.Fatalf("append %q: appended=%v err=%v", text, appended, err)
		}
	}

	got, err := st.Get(ctx, s.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Transcript) != 3 || got.Transcript[0] != "first" || got.Transcript[2] != "third" {
		t.Fatalf("transcript out of order: %v", got.Transcript)
	}

	if err := st.StopSession(ctx, s.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	// The append gate closes with the session: no error, no write.
	appended, err := st.AppendChunk(ctx, s.ID, "late chunk")
	if err != nil {
		t.Fatalf("append after stop: %v", err)
	}
	if appended {
		t.Fatal("append must be refused after completion")
	}
	got, _ = st.Get(ctx, s.ID)
	if len(got.Transcript) != 3 {
		t.Fatalf("late chunk leaked into transcript: %v", got.Transcript)
	}
}

func TestChatTurn_AnswerSetOnce(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	s, err := st.StartSession(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	turn, err := st.CreateTurn(ctx, s.ID, "what was said?")
	if err != nil {
		t.Fatalf("create turn: %v", err)
	}
	if err := st.CompleteTurn(ctx, turn.ID, "quite a lot"); err != nil {
		t.Fatalf("complete turn: %v", err)
	}
	// A second completion finds no unanswered turn.
	if err := st.CompleteTurn(ctx, turn.ID, "something else"); err == nil {
		t.Fatal("expected second completion to fail")
	}
}

func TestCreateTurn_UnknownSession(t *testing.T) {
	st := testStore(t)
	if _, err := st.CreateTurn(context.Background(), "no-such-session", "q"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
