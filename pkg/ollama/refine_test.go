package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// completeServer answers every chat completion with the given reply.
func completeServer(reply string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintf(w, `{"message":{"content":%q},"done":true}`+"\n", reply)
	}))
}

func TestRefine_ParsesModelJSON(t *testing.T) {
	srv := completeServer(`Here you go:
[{"summary":"intro","text":"We opened the meeting."},{"summary":"budget","text":"Then we argued about money."}]`)
	defer srv.Close()

	r := NewRefiner(NewChatClient(srv.URL, "m"), 0)
	chunks, err := r.Refine(context.Background(), "We opened the meeting. Then we argued about money.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].Summary != "intro" || chunks[1].Text != "Then we argued about money." {
		t.Errorf("unexpected chunks: %+v", chunks)
	}
}

// When the model ignores the JSON contract, refinement falls back to a
// mechanical split instead of losing the text.
func TestRefine_FallsBackOnBadJSON(t *testing.T) {
	srv := completeServer("I cannot produce JSON today, sorry.")
	defer srv.Close()

	input := "First sentence. Second sentence. Third sentence."
	r := NewRefiner(NewChatClient(srv.URL, "m"), 0)
	chunks, err := r.Refine(context.Background(), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatal("fallback must still produce chunks")
	}
	var joined strings.Builder
	for _, c := range chunks {
		joined.WriteString(c.Text)
		joined.WriteString(" ")
		if c.Summary == "" {
			t.Errorf("fallback chunk missing summary: %+v", c)
		}
	}
	if !strings.Contains(joined.String(), "Second sentence.") {
		t.Errorf("fallback lost text: %q", joined.String())
	}
}

func TestRefine_EnforcesChunkBound(t *testing.T) {
	long := strings.Repeat("word word word. ", 40)
	srv := completeServer(fmt.Sprintf(`[{"summary":"all","text":%q}]`, long))
	defer srv.Close()

	r := NewRefiner(NewChatClient(srv.URL, "m"), 100)
	chunks, err := r.Refine(context.Background(), long)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected the oversized chunk re-split, got %d chunks", len(chunks))
	}
	for _, c := range chunks {
		if len(c.Text) > 100 {
			t.Errorf("chunk exceeds bound: %d chars", len(c.Text))
		}
		if c.Summary != "all" {
			t.Errorf("re-split chunk lost its summary: %+v", c)
		}
	}
}

func TestRefine_EmptyInput(t *testing.T) {
	r := NewRefiner(NewChatClient("http://unused", "m"), 0)
	chunks, err := r.Refine(context.Background(), "   \n  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chunks != nil {
		t.Errorf("expected nil for empty input, got %v", chunks)
	}
}

func TestParseChunks(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		ok    bool
	}{
		{"clean array", `[{"summary":"s","text":"t"}]`, true},
		{"fenced array", "```json\n[{\"summary\":\"s\",\"text\":\"t\"}]\n```", true},
		{"no array", "nothing here", false},
		{"empty array", "[]", false},
		{"broken json", `[{"summary":}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := parseChunks(tt.reply)
			if ok != tt.ok {
				t.Errorf("parseChunks(%q) ok=%v, want %v", tt.reply, ok, tt.ok)
			}
		})
	}
}

func TestFallbackChunks_CoversAllText(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("A sentence here. ", 30))
	chunks := fallbackChunks(text, 80)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		if len(c.Text) > 80 {
			t.Errorf("chunk over bound: %d", len(c.Text))
		}
		total += len(c.Text)
	}
	// Whitespace between pieces is trimmed, everything else must survive.
	if total < len(text)-len(chunks)*2 {
		t.Errorf("fallback lost text: %d of %d chars", total, len(text))
	}
}
