package main

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/EchoNoteAI/echonote/engine/semantic"
)

// sseSink streams chat events to the client as server-sent events:
// an initial "sources" event, "fragment" events as the answer arrives,
// comment lines as heartbeats, and a final "done" event.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSESink(w http.ResponseWriter) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseSink{w: w, flusher: flusher}, nil
}

func (s *sseSink) event(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// sourceDoc is the client-facing shape of one retrieval hit.
type sourceDoc struct {
	ID      string  `json:"id"`
	Kind    string  `json:"kind"`
	Text    string  `json:"text"`
	Summary string  `json:"summary,omitempty"`
	Score   float32 `json:"score"`
}

func (s *sseSink) Sources(results []semantic.SearchResult) error {
	docs := make([]sourceDoc, len(results))
	for i, r := range results {
		docs[i] = sourceDoc{
			ID:      r.ID,
			Kind:    r.Kind,
			Text:    r.Text,
			Summary: r.Summary,
			Score:   r.Score,
		}
	}
	return s.event("sources", docs)
}

func (s *sseSink) Fragment(text string) error {
	return s.event("fragment", map[string]string{"text": text})
}

func (s *sseSink) Heartbeat() error {
	if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseSink) End() error {
	return s.event("done", map[string]string{})
}
