package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Chunk is one bounded-length semantic slice of refined text.
type Chunk struct {
	Summary string `json:"summary"`
	Text    string `json:"text"`
}

// Refiner splits transcript text into bounded semantic chunks, each with a
// short summary, using a chat completion with a strict JSON output contract.
type Refiner struct {
	chat          *ChatClient
	maxChunkChars int
}

// NewRefiner creates a Refiner. maxChunkChars bounds the length of each
// returned chunk's text.
func NewRefiner(chat *ChatClient, maxChunkChars int) *Refiner {
	if maxChunkChars <= 0 {
		maxChunkChars = 1200
	}
	return &Refiner{chat: chat, maxChunkChars: maxChunkChars}
}

const refineSystemPrompt = `You split transcripts into coherent semantic chunks.
Respond with ONLY a JSON array, no prose, of objects with exactly two string
fields: "summary" (one short sentence) and "text" (a verbatim slice of the
input). Keep each "text" under %d characters. Cover the whole input in order.`

// Refine splits text into chunks. If the model response is not valid JSON the
// input is split mechanically instead, so refinement never loses text.
func (r *Refiner) Refine(ctx context.Context, text string) ([]Chunk, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, nil
	}

	reply, err := r.chat.Complete(ctx, []Message{
		{Role: "system", Content: fmt.Sprintf(refineSystemPrompt, r.maxChunkChars)},
		{Role: "user", Content: text},
	}, 0.1)
	if err != nil {
		return nil, fmt.Errorf("refine: %w", err)
	}

	chunks, ok := parseChunks(reply)
	if !ok {
		chunks = fallbackChunks(text, r.maxChunkChars)
	}

	// Enforce the bound even when the model ignored it.
	var out []Chunk
	for _, c := range chunks {
		if strings.TrimSpace(c.Text) == "" {
			continue
		}
		if len(c.Text) <= r.maxChunkChars {
			out = append(out, c)
			continue
		}
		for _, part := range fallbackChunks(c.Text, r.maxChunkChars) {
			part.Summary = c.Summary
			out = append(out, part)
		}
	}
	return out, nil
}

// parseChunks extracts a JSON array of chunks from the model reply, tolerating
// surrounding prose or code fences.
func parseChunks(reply string) ([]Chunk, bool) {
	start := strings.IndexByte(reply, '[')
	end := strings.LastIndexByte(reply, ']')
	if start == -1 || end <= start {
		return nil, false
	}
	var chunks []Chunk
	if err := json.Unmarshal([]byte(reply[start:end+1]), &chunks); err != nil {
		return nil, false
	}
	if len(chunks) == 0 {
		return nil, false
	}
	return chunks, true
}

// fallbackChunks splits text on sentence-ish boundaries into pieces of at most
// maxChars, summarising each with its leading words.
func fallbackChunks(text string, maxChars int) []Chunk {
	var chunks []Chunk
	rest := text
	for len(rest) > 0 {
		piece := rest
		if len(piece) > maxChars {
			cut := strings.LastIndexAny(piece[:maxChars], ".!?\n")
			if cut < maxChars/2 {
				cut = maxChars - 1
			}
			piece = piece[:cut+1]
		}
		rest = strings.TrimSpace(rest[len(piece):])
		piece = strings.TrimSpace(piece)
		if piece != "" {
			chunks = append(chunks, Chunk{Summary: leadingWords(piece, 12), Text: piece})
		}
	}
	return chunks
}

func leadingWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}
