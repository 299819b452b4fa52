package domain

import (
	"errors"
	"testing"
	"time"
)

func validMeta() ChunkMeta {
	return ChunkMeta{
		Name:     "chunk.webm",
		MimeType: "audio/webm",
		Duration: 30 * time.Second,
	}
}

func TestValidateChunk_Accepts(t *testing.T) {
	if err := ValidateChunk(1024, validMeta(), DefaultLimits()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateChunk_Rejections(t *testing.T) {
	limits := DefaultLimits()

	tests := []struct {
		name string
		size int64
		meta func(ChunkMeta) ChunkMeta
		want error
	}{
		{"empty", 0, func(m ChunkMeta) ChunkMeta { return m }, ErrEmptyChunk},
		{"too large", limits.MaxChunkBytes + 1, func(m ChunkMeta) ChunkMeta { return m }, ErrChunkTooLarge},
		{"too long", 1024, func(m ChunkMeta) ChunkMeta {
			m.Duration = limits.MaxChunkDuration + time.Second
			return m
		}, ErrChunkTooLong},
		{"bad format", 1024, func(m ChunkMeta) ChunkMeta {
			m.MimeType = "video/quicktime"
			return m
		}, ErrUnsupportedFormat},
		{"no mime type", 1024, func(m ChunkMeta) ChunkMeta {
			m.MimeType = ""
			return m
		}, ErrUnsupportedFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateChunk(tt.size, tt.meta(validMeta()), limits)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !IsValidation(err) {
				t.Errorf("expected a validation error, got %T", err)
			}
		})
	}
}

// A chunk that is both oversized and malformed reports the size problem:
// checks run in a fixed order and stop at the first failure.
func TestValidateChunk_ShortCircuitOrder(t *testing.T) {
	limits := DefaultLimits()
	meta := validMeta()
	meta.MimeType = "video/quicktime"
	meta.Duration = limits.MaxChunkDuration + time.Minute

	err := ValidateChunk(limits.MaxChunkBytes+1, meta, limits)
	if !errors.Is(err, ErrChunkTooLarge) {
		t.Fatalf("expected ErrChunkTooLarge first, got %v", err)
	}

	err = ValidateChunk(1024, meta, limits)
	if !errors.Is(err, ErrChunkTooLong) {
		t.Fatalf("expected ErrChunkTooLong before format check, got %v", err)
	}
}

func TestValidationError_Fields(t *testing.T) {
	err := NewValidationError("mime_type", "text/plain", ErrUnsupportedFormat)
	if err.Field != "mime_type" || err.Value != "text/plain" {
		t.Errorf("unexpected fields: %+v", err)
	}
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Error("expected unwrap to reach the sentinel")
	}
}

func TestSessionStatus_Valid(t *testing.T) {
	if !StatusActive.Valid() || !StatusCompleted.Valid() {
		t.Error("expected known statuses to be valid")
	}
	if SessionStatus("paused").Valid() {
		t.Error("expected unknown status to be invalid")
	}
}
