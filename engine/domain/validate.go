package domain

import (
	"fmt"
	"time"
)

// Limits bound what the ingestion gateway accepts.
type Limits struct {
	MaxChunkBytes    int64
	MaxChunkDuration time.Duration
	AllowedMimeTypes map[string]bool
}

// DefaultLimits mirrors the documented gateway defaults: 25 MB, 15 minutes,
// common browser-recordable containers.
func DefaultLimits() Limits {
	return Limits{
		MaxChunkBytes:    25 << 20,
		MaxChunkDuration: 15 * time.Minute,
		AllowedMimeTypes: map[string]bool{
			"audio/webm": true,
			"audio/ogg":  true,
			"audio/wav":  true,
			"audio/mpeg": true,
			"audio/mp4":  true,
			"audio/flac": true,
		},
	}
}

// ValidateChunk checks a submitted chunk against the limits. Checks run in a
// fixed order and short-circuit on the first failure: size, duration, format.
func ValidateChunk(size int64, meta ChunkMeta, limits Limits) error {
	if size <= 0 {
		return NewValidationError("size", fmt.Sprintf("%d", size), ErrEmptyChunk)
	}
	if size > limits.MaxChunkBytes {
		return NewValidationError("size", fmt.Sprintf("%d", size), ErrChunkTooLarge)
	}
	if meta.Duration > limits.MaxChunkDuration {
		return NewValidationError("duration", meta.Duration.String(), ErrChunkTooLong)
	}
	if !limits.AllowedMimeTypes[meta.MimeType] {
		return NewValidationError("mime_type", meta.MimeType, ErrUnsupportedFormat)
	}
	return nil
}
