// Package stream carries generated text from sessions to a consumer.
package stream

import (
	"context"
	"errors"
)

var (
	// ErrBufferFull is returned when the consumer falls behind for longer
	// than the producer's send timeout.
	ErrBufferFull = errors.New("stream buffer full")
	// ErrClosed is returned to producers after the consumer went away.
	ErrClosed = errors.New("stream closed by consumer")
	// ErrNotInitialized is returned by zero-value pipes and accumulators.
	ErrNotInitialized = errors.New("stream not initialized")
	// ErrOutOfOrder reports a chunk that breaks per-choice ordering.
	ErrOutOfOrder = errors.New("stream chunk out of order")
	// ErrIncomplete is returned by Choices before every choice finished.
	ErrIncomplete = errors.New("stream incomplete")
)

// Chunk is one unit of output for choice Index. Seq counts from zero per
// choice; the Finished chunk is always the last one.
type Chunk struct {
	Index        int    `json:"index"`
	Seq          int    `json:"seq"`
	Text         string `json:"text"`
	Finished     bool   `json:"finished"`
	FinishReason string `json:"finish_reason,omitempty"`
	// Tokens is the completion token count, set on the finished chunk.
	Tokens int `json:"tokens,omitempty"`
}

// Sink receives chunks from generation sessions. Implementations must be
// safe for concurrent Send calls from different choices.
type Sink interface {
	Send(ctx context.Context, c Chunk) error
}
