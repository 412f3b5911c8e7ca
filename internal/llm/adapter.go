// Package llm is a pure-Go runtime for Llama-architecture causal language
// models stored as Hugging Face safetensors checkpoints.
package llm

import (
	"context"
	"errors"
	"fmt"

	"coderd/internal/device"
)

var (
	// ErrUnsupported marks checkpoints this runtime cannot execute.
	ErrUnsupported = errors.New("unsupported model")
	// ErrContextFull is returned when a sequence reaches ContextLength.
	ErrContextFull = errors.New("context window exhausted")
)

// LoadError describes a checkpoint that could not be turned into a Network.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.Path, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }

// Network is a loaded model. It is read-only after construction and may be
// shared by any number of concurrent States.
type Network interface {
	VocabSize() int
	ContextLength() int
	NewState() State
}

// State holds one sequence's key/value cache. Not safe for concurrent use.
type State interface {
	// Forward appends tokens to the sequence and returns the next-token
	// logits after the last of them.
	Forward(ctx context.Context, tokens []int32) ([]float32, error)
	// Len is the number of tokens in the sequence.
	Len() int
}

// Files are the checkpoint inputs of a Backend.
type Files struct {
	Config  string
	Weights []string
}

// Backend constructs Networks.
type Backend interface {
	Load(ctx context.Context, files Files, dev device.Device) (Network, error)
}

// SafetensorsBackend loads checkpoints with Load.
type SafetensorsBackend struct{}

func (SafetensorsBackend) Load(ctx context.Context, files Files, dev device.Device) (Network, error) {
	m, err := Load(ctx, files, dev)
	if err != nil {
		return nil, err
	}
	return m, nil
}
