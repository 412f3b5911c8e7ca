// Package engine runs token generation for sessions of a loaded model.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"coderd/internal/llm"
	"coderd/internal/stream"
)

// FinishReason says why a session stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishLength    FinishReason = "length"
	FinishCancelled FinishReason = "cancelled"
)

// Params are the sampling settings of one request.
type Params struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
}

// Result summarizes a finished session.
type Result struct {
	Index            int
	Text             string
	FinishReason     FinishReason
	PromptTokens     int
	CompletionTokens int
}

// Hooks observe generation. Nil fields are skipped.
type Hooks struct {
	Token    func(modelID string)
	Finished func(modelID string, reason FinishReason, tokens int, elapsed time.Duration)
	Aborted  func(modelID string)
}

// Engine is stateless apart from its logger and hooks and may run any
// number of sessions concurrently.
type Engine struct {
	log   zerolog.Logger
	hooks Hooks
}

func New(log zerolog.Logger, hooks Hooks) *Engine {
	return &Engine{log: log, hooks: hooks}
}

// Generate runs s until EOS, p.MaxTokens, the context window, or
// cancellation. Every produced token is sent to sink as one chunk and a
// single finished chunk follows the last of them. A sink that reports
// stream.ErrClosed cancels the session instead of failing it.
func (e *Engine) Generate(ctx context.Context, s *Session, p Params, sink stream.Sink) (Result, error) {
	res := Result{Index: s.Index, PromptTokens: len(s.prompt)}
	if p.MaxTokens < 1 {
		return res, fmt.Errorf("max_tokens must be >= 1, got %d", p.MaxTokens)
	}
	sampler, err := NewSampler(p.Temperature, p.TopP)
	if err != nil {
		return res, err
	}
	if len(s.prompt) == 0 {
		return res, errors.New("empty prompt")
	}

	m := s.model
	log := e.log.With().Str("model", m.ID).Int("index", s.Index).Logger()
	start := time.Now()
	state := m.Net.NewState()
	logits, err := state.Forward(ctx, s.prompt)
	if err != nil {
		if ctx.Err() != nil {
			return e.finish(ctx, s, sink, res, FinishCancelled, "", 0, start, false)
		}
		return res, fmt.Errorf("prefill: %w", err)
	}

	var text strings.Builder
	reason := FinishLength
	sinkClosed := false
	sent := 0
	for {
		if s.Cancelled() || ctx.Err() != nil {
			reason = FinishCancelled
			break
		}
		tok, err := sampler.Sample(logits, s.rng)
		if err != nil {
			return res, err
		}
		if m.IsEOS(tok) {
			reason = FinishStop
			break
		}
		s.output = append(s.output, tok)
		delta := s.dec.Push(tok)
		text.WriteString(delta)
		if e.hooks.Token != nil {
			e.hooks.Token(m.ID)
		}
		if err := sink.Send(ctx, stream.Chunk{Index: s.Index, Seq: sent, Text: delta}); err != nil {
			if errors.Is(err, stream.ErrClosed) {
				s.Cancel()
				sinkClosed = true
				log.Warn().Int("tokens", len(s.output)).Msg("generation aborted")
				if e.hooks.Aborted != nil {
					e.hooks.Aborted(m.ID)
				}
				reason = FinishCancelled
				break
			}
			if ctx.Err() != nil {
				reason = FinishCancelled
				break
			}
			return res, err
		}
		sent++
		if len(s.output) >= p.MaxTokens {
			reason = FinishLength
			break
		}
		logits, err = state.Forward(ctx, []int32{tok})
		if err != nil {
			if errors.Is(err, llm.ErrContextFull) {
				reason = FinishLength
				break
			}
			if ctx.Err() != nil {
				reason = FinishCancelled
				break
			}
			return res, fmt.Errorf("forward: %w", err)
		}
	}
	res.Text = text.String()
	return e.finish(ctx, s, sink, res, reason, s.dec.Flush(), sent, start, sinkClosed)
}

func (e *Engine) finish(ctx context.Context, s *Session, sink stream.Sink, res Result, reason FinishReason, tail string, seq int, start time.Time, sinkClosed bool) (Result, error) {
	res.Text += tail
	res.FinishReason = reason
	res.CompletionTokens = len(s.output)
	elapsed := time.Since(start)
	e.log.Debug().
		Str("model", s.model.ID).
		Int("index", s.Index).
		Str("finish_reason", string(reason)).
		Int("prompt_tokens", res.PromptTokens).
		Int("completion_tokens", res.CompletionTokens).
		Dur("elapsed", elapsed).
		Msg("generation finished")
	if e.hooks.Finished != nil {
		e.hooks.Finished(s.model.ID, reason, res.CompletionTokens, elapsed)
	}
	if sinkClosed {
		return res, nil
	}
	final := stream.Chunk{
		Index:        s.Index,
		Seq:          seq,
		Text:         tail,
		Finished:     true,
		FinishReason: string(reason),
		Tokens:       res.CompletionTokens,
	}
	// The consumer may still be reading after a cancelled request context.
	if err := sink.Send(context.WithoutCancel(ctx), final); err != nil && !errors.Is(err, stream.ErrClosed) {
		return res, err
	}
	return res, nil
}
