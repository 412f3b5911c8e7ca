package manager

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"coderd/internal/engine"
	"coderd/internal/stream"
	"coderd/internal/tokenizer"
)

// ChatRequest is a validated-on-entry chat completion request.
type ChatRequest struct {
	ModelID     string
	Messages    []tokenizer.Message
	Temperature float64
	TopP        float64
	N           int
	MaxTokens   int
	Stream      bool
	// Seed makes sampling reproducible; nil picks one at random.
	Seed *uint64
}

// Choice is one completed answer.
type Choice struct {
	Index        int
	Text         string
	FinishReason string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatResponse is the buffered result of Complete.
type ChatResponse struct {
	ID      string
	ModelID string
	Created time.Time
	Choices []Choice
	Usage   Usage
}

// Outcome holds exactly one of Response (buffered) or Stream.
type Outcome struct {
	ID       string
	ModelID  string
	Created  time.Time
	Response *ChatResponse
	// Stream yields chunks until io.EOF or a classified error. The caller
	// must Close it when done reading.
	Stream *stream.Receiver
}

func (m *Manager) validate(req ChatRequest) error {
	if _, ok := m.catalog.Get(req.ModelID); !ok {
		return notFound(req.ModelID)
	}
	if len(req.Messages) == 0 {
		return validationError(req.ModelID, "messages must not be empty")
	}
	for i, msg := range req.Messages {
		switch msg.Role {
		case "system", "user", "assistant":
		default:
			return validationError(req.ModelID, "messages[%d].role %q is not one of system, user, assistant", i, msg.Role)
		}
	}
	if !(req.Temperature > 0 && req.Temperature <= 2) {
		return &Error{Kind: KindValidation, ModelID: req.ModelID, Err: fmt.Errorf("%w, got %v", engine.ErrInvalidTemperature, req.Temperature)}
	}
	if !(req.TopP > 0 && req.TopP <= 1) {
		return &Error{Kind: KindValidation, ModelID: req.ModelID, Err: fmt.Errorf("%w, got %v", engine.ErrInvalidTopP, req.TopP)}
	}
	if req.N < 1 || req.N > m.maxN {
		return validationError(req.ModelID, "n must be in [1, %d], got %d", m.maxN, req.N)
	}
	if req.MaxTokens < 1 {
		return validationError(req.ModelID, "max_tokens must be >= 1, got %d", req.MaxTokens)
	}
	return nil
}

// Complete runs a chat completion. The model is loaded on first use.
// Buffered requests return once every choice has finished; streaming
// requests return as soon as the first worker is secured.
func (m *Manager) Complete(ctx context.Context, req ChatRequest) (*Outcome, error) {
	if err := m.validate(req); err != nil {
		return nil, err
	}
	lm, err := m.GetOrLoad(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	prompt, err := lm.Tok.EncodeChat(req.Messages)
	if err != nil {
		return nil, classify(req.ModelID, err)
	}
	if len(prompt) >= lm.Net.ContextLength() {
		return nil, validationError(req.ModelID, "prompt is %d tokens, context window is %d", len(prompt), lm.Net.ContextLength())
	}
	seed := rand.Uint64()
	if req.Seed != nil {
		seed = *req.Seed
	}
	params := engine.Params{Temperature: req.Temperature, TopP: req.TopP, MaxTokens: req.MaxTokens}

	first, err := m.acquireWorker(ctx, req.ModelID)
	if err != nil {
		return nil, err
	}
	out := &Outcome{
		ID:      "chatcmpl-" + strconv.FormatUint(m.opSeq.Add(1), 10) + "-" + strconv.FormatUint(seed%1e6, 36),
		ModelID: req.ModelID,
		Created: time.Now(),
	}
	log := m.log.With().Str("model", req.ModelID).Str("completion_id", out.ID).Logger()
	log.Debug().Int("prompt_tokens", len(prompt)).Int("n", req.N).Bool("stream", req.Stream).Msg("completion start")

	if req.Stream {
		pipe := stream.NewPipe(m.bufferSize, m.sendWait)
		go func() {
			_, err := m.runSessions(ctx, lm, prompt, seed, params, req.N, pipe, first)
			if err != nil {
				log.Warn().Err(err).Msg("stream ended with error")
			}
			pipe.CloseSend(classify(req.ModelID, err))
		}()
		out.Stream = pipe.Receiver()
		return out, nil
	}

	acc := stream.NewAccumulator(req.N)
	results, err := m.runSessions(ctx, lm, prompt, seed, params, req.N, acc, first)
	if err != nil {
		return nil, classify(req.ModelID, err)
	}
	choices, err := acc.Choices()
	if err != nil {
		return nil, classify(req.ModelID, err)
	}
	resp := &ChatResponse{ID: out.ID, ModelID: req.ModelID, Created: out.Created}
	resp.Usage.PromptTokens = len(prompt)
	for i, c := range choices {
		resp.Choices = append(resp.Choices, Choice{Index: c.Index, Text: c.Text, FinishReason: c.FinishReason})
		resp.Usage.CompletionTokens += results[i].CompletionTokens
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	out.Response = resp
	return out, nil
}

// runSessions generates n choices concurrently into sink. Session 0 runs on
// the worker already held through first; the others acquire their own.
func (m *Manager) runSessions(ctx context.Context, lm *engine.LoadedModel, prompt []int32, seed uint64, p engine.Params, n int, sink stream.Sink, first func()) ([]engine.Result, error) {
	results := make([]engine.Result, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			release := first
			if i > 0 {
				var err error
				if release, err = m.acquireWorker(gctx, lm.ID); err != nil {
					return err
				}
			}
			defer release()
			res, err := m.engine.Generate(gctx, engine.NewSession(lm, i, prompt, seed), p, sink)
			results[i] = res
			return err
		})
	}
	return results, g.Wait()
}
