package manager

import (
	"coderd/internal/tokenizer"
	"coderd/pkg/types"
)

// RequestFromWire converts an API request, filling omitted fields from the
// chat defaults. Values are not range-checked here; Complete does that.
func (m *Manager) RequestFromWire(r types.ChatCompletionRequest) ChatRequest {
	d := m.defaults
	req := ChatRequest{
		ModelID:     r.Model,
		Temperature: d.Temperature,
		TopP:        d.TopP,
		N:           d.N,
		MaxTokens:   d.MaxTokens,
		Stream:      d.Stream,
	}
	for _, msg := range r.Messages {
		req.Messages = append(req.Messages, tokenizer.Message{Role: msg.Role, Content: msg.Content})
	}
	if r.Temperature != nil {
		req.Temperature = *r.Temperature
	}
	if r.TopP != nil {
		req.TopP = *r.TopP
	}
	if r.N != nil {
		req.N = *r.N
	}
	if r.MaxTokens != nil {
		req.MaxTokens = *r.MaxTokens
	}
	if r.Stream != nil {
		req.Stream = *r.Stream
	}
	if r.Seed != nil {
		s := uint64(*r.Seed)
		req.Seed = &s
	}
	return req
}
