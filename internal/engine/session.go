package engine

import (
	"math/rand/v2"
	"sync/atomic"
	"time"

	"coderd/internal/device"
	"coderd/internal/llm"
	"coderd/internal/tokenizer"
)

// Defaults are generation settings published by the checkpoint.
type Defaults struct {
	Temperature float64
	TopP        float64
}

// LoadedModel is a network ready to serve. It is read-only after
// construction and shared by every session of its id.
type LoadedModel struct {
	ID       string
	Net      llm.Network
	Tok      *tokenizer.Tokenizer
	Device   device.Device
	EOS      map[int32]struct{}
	Defaults Defaults
	LoadedAt time.Time
}

// IsEOS reports whether id ends generation.
func (m *LoadedModel) IsEOS(id int32) bool {
	_, ok := m.EOS[id]
	return ok
}

// EOSSet builds an EOS lookup from id lists, ignoring negative ids.
func EOSSet(lists ...[]int32) map[int32]struct{} {
	out := make(map[int32]struct{})
	for _, l := range lists {
		for _, id := range l {
			if id >= 0 {
				out[id] = struct{}{}
			}
		}
	}
	return out
}

// Session is the state of one choice. It is not shared between goroutines
// except for Cancel.
type Session struct {
	Index int

	model     *LoadedModel
	prompt    []int32
	output    []int32
	rng       *rand.Rand
	dec       *tokenizer.Decoder
	cancelled atomic.Bool
}

// NewSession prepares choice index of a request. Sessions built from the
// same seed and index draw the same tokens.
func NewSession(m *LoadedModel, index int, prompt []int32, seed uint64) *Session {
	return &Session{
		Index:  index,
		model:  m,
		prompt: prompt,
		rng:    rand.New(rand.NewPCG(seed+uint64(index), 0x9e3779b97f4a7c15)),
		dec:    m.Tok.NewDecoder(),
	}
}

// Cancel asks the session to stop before its next token.
func (s *Session) Cancel() { s.cancelled.Store(true) }

func (s *Session) Cancelled() bool { return s.cancelled.Load() }

func (s *Session) PromptTokens() int { return len(s.prompt) }

// Output returns a copy of the generated ids.
func (s *Session) Output() []int32 { return append([]int32(nil), s.output...) }
