package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Choice is the assembled output of one session.
type Choice struct {
	Index        int
	Text         string
	FinishReason string
	Tokens       int
}

// Accumulator is a Sink that assembles whole choices for non-streaming
// responses.
type Accumulator struct {
	mu       sync.Mutex
	next     []int
	finished []bool
	text     []strings.Builder
	choices  []Choice
}

func NewAccumulator(n int) *Accumulator {
	if n < 1 {
		return &Accumulator{}
	}
	return &Accumulator{
		next:     make([]int, n),
		finished: make([]bool, n),
		text:     make([]strings.Builder, n),
		choices:  make([]Choice, n),
	}
}

// Send records c. Chunks of one choice must arrive with consecutive Seq
// values and nothing may follow the finished chunk.
func (a *Accumulator) Send(_ context.Context, c Chunk) error {
	if a == nil || len(a.next) == 0 {
		return ErrNotInitialized
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c.Index < 0 || c.Index >= len(a.next) {
		return fmt.Errorf("%w: index %d of %d", ErrOutOfOrder, c.Index, len(a.next))
	}
	if a.finished[c.Index] {
		return fmt.Errorf("%w: choice %d already finished", ErrOutOfOrder, c.Index)
	}
	if c.Seq != a.next[c.Index] {
		return fmt.Errorf("%w: choice %d got seq %d, want %d", ErrOutOfOrder, c.Index, c.Seq, a.next[c.Index])
	}
	a.next[c.Index]++
	a.text[c.Index].WriteString(c.Text)
	if c.Finished {
		a.finished[c.Index] = true
		a.choices[c.Index] = Choice{
			Index:        c.Index,
			Text:         a.text[c.Index].String(),
			FinishReason: c.FinishReason,
			Tokens:       c.Tokens,
		}
	}
	return nil
}

// Done reports whether every choice has finished.
func (a *Accumulator) Done() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, f := range a.finished {
		if !f {
			return false
		}
	}
	return len(a.finished) > 0
}

// Choices returns the assembled choices ordered by index.
func (a *Accumulator) Choices() ([]Choice, error) {
	if a == nil || len(a.next) == 0 {
		return nil, ErrNotInitialized
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, f := range a.finished {
		if !f {
			return nil, fmt.Errorf("%w: choice %d", ErrIncomplete, i)
		}
	}
	out := make([]Choice, len(a.choices))
	copy(out, a.choices)
	return out, nil
}
