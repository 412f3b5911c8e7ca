package engine

import (
	"errors"
	"math"
	"math/rand/v2"
	"sort"
)

var (
	ErrInvalidTemperature = errors.New("temperature must be in (0, 2]")
	ErrInvalidTopP        = errors.New("top_p must be in (0, 1]")
	// ErrDegenerateDistribution is returned when no token has finite,
	// nonzero probability.
	ErrDegenerateDistribution = errors.New("degenerate token distribution")
)

// Sampler draws tokens by temperature-scaled nucleus sampling. A Sampler
// reuses scratch buffers and belongs to a single session.
type Sampler struct {
	temperature float64
	topP        float64
	probs       []float64
	order       []int
}

func NewSampler(temperature, topP float64) (*Sampler, error) {
	if !(temperature > 0 && temperature <= 2) {
		return nil, ErrInvalidTemperature
	}
	if !(topP > 0 && topP <= 1) {
		return nil, ErrInvalidTopP
	}
	return &Sampler{temperature: temperature, topP: topP}, nil
}

// Sample returns one token id drawn from logits.
func (s *Sampler) Sample(logits []float32, rng *rand.Rand) (int32, error) {
	probs, err := Softmax(logits, s.temperature, s.probs)
	if err != nil {
		return 0, err
	}
	s.probs = probs
	s.order = nucleus(probs, s.topP, s.order)
	if len(s.order) == 0 {
		return 0, ErrDegenerateDistribution
	}
	var total float64
	for _, id := range s.order {
		total += probs[id]
	}
	r := rng.Float64() * total
	for _, id := range s.order {
		r -= probs[id]
		if r < 0 {
			return int32(id), nil
		}
	}
	return int32(s.order[len(s.order)-1]), nil
}

// Softmax computes softmax(logits/temperature) in float64, writing into dst
// when it has room. NaN and -Inf logits get zero mass. If any logit is +Inf
// the mass is split evenly between those.
func Softmax(logits []float32, temperature float64, dst []float64) ([]float64, error) {
	if !(temperature > 0) {
		return nil, ErrInvalidTemperature
	}
	if cap(dst) < len(logits) {
		dst = make([]float64, len(logits))
	}
	dst = dst[:len(logits)]

	maxv, finite, posInf := math.Inf(-1), 0, 0
	for _, l := range logits {
		v := float64(l)
		switch {
		case math.IsNaN(v) || math.IsInf(v, -1):
		case math.IsInf(v, 1):
			posInf++
		default:
			finite++
			maxv = max(maxv, v)
		}
	}
	if posInf > 0 {
		for i, l := range logits {
			dst[i] = 0
			if math.IsInf(float64(l), 1) {
				dst[i] = 1 / float64(posInf)
			}
		}
		return dst, nil
	}
	if finite == 0 {
		return nil, ErrDegenerateDistribution
	}

	var sum float64
	for i, l := range logits {
		v := float64(l)
		if math.IsNaN(v) || math.IsInf(v, -1) {
			dst[i] = 0
			continue
		}
		e := math.Exp((v - maxv) / temperature)
		dst[i] = e
		sum += e
	}
	for i := range dst {
		dst[i] /= sum
	}
	return dst, nil
}

// Nucleus returns the smallest set of token ids, most probable first,
// whose cumulative probability reaches topP. Ties are broken by lower id.
// Tokens with zero probability are never included; at least one token is
// returned whenever any has mass.
func Nucleus(probs []float64, topP float64) []int {
	return nucleus(probs, topP, nil)
}

func nucleus(probs []float64, topP float64, order []int) []int {
	order = order[:0]
	for id, p := range probs {
		if p > 0 {
			order = append(order, id)
		}
	}
	sort.Slice(order, func(i, j int) bool {
		pi, pj := probs[order[i]], probs[order[j]]
		if pi != pj {
			return pi > pj
		}
		return order[i] < order[j]
	})
	if topP >= 1 {
		return order
	}
	var cum float64
	for i, id := range order {
		cum += probs[id]
		if cum >= topP {
			return order[:i+1]
		}
	}
	return order
}
