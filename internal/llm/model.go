package llm

import (
	"context"
	"fmt"
	"math"

	"coderd/internal/device"
)

type layer struct {
	attnNorm   []float32
	wq, wk, wv matrix
	bq, bk, bv []float32
	wo         matrix
	mlpNorm    []float32
	gate, up   matrix
	down       matrix
}

// Model is a loaded Llama-architecture network.
type Model struct {
	cfg      Config
	headDim  int
	kvDim    int
	embed    matrix
	layers   []layer
	norm     []float32
	lmHead   matrix
	invFreq  []float64
	posScale float64
	threads  int
}

// Load reads config.json and the weight shards into memory. Weights of any
// supported dtype are widened to float32.
func Load(ctx context.Context, files Files, dev device.Device) (*Model, error) {
	cfg, err := LoadConfig(files.Config)
	if err != nil {
		return nil, err
	}
	if len(files.Weights) == 0 {
		return nil, &LoadError{Path: files.Config, Err: fmt.Errorf("no weight files")}
	}
	shards, err := openShards(files.Weights)
	if err != nil {
		return nil, err
	}
	defer shards.Close()

	H, I, V := cfg.HiddenSize, cfg.IntermediateSize, cfg.VocabSize
	hd := H / cfg.NumAttentionHeads
	m := &Model{
		cfg:      cfg,
		headDim:  hd,
		kvDim:    cfg.NumKeyValueHeads * hd,
		threads:  max(dev.Threads, 1),
		posScale: 1,
	}
	if cfg.RopeScaling != nil {
		m.posScale = 1 / cfg.RopeScaling.Factor
	}
	m.invFreq = make([]float64, hd/2)
	for i := range m.invFreq {
		m.invFreq[i] = 1 / math.Pow(cfg.RopeTheta, float64(2*i)/float64(hd))
	}

	var lerr error
	mat := func(name string, rows, cols int) matrix {
		if lerr != nil {
			return matrix{}
		}
		w, err := shards.tensor(name, rows, cols)
		if err != nil {
			lerr = err
		}
		return matrix{rows: rows, cols: cols, w: w}
	}
	vec := func(name string, n int) []float32 {
		if lerr != nil {
			return nil
		}
		v, err := shards.tensor(name, n)
		if err != nil {
			lerr = err
		}
		return v
	}
	optVec := func(name string, n int) []float32 {
		if !shards.has(name) {
			return nil
		}
		return vec(name, n)
	}

	qDim := cfg.NumAttentionHeads * hd
	m.embed = mat("model.embed_tokens.weight", V, H)
	m.layers = make([]layer, cfg.NumHiddenLayers)
	for l := range m.layers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p := fmt.Sprintf("model.layers.%d.", l)
		m.layers[l] = layer{
			attnNorm: vec(p+"input_layernorm.weight", H),
			wq:       mat(p+"self_attn.q_proj.weight", qDim, H),
			wk:       mat(p+"self_attn.k_proj.weight", m.kvDim, H),
			wv:       mat(p+"self_attn.v_proj.weight", m.kvDim, H),
			bq:       optVec(p+"self_attn.q_proj.bias", qDim),
			bk:       optVec(p+"self_attn.k_proj.bias", m.kvDim),
			bv:       optVec(p+"self_attn.v_proj.bias", m.kvDim),
			wo:       mat(p+"self_attn.o_proj.weight", H, qDim),
			mlpNorm:  vec(p+"post_attention_layernorm.weight", H),
			gate:     mat(p+"mlp.gate_proj.weight", I, H),
			up:       mat(p+"mlp.up_proj.weight", I, H),
			down:     mat(p+"mlp.down_proj.weight", H, I),
		}
	}
	m.norm = vec("model.norm.weight", H)
	if cfg.TieWordEmbeddings || !shards.has("lm_head.weight") {
		m.lmHead = m.embed
	} else {
		m.lmHead = mat("lm_head.weight", V, H)
	}
	if lerr != nil {
		return nil, lerr
	}
	return m, nil
}

func (m *Model) VocabSize() int     { return m.cfg.VocabSize }
func (m *Model) ContextLength() int { return m.cfg.MaxPositionEmbeddings }
func (m *Model) Config() Config     { return m.cfg }

// NewState starts an empty sequence.
func (m *Model) NewState() State {
	H := m.cfg.HiddenSize
	qDim := m.cfg.NumAttentionHeads * m.headDim
	return &kvState{
		m:    m,
		k:    make([][]float32, len(m.layers)),
		v:    make([][]float32, len(m.layers)),
		x:    make([]float32, H),
		xb:   make([]float32, H),
		q:    make([]float32, qDim),
		kt:   make([]float32, m.kvDim),
		vt:   make([]float32, m.kvDim),
		attn: make([]float32, qDim),
		hb:   make([]float32, m.cfg.IntermediateSize),
		hb2:  make([]float32, m.cfg.IntermediateSize),
	}
}

type kvState struct {
	m   *Model
	pos int

	// k and v hold pos*kvDim values per layer.
	k, v [][]float32

	x, xb, q, kt, vt, attn, hb, hb2, scores []float32
}

func (s *kvState) Len() int { return s.pos }

func (s *kvState) Forward(ctx context.Context, tokens []int32) ([]float32, error) {
	if len(tokens) == 0 {
		return nil, fmt.Errorf("forward: no tokens")
	}
	for i, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.pos >= s.m.ContextLength() {
			return nil, ErrContextFull
		}
		if tok < 0 || int(tok) >= s.m.cfg.VocabSize {
			return nil, fmt.Errorf("forward: token %d outside vocabulary of %d", tok, s.m.cfg.VocabSize)
		}
		s.step(tok)
		if i == len(tokens)-1 {
			return s.logits(), nil
		}
	}
	return nil, nil
}

func (s *kvState) step(tok int32) {
	m := s.m
	cfg := m.cfg
	hd := m.headDim
	eps := float32(cfg.RMSNormEps)
	group := cfg.NumAttentionHeads / cfg.NumKeyValueHeads
	pos := s.pos
	scale := float32(1 / math.Sqrt(float64(hd)))

	copy(s.x, m.embed.row(int(tok)))
	if cap(s.scores) < pos+1 {
		s.scores = make([]float32, pos+1, 2*(pos+1))
	}
	scores := s.scores[:pos+1]

	for li := range m.layers {
		L := &m.layers[li]
		rmsnorm(s.xb, s.x, L.attnNorm, eps)
		m.matvec(s.q, L.wq, s.xb)
		m.matvec(s.kt, L.wk, s.xb)
		m.matvec(s.vt, L.wv, s.xb)
		addBias(s.q, L.bq)
		addBias(s.kt, L.bk)
		addBias(s.vt, L.bv)
		m.rope(s.q, cfg.NumAttentionHeads, pos)
		m.rope(s.kt, cfg.NumKeyValueHeads, pos)
		s.k[li] = append(s.k[li], s.kt...)
		s.v[li] = append(s.v[li], s.vt...)

		keys, vals := s.k[li], s.v[li]
		for h := 0; h < cfg.NumAttentionHeads; h++ {
			q := s.q[h*hd : (h+1)*hd]
			off := (h / group) * hd
			for t := 0; t <= pos; t++ {
				base := t*m.kvDim + off
				scores[t] = dot(q, keys[base:base+hd]) * scale
			}
			softmax32(scores)
			out := s.attn[h*hd : (h+1)*hd]
			clear(out)
			for t := 0; t <= pos; t++ {
				base := t*m.kvDim + off
				axpy(out, scores[t], vals[base:base+hd])
			}
		}
		m.matvec(s.xb, L.wo, s.attn)
		axpy(s.x, 1, s.xb)

		rmsnorm(s.xb, s.x, L.mlpNorm, eps)
		m.matvec(s.hb, L.gate, s.xb)
		m.matvec(s.hb2, L.up, s.xb)
		for i, g := range s.hb {
			s.hb[i] = silu(g) * s.hb2[i]
		}
		m.matvec(s.xb, L.down, s.hb)
		axpy(s.x, 1, s.xb)
	}
	s.pos++
}

func (s *kvState) logits() []float32 {
	rmsnorm(s.xb, s.x, s.m.norm, float32(s.m.cfg.RMSNormEps))
	out := make([]float32, s.m.cfg.VocabSize)
	s.m.matvec(out, s.m.lmHead, s.xb)
	return out
}

// rope rotates each head of v in place using the rotate-half layout of
// Hugging Face Llama checkpoints.
func (m *Model) rope(v []float32, heads, pos int) {
	hd := m.headDim
	half := hd / 2
	p := float64(pos) * m.posScale
	for i := 0; i < half; i++ {
		sin, cos := math.Sincos(p * m.invFreq[i])
		c, s := float32(cos), float32(sin)
		for h := 0; h < heads; h++ {
			a, b := h*hd+i, h*hd+i+half
			x1, x2 := v[a], v[b]
			v[a] = x1*c - x2*s
			v[b] = x2*c + x1*s
		}
	}
}
