package testutil

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"coderd/internal/config"
)

// Token ids of the tiny tokenizer's special tokens.
const (
	TinyEndOfText = 263
	TinyIMStart   = 264
	TinyIMEnd     = 265
	TinyVocabSize = 266
)

var tinyMerges = [][2]string{
	{"r", "e"}, {"v", "e"}, {"re", "ve"}, {"Ġ", "s"}, {"i", "n"}, {"t", "r"}, {"in", "g"},
}

// TinyOptions shape the generated model.
type TinyOptions struct {
	Seed uint64
	// Shards splits the weights across this many safetensors files.
	Shards int
	// Tied drops lm_head and sets tie_word_embeddings.
	Tied bool
}

// TinyModel holds the manifest files of a tiny Llama-architecture model with
// a byte-level BPE tokenizer.
type TinyModel struct {
	Files    map[string][]byte
	Manifest config.FilesConfig
}

const (
	tinyHidden = 16
	tinyHeads  = 2
	tinyKV     = 1
	tinyInter  = 32
	tinyLayers = 2
	tinyCtx    = 256
)

// NewTinyModel generates deterministic fixture files.
func NewTinyModel(opts TinyOptions) TinyModel {
	if opts.Shards <= 0 {
		opts.Shards = 1
	}
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x5eed))
	randn := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = float32(rng.NormFloat64() * 0.2)
		}
		return v
	}
	ones := func(n int) []float32 {
		v := make([]float32, n)
		for i := range v {
			v[i] = 1
		}
		return v
	}
	hd := tinyHidden / tinyHeads
	tensors := []Tensor{F32("model.embed_tokens.weight", []int{TinyVocabSize, tinyHidden}, randn(TinyVocabSize*tinyHidden))}
	for l := 0; l < tinyLayers; l++ {
		p := fmt.Sprintf("model.layers.%d.", l)
		tensors = append(tensors,
			F32(p+"input_layernorm.weight", []int{tinyHidden}, ones(tinyHidden)),
			F32(p+"self_attn.q_proj.weight", []int{tinyHeads * hd, tinyHidden}, randn(tinyHeads*hd*tinyHidden)),
			F32(p+"self_attn.k_proj.weight", []int{tinyKV * hd, tinyHidden}, randn(tinyKV*hd*tinyHidden)),
			F32(p+"self_attn.v_proj.weight", []int{tinyKV * hd, tinyHidden}, randn(tinyKV*hd*tinyHidden)),
			F32(p+"self_attn.o_proj.weight", []int{tinyHidden, tinyHeads * hd}, randn(tinyHidden*tinyHeads*hd)),
			F32(p+"post_attention_layernorm.weight", []int{tinyHidden}, ones(tinyHidden)),
			F32(p+"mlp.gate_proj.weight", []int{tinyInter, tinyHidden}, randn(tinyInter*tinyHidden)),
			F32(p+"mlp.up_proj.weight", []int{tinyInter, tinyHidden}, randn(tinyInter*tinyHidden)),
			F32(p+"mlp.down_proj.weight", []int{tinyHidden, tinyInter}, randn(tinyHidden*tinyInter)),
		)
	}
	tensors = append(tensors, F32("model.norm.weight", []int{tinyHidden}, ones(tinyHidden)))
	if !opts.Tied {
		tensors = append(tensors, F32("lm_head.weight", []int{TinyVocabSize, tinyHidden}, randn(TinyVocabSize*tinyHidden)))
	}

	m := TinyModel{Files: map[string][]byte{}}
	per := (len(tensors) + opts.Shards - 1) / opts.Shards
	for i := 0; i < opts.Shards; i++ {
		lo, hi := i*per, (i+1)*per
		if hi > len(tensors) {
			hi = len(tensors)
		}
		name := "model.safetensors"
		if opts.Shards > 1 {
			name = fmt.Sprintf("model-%05d-of-%05d.safetensors", i+1, opts.Shards)
		}
		m.Files[name] = Safetensors(tensors[lo:hi])
		m.Manifest.Weights = append(m.Manifest.Weights, name)
	}

	m.Files["config.json"] = mustJSON(map[string]any{
		"architectures":           []string{"LlamaForCausalLM"},
		"model_type":              "llama",
		"hidden_size":             tinyHidden,
		"intermediate_size":       tinyInter,
		"num_hidden_layers":       tinyLayers,
		"num_attention_heads":     tinyHeads,
		"num_key_value_heads":     tinyKV,
		"vocab_size":              TinyVocabSize,
		"rms_norm_eps":            1e-5,
		"rope_theta":              10000.0,
		"max_position_embeddings": tinyCtx,
		"tie_word_embeddings":     opts.Tied,
		"bos_token_id":            TinyEndOfText,
		"eos_token_id":            TinyIMEnd,
	})
	m.Files["generation_config.json"] = mustJSON(map[string]any{
		"eos_token_id": []int{TinyIMEnd, TinyEndOfText},
	})
	m.Files["tokenizer.json"] = TinyTokenizerJSON()
	m.Files["tokenizer_config.json"] = mustJSON(map[string]any{
		"add_bos_token": false,
		"eos_token":     "<|im_end|>",
		"chat_template": "{% for message in messages %}<|im_start|>{{ message['role'] }}\n{{ message['content'] }}<|im_end|>\n{% endfor %}",
	})
	m.Manifest.Config = "config.json"
	m.Manifest.Tokenizer = "tokenizer.json"
	m.Manifest.TokenizerConfig = "tokenizer_config.json"
	m.Manifest.GenerationConfig = "generation_config.json"
	return m
}

// WriteTo writes every file into dir.
func (m TinyModel) WriteTo(dir string) error {
	for name, b := range m.Files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, b, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// ModelConfig returns a catalog entry for the model served under hubID.
func (m TinyModel) ModelConfig(hubID string) config.ModelConfig {
	return config.ModelConfig{
		DisplayName:  "Tiny",
		Description:  "test fixture",
		HubID:        hubID,
		ChatTemplate: "chatml",
		Files:        m.Manifest,
	}
}

// TinyTokenizerJSON returns a byte-level BPE tokenizer.json: ids 0..255 are
// the bytes, followed by tinyMerges and three special tokens.
func TinyTokenizerJSON() []byte {
	b2u := byteToUnicode()
	vocab := make(map[string]int, TinyVocabSize)
	for b := 0; b < 256; b++ {
		vocab[string(b2u[b])] = b
	}
	merges := make([]string, 0, len(tinyMerges))
	for i, mg := range tinyMerges {
		vocab[mg[0]+mg[1]] = 256 + i
		merges = append(merges, mg[0]+" "+mg[1])
	}
	added := []map[string]any{
		{"id": TinyEndOfText, "content": "<|endoftext|>", "special": true},
		{"id": TinyIMStart, "content": "<|im_start|>", "special": true},
		{"id": TinyIMEnd, "content": "<|im_end|>", "special": true},
	}
	return mustJSON(map[string]any{
		"version":       "1.0",
		"added_tokens":  added,
		"normalizer":    nil,
		"pre_tokenizer": map[string]any{"type": "ByteLevel", "add_prefix_space": false},
		"decoder":       map[string]any{"type": "ByteLevel"},
		"model": map[string]any{
			"type":   "BPE",
			"vocab":  vocab,
			"merges": merges,
		},
	})
}

func byteToUnicode() [256]rune {
	var out [256]rune
	printable := func(b int) bool {
		return (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF)
	}
	n := 0
	for b := 0; b < 256; b++ {
		if printable(b) {
			out[b] = rune(b)
		} else {
			out[b] = rune(256 + n)
			n++
		}
	}
	return out
}

func mustJSON(v any) []byte {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		panic(err)
	}
	return b
}
