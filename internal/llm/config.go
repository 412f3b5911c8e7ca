package llm

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"
)

// TokenIDs decodes a token id field that checkpoints write either as a
// single integer, a list, or null.
type TokenIDs []int32

func (t *TokenIDs) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*t = nil
		return nil
	}
	if len(b) > 0 && b[0] == '[' {
		var ids []int32
		if err := json.Unmarshal(b, &ids); err != nil {
			return err
		}
		*t = ids
		return nil
	}
	var id int32
	if err := json.Unmarshal(b, &id); err != nil {
		return err
	}
	*t = TokenIDs{id}
	return nil
}

// RopeScaling is the optional rope_scaling block.
type RopeScaling struct {
	Type   string  `json:"type"`
	Factor float64 `json:"factor"`
}

// Config is the subset of a Hugging Face config.json the runtime needs.
type Config struct {
	Architectures         []string     `json:"architectures"`
	HiddenSize            int          `json:"hidden_size"`
	IntermediateSize      int          `json:"intermediate_size"`
	NumHiddenLayers       int          `json:"num_hidden_layers"`
	NumAttentionHeads     int          `json:"num_attention_heads"`
	NumKeyValueHeads      int          `json:"num_key_value_heads"`
	VocabSize             int          `json:"vocab_size"`
	RMSNormEps            float64      `json:"rms_norm_eps"`
	RopeTheta             float64      `json:"rope_theta"`
	RopeScaling           *RopeScaling `json:"rope_scaling"`
	MaxPositionEmbeddings int          `json:"max_position_embeddings"`
	TieWordEmbeddings     bool         `json:"tie_word_embeddings"`
	BOSTokenID            TokenIDs     `json:"bos_token_id"`
	EOSTokenID            TokenIDs     `json:"eos_token_id"`
}

// GenerationConfig is the subset of generation_config.json the server uses.
type GenerationConfig struct {
	BOSTokenID  TokenIDs `json:"bos_token_id"`
	EOSTokenID  TokenIDs `json:"eos_token_id"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
}

var supportedArchitectures = []string{"LlamaForCausalLM", "MistralForCausalLM", "Qwen2ForCausalLM"}

// LoadConfig reads and validates config.json.
func LoadConfig(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		return c, &LoadError{Path: path, Err: err}
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, &LoadError{Path: path, Err: err}
	}
	if err := c.normalize(); err != nil {
		return c, &LoadError{Path: path, Err: err}
	}
	return c, nil
}

func (c *Config) normalize() error {
	if !slices.ContainsFunc(c.Architectures, func(a string) bool { return slices.Contains(supportedArchitectures, a) }) {
		return fmt.Errorf("%w: architectures %v", ErrUnsupported, c.Architectures)
	}
	if c.NumKeyValueHeads == 0 {
		c.NumKeyValueHeads = c.NumAttentionHeads
	}
	if c.RopeTheta == 0 {
		c.RopeTheta = 10000
	}
	if c.RMSNormEps == 0 {
		c.RMSNormEps = 1e-6
	}
	if c.MaxPositionEmbeddings == 0 {
		c.MaxPositionEmbeddings = 2048
	}
	switch {
	case c.HiddenSize <= 0, c.IntermediateSize <= 0, c.NumHiddenLayers <= 0, c.VocabSize <= 0, c.NumAttentionHeads <= 0:
		return fmt.Errorf("config has non-positive dimensions")
	case c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("hidden_size %d not divisible by num_attention_heads %d", c.HiddenSize, c.NumAttentionHeads)
	case c.NumAttentionHeads%c.NumKeyValueHeads != 0:
		return fmt.Errorf("num_attention_heads %d not divisible by num_key_value_heads %d", c.NumAttentionHeads, c.NumKeyValueHeads)
	case (c.HiddenSize/c.NumAttentionHeads)%2 != 0:
		return fmt.Errorf("head dim must be even for rotary embeddings")
	}
	if rs := c.RopeScaling; rs != nil {
		if rs.Type != "linear" || rs.Factor <= 0 {
			return fmt.Errorf("%w: rope_scaling %+v", ErrUnsupported, *rs)
		}
	}
	return nil
}

// LoadGenerationConfig reads generation_config.json.
func LoadGenerationConfig(path string) (GenerationConfig, error) {
	var g GenerationConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return g, &LoadError{Path: path, Err: err}
	}
	if err := json.Unmarshal(b, &g); err != nil {
		return g, &LoadError{Path: path, Err: err}
	}
	return g, nil
}
