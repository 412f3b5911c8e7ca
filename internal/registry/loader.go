package registry

import (
	"fmt"
	"path/filepath"
	"sort"

	"coderd/internal/common/fsutil"
	"coderd/internal/config"
)

// Catalog is the read-only set of supported models. Safe for concurrent use.
type Catalog struct {
	byID  map[string]Descriptor
	order []string
}

// New builds a catalog from descriptors. IDs must be unique and non-empty.
func New(descs []Descriptor) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if d.ID == "" {
			return nil, fmt.Errorf("catalog: empty model id")
		}
		if _, dup := c.byID[d.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate model id %q", d.ID)
		}
		if len(d.Files.Weights) == 0 {
			return nil, fmt.Errorf("catalog: model %q has no weight files", d.ID)
		}
		// Copy the slice so callers cannot mutate the catalog through it.
		d.Files.Weights = append([]string(nil), d.Files.Weights...)
		c.byID[d.ID] = d
		c.order = append(c.order, d.ID)
	}
	sort.Strings(c.order)
	return c, nil
}

// FromConfig builds the catalog from configuration. Without configured models
// the built-in defaults are used. CacheDir is <models_cache_dir>/<hub_id>.
func FromConfig(cfg config.Config) (*Catalog, error) {
	root, err := fsutil.ExpandHome(cfg.ModelsCacheDir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	models := cfg.Models
	if len(models) == 0 {
		models = Defaults()
	}
	descs := make([]Descriptor, 0, len(models))
	for id, m := range models {
		rev := m.Revision
		if rev == "" {
			rev = cfg.Hub.Revision
		}
		descs = append(descs, Descriptor{
			ID:           id,
			DisplayName:  m.DisplayName,
			Description:  m.Description,
			HubID:        m.HubID,
			Revision:     rev,
			ChatTemplate: m.ChatTemplate,
			Files: Manifest{
				Weights:          m.Files.Weights,
				Config:           m.Files.Config,
				Tokenizer:        m.Files.Tokenizer,
				TokenizerConfig:  m.Files.TokenizerConfig,
				GenerationConfig: m.Files.GenerationConfig,
			},
			CacheDir: filepath.Join(abs, filepath.FromSlash(m.HubID)),
		})
	}
	return New(descs)
}

// Defaults returns the built-in model set.
func Defaults() map[string]config.ModelConfig {
	std := config.FilesConfig{
		Weights:          []string{"model.safetensors"},
		Config:           "config.json",
		Tokenizer:        "tokenizer.json",
		TokenizerConfig:  "tokenizer_config.json",
		GenerationConfig: "generation_config.json",
	}
	return map[string]config.ModelConfig{
		"yi-coder": {
			DisplayName:  "Yi Coder 1.5B Chat",
			Description:  "Small code model tuned for chat",
			HubID:        "01-ai/Yi-Coder-1.5B-Chat",
			ChatTemplate: "chatml",
			Files:        std,
		},
		"deepseek-coder": {
			DisplayName:  "DeepSeek Coder 1.3B Instruct",
			Description:  "Instruction-tuned code model",
			HubID:        "deepseek-ai/deepseek-coder-1.3b-instruct",
			ChatTemplate: "deepseek",
			Files:        std,
		},
	}
}

// Get returns the descriptor for id.
func (c *Catalog) Get(id string) (Descriptor, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// List returns descriptors sorted by id.
func (c *Catalog) List() []Descriptor {
	out := make([]Descriptor, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}

// Len returns the number of models.
func (c *Catalog) Len() int { return len(c.order) }

// Path returns the cache path of a manifest file for d.
func (d Descriptor) Path(name string) string {
	return filepath.Join(d.CacheDir, filepath.FromSlash(name))
}
