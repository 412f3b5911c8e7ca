package registry

// File roles in a manifest.
const (
	RoleWeights          = "weights"
	RoleConfig           = "config"
	RoleTokenizer        = "tokenizer"
	RoleTokenizerConfig  = "tokenizer_config"
	RoleGenerationConfig = "generation_config"
)

// Manifest lists the files a model needs, by role. Weights may be sharded.
type Manifest struct {
	Weights          []string
	Config           string
	Tokenizer        string
	TokenizerConfig  string
	GenerationConfig string
}

// File is one manifest entry.
type File struct {
	Role string
	Name string
}

// Files returns the manifest in fetch order: weight shards first, then the
// configs and tokenizer assets. Optional roles that are unset are omitted.
func (m Manifest) Files() []File {
	out := make([]File, 0, len(m.Weights)+4)
	for _, w := range m.Weights {
		out = append(out, File{Role: RoleWeights, Name: w})
	}
	add := func(role, name string) {
		if name != "" {
			out = append(out, File{Role: role, Name: name})
		}
	}
	add(RoleConfig, m.Config)
	add(RoleTokenizer, m.Tokenizer)
	add(RoleTokenizerConfig, m.TokenizerConfig)
	add(RoleGenerationConfig, m.GenerationConfig)
	return out
}

// Descriptor is the immutable catalog entry for one model.
type Descriptor struct {
	ID           string
	DisplayName  string
	Description  string
	HubID        string
	Revision     string
	ChatTemplate string
	Files        Manifest
	// CacheDir is where manifest files live once downloaded.
	CacheDir string
}
