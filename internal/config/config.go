package config

import (
	"fmt"
	"os"
	"runtime"
	"time"
)

// Config holds runtime parameters for the service.
type Config struct {
	Server         ServerConfig           `json:"server" yaml:"server" toml:"server"`
	Log            LogConfig              `json:"log" yaml:"log" toml:"log"`
	ModelsCacheDir string                 `json:"models_cache_dir" yaml:"models_cache_dir" toml:"models_cache_dir"`
	Hub            HubConfig              `json:"hub" yaml:"hub" toml:"hub"`
	Device         DeviceConfig           `json:"device" yaml:"device" toml:"device"`
	Engine         EngineConfig           `json:"engine" yaml:"engine" toml:"engine"`
	Chat           ChatConfig             `json:"chat" yaml:"chat" toml:"chat"`
	Models         map[string]ModelConfig `json:"models" yaml:"models" toml:"models"`
}

type ServerConfig struct {
	Addr                   string     `json:"addr" yaml:"addr" toml:"addr"`
	APIKey                 string     `json:"api_key" yaml:"api_key" toml:"api_key"`
	ShutdownTimeoutSeconds int        `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"`
	MaxBodyBytes           int64      `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
	InferTimeoutSeconds    int64      `json:"infer_timeout_seconds" yaml:"infer_timeout_seconds" toml:"infer_timeout_seconds"`
	CORS                   CORSConfig `json:"cors" yaml:"cors" toml:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
	AllowedMethods []string `json:"allowed_methods" yaml:"allowed_methods" toml:"allowed_methods"`
	AllowedHeaders []string `json:"allowed_headers" yaml:"allowed_headers" toml:"allowed_headers"`
}

type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// HubConfig describes the remote model hub (Hugging Face compatible).
type HubConfig struct {
	Endpoint            string `json:"endpoint" yaml:"endpoint" toml:"endpoint"`
	Token               string `json:"token" yaml:"token" toml:"token"`
	Revision            string `json:"revision" yaml:"revision" toml:"revision"`
	TimeoutSeconds      int    `json:"timeout_seconds" yaml:"timeout_seconds" toml:"timeout_seconds"`
	DownloadConcurrency int    `json:"download_concurrency" yaml:"download_concurrency" toml:"download_concurrency"`
}

type DeviceConfig struct {
	// Preference is one of auto, cpu, cuda, metal.
	Preference string `json:"preference" yaml:"preference" toml:"preference"`
	// Threads caps compute goroutines per forward pass (0 = all CPUs).
	Threads int `json:"threads" yaml:"threads" toml:"threads"`
}

type EngineConfig struct {
	Workers       int `json:"workers" yaml:"workers" toml:"workers"`
	MaxWaitMS     int `json:"max_wait_ms" yaml:"max_wait_ms" toml:"max_wait_ms"`
	MaxN          int `json:"max_n" yaml:"max_n" toml:"max_n"`
	StreamBuffer  int `json:"stream_buffer" yaml:"stream_buffer" toml:"stream_buffer"`
	SendTimeoutMS int `json:"send_timeout_ms" yaml:"send_timeout_ms" toml:"send_timeout_ms"`
}

type ChatConfig struct {
	Defaults ChatDefaults `json:"defaults" yaml:"defaults" toml:"defaults"`
}

// ChatDefaults fill in chat completion fields a client omits.
type ChatDefaults struct {
	Temperature float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP        float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	N           int     `json:"n" yaml:"n" toml:"n"`
	MaxTokens   int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Stream      bool    `json:"stream" yaml:"stream" toml:"stream"`
}

// ModelConfig declares one catalog entry.
type ModelConfig struct {
	DisplayName  string      `json:"display_name" yaml:"display_name" toml:"display_name"`
	Description  string      `json:"description" yaml:"description" toml:"description"`
	HubID        string      `json:"hub_id" yaml:"hub_id" toml:"hub_id"`
	Revision     string      `json:"revision" yaml:"revision" toml:"revision"`
	ChatTemplate string      `json:"chat_template" yaml:"chat_template" toml:"chat_template"`
	Files        FilesConfig `json:"files" yaml:"files" toml:"files"`
}

// FilesConfig is the per-model file manifest.
type FilesConfig struct {
	Weights          []string `json:"weights" yaml:"weights" toml:"weights"`
	Config           string   `json:"config" yaml:"config" toml:"config"`
	Tokenizer        string   `json:"tokenizer" yaml:"tokenizer" toml:"tokenizer"`
	TokenizerConfig  string   `json:"tokenizer_config" yaml:"tokenizer_config" toml:"tokenizer_config"`
	GenerationConfig string   `json:"generation_config" yaml:"generation_config" toml:"generation_config"`
}

// Default returns a Config with every field set to its default.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:                   ":8080",
			ShutdownTimeoutSeconds: 10,
			MaxBodyBytes:           1 << 20,
		},
		Log:            LogConfig{Level: "info", Format: "json"},
		ModelsCacheDir: "~/.cache/coderd/models",
		Hub: HubConfig{
			Endpoint:            "https://huggingface.co",
			Revision:            "main",
			DownloadConcurrency: 4,
		},
		Device: DeviceConfig{Preference: "auto"},
		Engine: EngineConfig{
			Workers:       defaultWorkers(),
			MaxWaitMS:     30000,
			MaxN:          8,
			StreamBuffer:  32,
			SendTimeoutMS: 5000,
		},
		Chat: ChatConfig{Defaults: ChatDefaults{
			Temperature: 0.7,
			TopP:        0.9,
			N:           1,
			MaxTokens:   100,
		}},
	}
}

func defaultWorkers() int {
	n := runtime.NumCPU() / 2
	if n < 1 {
		n = 1
	}
	return n
}

// ApplyEnv overrides fields from the process environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CODERD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("CODERD_API_KEY"); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv("CODERD_MODELS_DIR"); v != "" {
		c.ModelsCacheDir = v
	}
	if v := os.Getenv("CODERD_DEVICE"); v != "" {
		c.Device.Preference = v
	}
	if v := os.Getenv("CODERD_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("HF_ENDPOINT"); v != "" {
		c.Hub.Endpoint = v
	}
	if v := os.Getenv("HF_TOKEN"); v != "" {
		c.Hub.Token = v
	}
}

// Validate checks cross-field constraints that the codecs cannot express.
func (c Config) Validate() error {
	d := c.Chat.Defaults
	if d.Temperature <= 0 || d.Temperature > 2 {
		return fmt.Errorf("chat.defaults.temperature must be in (0, 2], got %v", d.Temperature)
	}
	if d.TopP <= 0 || d.TopP > 1 {
		return fmt.Errorf("chat.defaults.top_p must be in (0, 1], got %v", d.TopP)
	}
	if d.N < 1 {
		return fmt.Errorf("chat.defaults.n must be >= 1, got %d", d.N)
	}
	if d.MaxTokens < 1 {
		return fmt.Errorf("chat.defaults.max_tokens must be >= 1, got %d", d.MaxTokens)
	}
	switch c.Device.Preference {
	case "", "auto", "cpu", "cuda", "metal":
	default:
		return fmt.Errorf("device.preference must be one of auto|cpu|cuda|metal, got %q", c.Device.Preference)
	}
	for id, m := range c.Models {
		if m.HubID == "" {
			return fmt.Errorf("models.%s.hub_id is required", id)
		}
		if len(m.Files.Weights) == 0 || m.Files.Config == "" || m.Files.Tokenizer == "" {
			return fmt.Errorf("models.%s.files needs weights, config and tokenizer", id)
		}
	}
	return nil
}

// MaxWait returns the admission wait as a duration.
func (e EngineConfig) MaxWait() time.Duration { return time.Duration(e.MaxWaitMS) * time.Millisecond }

// SendTimeout returns the stream backpressure wait as a duration.
func (e EngineConfig) SendTimeout() time.Duration {
	return time.Duration(e.SendTimeoutMS) * time.Millisecond
}

// ShutdownTimeout returns the graceful shutdown budget.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}
