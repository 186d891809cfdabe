package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config captures provider, embedding, function and surface settings for SimpleLLM.
type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime" toml:"runtime"`
	LlamaCpp  LlamaCppConfig  `yaml:"llamacpp" toml:"llamacpp"`
	Ollama    OllamaConfig    `yaml:"ollama" toml:"ollama"`
	Embedding EmbeddingConfig `yaml:"embedding" toml:"embedding"`
	Functions FunctionsConfig `yaml:"functions" toml:"functions"`
	Server    ServerConfig    `yaml:"server" toml:"server"`
	History   HistoryConfig   `yaml:"history" toml:"history"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// RuntimeConfig selects the default provider and where local state lives.
type RuntimeConfig struct {
	DefaultProvider string `yaml:"default_provider" toml:"default_provider"`
	DataDir         string `yaml:"data_dir" toml:"data_dir"`
}

// LlamaCppConfig configures the in-process llama.cpp provider.
type LlamaCppConfig struct {
	ModelsDir   string `yaml:"models_dir" toml:"models_dir"`
	ContextSize int    `yaml:"context_size" toml:"context_size"`
	Threads     int    `yaml:"threads" toml:"threads"`
	GPULayers   int    `yaml:"gpu_layers" toml:"gpu_layers"`
	// Resident keeps the last loaded model between runs.
	Resident bool `yaml:"resident" toml:"resident"`
}

// OllamaConfig configures the Ollama HTTP provider.
type OllamaConfig struct {
	BaseURL string `yaml:"base_url" toml:"base_url"`
	Timeout string `yaml:"timeout" toml:"timeout"`
}

// EmbeddingConfig configures embedding computation, caching and retrieval.
type EmbeddingConfig struct {
	ModelPath string `yaml:"model_path" toml:"model_path"`
	CacheDir  string `yaml:"cache_dir" toml:"cache_dir"`
	Window    int    `yaml:"window" toml:"window"`
	// Backend is "native" (in process) or "server" (llama.cpp /embedding).
	Backend          string `yaml:"backend" toml:"backend"`
	ServerURL        string `yaml:"server_url" toml:"server_url"`
	Timeout          string `yaml:"timeout" toml:"timeout"`
	SegmentSize      int    `yaml:"segment_size" toml:"segment_size"`
	TopN             int    `yaml:"top_n" toml:"top_n"`
	MemoryEntries    int    `yaml:"memory_entries" toml:"memory_entries"`
	FingerprintModel bool   `yaml:"fingerprint_model" toml:"fingerprint_model"`
	Threads          int    `yaml:"threads" toml:"threads"`
	// KeywordWeight blends a lexical score into segment ranking; 0 ranks
	// by cosine similarity alone.
	KeywordWeight float64 `yaml:"keyword_weight" toml:"keyword_weight"`
}

// FunctionsConfig configures the built-in functions.
type FunctionsConfig struct {
	// Enabled lists the functions offered to a run that does not name any.
	Enabled       []string `yaml:"enabled" toml:"enabled"`
	ReaderURL     string   `yaml:"reader_url" toml:"reader_url"`
	Timeout       string   `yaml:"timeout" toml:"timeout"`
	RatePerMinute int      `yaml:"rate_per_minute" toml:"rate_per_minute"`
	MaxPageBytes  int64    `yaml:"max_page_bytes" toml:"max_page_bytes"`
}

// ServerConfig defines the HTTP API listener.
type ServerConfig struct {
	Host string `yaml:"host" toml:"host"`
	Port int    `yaml:"port" toml:"port"`
	// TCPPort enables the line-protocol run server when > 0.
	TCPPort int `yaml:"tcp_port" toml:"tcp_port"`
	// DocumentsDir is the only tree /v1/retrieve may read paths from.
	// Empty means requests must send texts.
	DocumentsDir string `yaml:"documents_dir" toml:"documents_dir"`
}

// HistoryConfig configures persistent chat history storage.
type HistoryConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// MetricsConfig toggles the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

const defaultConfigFile = "simplellm.yaml"

// Default returns a Config populated with defaults rooted at ~/.simplellm.
func Default() Config {
	dataDir := ".simplellm"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".simplellm")
	}
	return Config{
		Runtime: RuntimeConfig{
			DefaultProvider: "llamacpp",
			DataDir:         dataDir,
		},
		LlamaCpp: LlamaCppConfig{
			ContextSize: 2048,
			Resident:    true,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://127.0.0.1:11434",
			Timeout: "5m",
		},
		Embedding: EmbeddingConfig{
			Window:      4096,
			Backend:     "native",
			ServerURL:   "http://127.0.0.1:8080",
			Timeout:     "30s",
			SegmentSize: 256,
			TopN:        3,
		},
		Functions: FunctionsConfig{
			ReaderURL:     "https://r.jina.ai",
			Timeout:       "30s",
			RatePerMinute: 20,
			MaxPageBytes:  4 << 20,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 42070,
		},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// Resolve loads configuration from file and environment variables.
func Resolve() (Config, error) {
	cfg := Default()

	path := strings.TrimSpace(os.Getenv("APP_CONFIG"))
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("provided APP_CONFIG file %q not found", path)
	}

	if path != "" {
		loaded, err := loadFile(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func loadFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return cfg, nil
}

func merge(base, override Config) Config {
	result := base

	if override.Runtime.DefaultProvider != "" {
		result.Runtime.DefaultProvider = override.Runtime.DefaultProvider
	}
	if override.Runtime.DataDir != "" {
		result.Runtime.DataDir = override.Runtime.DataDir
	}

	if override.LlamaCpp.ModelsDir != "" {
		result.LlamaCpp.ModelsDir = override.LlamaCpp.ModelsDir
	}
	if override.LlamaCpp.ContextSize != 0 {
		result.LlamaCpp.ContextSize = override.LlamaCpp.ContextSize
	}
	if override.LlamaCpp.Threads != 0 {
		result.LlamaCpp.Threads = override.LlamaCpp.Threads
	}
	if override.LlamaCpp.GPULayers != 0 {
		result.LlamaCpp.GPULayers = override.LlamaCpp.GPULayers
	}

	if override.Ollama.BaseURL != "" {
		result.Ollama.BaseURL = override.Ollama.BaseURL
	}
	if override.Ollama.Timeout != "" {
		result.Ollama.Timeout = override.Ollama.Timeout
	}

	e := override.Embedding
	if e.ModelPath != "" {
		result.Embedding.ModelPath = e.ModelPath
	}
	if e.CacheDir != "" {
		result.Embedding.CacheDir = e.CacheDir
	}
	if e.Window != 0 {
		result.Embedding.Window = e.Window
	}
	if e.Backend != "" {
		result.Embedding.Backend = e.Backend
	}
	if e.ServerURL != "" {
		result.Embedding.ServerURL = e.ServerURL
	}
	if e.Timeout != "" {
		result.Embedding.Timeout = e.Timeout
	}
	if e.SegmentSize != 0 {
		result.Embedding.SegmentSize = e.SegmentSize
	}
	if e.TopN != 0 {
		result.Embedding.TopN = e.TopN
	}
	if e.MemoryEntries != 0 {
		result.Embedding.MemoryEntries = e.MemoryEntries
	}
	if e.FingerprintModel {
		result.Embedding.FingerprintModel = true
	}
	if e.Threads != 0 {
		result.Embedding.Threads = e.Threads
	}
	if e.KeywordWeight != 0 {
		result.Embedding.KeywordWeight = e.KeywordWeight
	}

	f := override.Functions
	if len(f.Enabled) != 0 {
		result.Functions.Enabled = append([]string(nil), f.Enabled...)
	}
	if f.ReaderURL != "" {
		result.Functions.ReaderURL = f.ReaderURL
	}
	if f.Timeout != "" {
		result.Functions.Timeout = f.Timeout
	}
	if f.RatePerMinute != 0 {
		result.Functions.RatePerMinute = f.RatePerMinute
	}
	if f.MaxPageBytes != 0 {
		result.Functions.MaxPageBytes = f.MaxPageBytes
	}

	if override.Server.Host != "" {
		result.Server.Host = override.Server.Host
	}
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}
	if override.Server.TCPPort != 0 {
		result.Server.TCPPort = override.Server.TCPPort
	}
	if override.Server.DocumentsDir != "" {
		result.Server.DocumentsDir = override.Server.DocumentsDir
	}

	if override.History.Path != "" {
		result.History.Path = override.History.Path
	}

	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("APP_PROVIDER")); v != "" {
		cfg.Runtime.DefaultProvider = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_DATA_DIR")); v != "" {
		cfg.Runtime.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_MODELS_DIR")); v != "" {
		cfg.LlamaCpp.ModelsDir = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_CONTEXT_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LlamaCpp.ContextSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_THREADS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.LlamaCpp.Threads = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_GPU_LAYERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.LlamaCpp.GPULayers = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_RESIDENT")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.LlamaCpp.Resident = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_OLLAMA_BASEURL")); v != "" {
		cfg.Ollama.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_MODEL")); v != "" {
		cfg.Embedding.ModelPath = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_BACKEND")); v != "" {
		cfg.Embedding.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_BASEURL")); v != "" {
		cfg.Embedding.ServerURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_CACHE")); v != "" {
		cfg.Embedding.CacheDir = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_EMBEDDING_FINGERPRINT")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Embedding.FingerprintModel = b
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SEGMENT_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Embedding.SegmentSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_TOP_N")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Embedding.TopN = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_FUNCTIONS")); v != "" {
		cfg.Functions.Enabled = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("APP_READER_URL")); v != "" {
		cfg.Functions.ReaderURL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_TCP_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.TCPPort = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_DOCUMENTS_DIR")); v != "" {
		cfg.Server.DocumentsDir = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_HISTORY_PATH")); v != "" {
		cfg.History.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_METRICS_ENABLED")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Metrics.Enabled = b
		}
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ModelsDir returns where the llama.cpp provider keeps GGUF files.
func (c Config) ModelsDir() string {
	if c.LlamaCpp.ModelsDir != "" {
		return c.LlamaCpp.ModelsDir
	}
	return filepath.Join(c.Runtime.DataDir, "models")
}

// EmbeddingCacheDir returns the root of the on-disk embedding cache.
func (c Config) EmbeddingCacheDir() string {
	if c.Embedding.CacheDir != "" {
		return c.Embedding.CacheDir
	}
	return filepath.Join(c.Runtime.DataDir, "embeddings")
}

// HistoryPath returns the sqlite database path for chat history.
func (c Config) HistoryPath() string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(c.Runtime.DataDir, "history.db")
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ParseTimeout parses a duration setting, falling back to def when the value
// is empty or malformed.
func ParseTimeout(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
