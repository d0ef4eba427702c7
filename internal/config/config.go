package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all surveyforge configuration.
type Config struct {
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Storage   StorageConfig   `yaml:"storage"`
	Debug     DebugConfig     `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
	Responses ResponsesConfig `yaml:"responses"`
}

type LLMConfig struct {
	APIKey              string  `yaml:"api_key"`
	Model               string  `yaml:"model"`
	AnalysisModel       string  `yaml:"analysis_model"`
	MaxTokens           int     `yaml:"max_tokens"`
	Temperature         float64 `yaml:"temperature"`
	AnalysisTemperature float64 `yaml:"analysis_temperature"`
	Timeout             string  `yaml:"timeout"`
}

// EmbeddingConfig selects the embedder for the reference index. Provider is
// "gemini" or "hash"; hash needs no credentials.
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	Dims     int    `yaml:"dims"`
}

type RetrievalConfig struct {
	K               int `yaml:"k"`
	ChunkSize       int `yaml:"chunk_size"`
	ChunkOverlap    int `yaml:"chunk_overlap"`
	MaxContextChars int `yaml:"max_context_chars"`
	// MaterialsDir holds reference surveys for "surveyctl sync".
	MaterialsDir string `yaml:"materials_dir"`
}

type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// DebugConfig controls where unrecoverable model output is dumped.
type DebugConfig struct {
	DumpDir string `yaml:"dump_dir"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	StyleDir string `yaml:"style_dir"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
	Insecure     bool   `yaml:"insecure"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ResponsesConfig struct {
	Workers     int     `yaml:"workers"`
	Temperature float64 `yaml:"temperature"`
}

// Default returns a configuration that runs locally without a config file.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:               "claude-sonnet-4-20250514",
			AnalysisModel:       "claude-sonnet-4-20250514",
			MaxTokens:           4096,
			Temperature:         0.7,
			AnalysisTemperature: 0.3,
			Timeout:             "180s",
		},
		Embedding: EmbeddingConfig{
			Provider: "gemini",
			Model:    "gemini-embedding-001",
			Dims:     256,
		},
		Retrieval: RetrievalConfig{
			K:               3,
			ChunkSize:       1000,
			ChunkOverlap:    200,
			MaxContextChars: 6000,
			MaterialsDir:    "rag_materials",
		},
		Storage:   StorageConfig{DatabasePath: "data/surveyforge.db"},
		Debug:     DebugConfig{DumpDir: "data/debug"},
		Server:    ServerConfig{Addr: ":8080"},
		Telemetry: TelemetryConfig{ServiceName: "surveyforge"},
		Log:       LogConfig{Level: "info", Format: "json"},
		Responses: ResponsesConfig{Workers: 5, Temperature: 0.8},
	}
}

// Load reads a YAML file over the defaults and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if m := os.Getenv("SURVEYFORGE_LLM_MODEL"); m != "" {
		c.LLM.Model = m
	}
	if m := os.Getenv("SURVEYFORGE_ANALYSIS_MODEL"); m != "" {
		c.LLM.AnalysisModel = m
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}
	if p := os.Getenv("SURVEYFORGE_EMBEDDER"); p != "" {
		c.Embedding.Provider = p
	}
	if path := os.Getenv("SURVEYFORGE_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if addr := os.Getenv("SURVEYFORGE_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		c.Telemetry.OTLPEndpoint = ep
	}
	if lvl := os.Getenv("SURVEYFORGE_LOG_LEVEL"); lvl != "" {
		c.Log.Level = lvl
	}
	if w := os.Getenv("SURVEYFORGE_RESPONSE_WORKERS"); w != "" {
		if n, err := strconv.Atoi(w); err == nil && n > 0 {
			c.Responses.Workers = n
		}
	}
}

// LLMTimeout bounds a single backend call.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 180 * time.Second
	}
	return d
}

// Validate checks the settings every command needs.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set ANTHROPIC_API_KEY or llm.api_key)")
	}
	switch c.Embedding.Provider {
	case "gemini", "hash":
	default:
		return fmt.Errorf("invalid embedding provider %q (valid: gemini, hash)", c.Embedding.Provider)
	}
	if c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("retrieval.chunk_overlap (%d) must be smaller than chunk_size (%d)", c.Retrieval.ChunkOverlap, c.Retrieval.ChunkSize)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is empty")
	}
	return nil
}
