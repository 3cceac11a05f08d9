// Package config loads service configuration in three layers:
// built-in defaults, an optional YAML file, then environment variables.
// Environment always wins so deployments can override without editing files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Qdrant    QdrantConfig    `yaml:"qdrant"`
	BM25      BM25Config      `yaml:"bm25"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address (host:port).
	Addr string `yaml:"addr"`
	// MaxUploadBytes caps multipart file uploads (default 100 MB).
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
	// UploadDir is the spool directory for uploaded files.
	UploadDir string `yaml:"upload_dir"`
}

// DatabaseConfig configures the Postgres connection.
type DatabaseConfig struct {
	// URL is the Postgres connection string (DATABASE_URL).
	URL string `yaml:"url"`
	// MaxConns caps the pgx pool size.
	MaxConns int32 `yaml:"max_conns"`
}

// OpenAIConfig configures the LLM and embedding clients.
type OpenAIConfig struct {
	APIKey string `yaml:"api_key"`
	// BaseURL overrides the API endpoint (for proxies and tests).
	BaseURL string `yaml:"base_url"`
	// ChatModel is used for chunk analysis and contextual summaries.
	ChatModel string `yaml:"chat_model"`
	// EmbeddingModel is used for vector embeddings.
	EmbeddingModel string `yaml:"embedding_model"`
	// EmbeddingDimensions is the expected vector width.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// QdrantConfig configures the vector store.
// An empty URL selects the embedded HNSW fallback.
type QdrantConfig struct {
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
}

// BM25Config configures the lexical sidecar.
// An empty URL selects the embedded bleve fallback.
type BM25Config struct {
	URL string `yaml:"url"`
}

// ChunkingConfig holds the process-default chunker options.
// Per-request options override these after validation.
type ChunkingConfig struct {
	ChunkSize         int  `yaml:"chunk_size"`
	Overlap           int  `yaml:"overlap"`
	EnableAdaptive    bool `yaml:"enable_adaptive"`
	EnableIntelligent bool `yaml:"enable_intelligent"`
}

// PipelineConfig holds concurrency and timing knobs.
type PipelineConfig struct {
	// WorkerCount is the number of job workers (W).
	WorkerCount int `yaml:"worker_count"`
	// ChunkParallelism bounds concurrent enrichment per document (P).
	ChunkParallelism int `yaml:"chunk_parallelism"`
	// ContextualEmbeddings toggles the contextual summary stage.
	ContextualEmbeddings bool `yaml:"contextual_embeddings"`
	// HeartbeatInterval is how often workers heartbeat (H).
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// HeartbeatTimeout is the stuck-session threshold (T_heartbeat).
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	// SessionTimeout is the stuck-session hard limit (T_session).
	SessionTimeout time.Duration `yaml:"session_timeout"`
	// MaxAttempts is the job retry budget.
	MaxAttempts int `yaml:"max_attempts"`
}

// RateLimitConfig bounds outbound LLM and embedding calls.
type RateLimitConfig struct {
	// RequestsPerSecond refills the shared token bucket.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// Burst is the bucket capacity.
	Burst int `yaml:"burst"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	FilePath string `yaml:"file_path"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:           ":8080",
			MaxUploadBytes: 100 * 1024 * 1024,
			UploadDir:      os.TempDir(),
		},
		Database: DatabaseConfig{
			MaxConns: 16,
		},
		OpenAI: OpenAIConfig{
			ChatModel:           "gpt-4o-mini",
			EmbeddingModel:      "text-embedding-3-small",
			EmbeddingDimensions: 1536,
		},
		Qdrant: QdrantConfig{
			Collection: "content_chunks",
		},
		Chunking: ChunkingConfig{
			ChunkSize:         2000,
			Overlap:           200,
			EnableAdaptive:    true,
			EnableIntelligent: true,
		},
		Pipeline: PipelineConfig{
			WorkerCount:          4,
			ChunkParallelism:     3,
			ContextualEmbeddings: true,
			HeartbeatInterval:    30 * time.Second,
			HeartbeatTimeout:     90 * time.Second,
			SessionTimeout:       8 * time.Minute,
			MaxAttempts:          3,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (skipped when path is empty or missing), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays recognized environment variables.
func (c *Config) applyEnv() {
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.Qdrant.URL, "QDRANT_URL")
	setString(&c.Qdrant.APIKey, "QDRANT_API_KEY")
	setString(&c.BM25.URL, "BM25_URL")
	setString(&c.Server.Addr, "LISTEN_ADDR")
	setString(&c.Logging.Level, "LOG_LEVEL")

	setInt(&c.OpenAI.EmbeddingDimensions, "EMBEDDING_DIMENSIONS")
	setInt(&c.Pipeline.WorkerCount, "WORKER_COUNT")
	setInt(&c.Pipeline.ChunkParallelism, "CHUNK_PARALLELISM")

	setDuration(&c.Pipeline.HeartbeatTimeout, "SESSION_HEARTBEAT_TIMEOUT")
	setDuration(&c.Pipeline.SessionTimeout, "SESSION_TIMEOUT")
}

// Validate checks ranges and required settings.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Chunking.Overlap >= c.Chunking.ChunkSize {
		return fmt.Errorf("config: chunk overlap %d must be smaller than chunk size %d",
			c.Chunking.Overlap, c.Chunking.ChunkSize)
	}
	if c.OpenAI.EmbeddingDimensions <= 0 {
		return fmt.Errorf("config: embedding dimensions must be positive, got %d",
			c.OpenAI.EmbeddingDimensions)
	}
	if c.Pipeline.WorkerCount <= 0 {
		return fmt.Errorf("config: worker count must be positive, got %d", c.Pipeline.WorkerCount)
	}
	if c.Pipeline.ChunkParallelism <= 0 {
		return fmt.Errorf("config: chunk parallelism must be positive, got %d",
			c.Pipeline.ChunkParallelism)
	}
	if c.Pipeline.HeartbeatTimeout <= c.Pipeline.HeartbeatInterval {
		return fmt.Errorf("config: heartbeat timeout %s must exceed heartbeat interval %s",
			c.Pipeline.HeartbeatTimeout, c.Pipeline.HeartbeatInterval)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// setDuration accepts both Go duration strings ("90s") and bare seconds ("90").
func setDuration(dst *time.Duration, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
	}
}
