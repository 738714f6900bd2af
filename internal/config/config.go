package config

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"ragpipe/internal/domain"
)

// CacheConfig enables the on-disk embedding cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// EmbeddingConfig selects and configures the text embedder.
type EmbeddingConfig struct {
	Type                  string      `yaml:"type"`
	BaseURL               string      `yaml:"base_url"`
	APIKeyEnv             string      `yaml:"api_key_env"`
	Model                 string      `yaml:"model"`
	Dimension             int         `yaml:"dimension"`
	BatchSize             int         `yaml:"batch_size"`
	MaxConcurrentRequests int         `yaml:"max_concurrent_requests"`
	RequestsPerSecond     float64     `yaml:"requests_per_second"`
	MaxRetries            *int        `yaml:"max_retries,omitempty"`
	BackoffBaseMs         int         `yaml:"backoff_base_ms"`
	BackoffCapMs          int         `yaml:"backoff_cap_ms"`
	TimeoutSecs           int         `yaml:"timeout_secs"`
	Truncate              string      `yaml:"truncate"`
	Cache                 CacheConfig `yaml:"cache"`
}

// RerankConfig configures the cross-encoder service.
type RerankConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	MaxRetries  *int   `yaml:"max_retries,omitempty"`
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	ChunkSize      int `yaml:"chunk_size"`
	ChunkOverlap   int `yaml:"chunk_overlap"`
	MinChunkTokens int `yaml:"min_chunk_tokens"`
}

// VectorStoreConfig selects and configures the vector store implementation.
type VectorStoreConfig struct {
	Type   string        `yaml:"type"`
	Qdrant *QdrantConfig `yaml:"qdrant,omitempty"`
}

// QdrantConfig contains connection details for a Qdrant vector store.
type QdrantConfig struct {
	URL             string `yaml:"url"`
	APIKeyEnv       string `yaml:"api_key_env"`
	Collection      string `yaml:"collection"`
	ImageCollection string `yaml:"image_collection"`
	TimeoutSecs     int    `yaml:"timeout_secs"`
	UpsertBatchSize int    `yaml:"upsert_batch_size"`
}

// RetrievalConfig configures two-stage search.
type RetrievalConfig struct {
	CandidatesTopK int      `yaml:"candidates_top_k"`
	FinalTopK      int      `yaml:"final_top_k"`
	ScoreThreshold *float64 `yaml:"score_threshold,omitempty"`
	UseReranking   bool     `yaml:"use_reranking"`
}

// ImagesConfig configures product image ingestion.
type ImagesConfig struct {
	Model               string `yaml:"model"`
	Dimension           int    `yaml:"dimension"`
	BatchSize           int    `yaml:"batch_size"`
	ConcurrentDownloads int    `yaml:"concurrent_downloads"`
	MaxSize             int    `yaml:"max_size"`
	JPEGQuality         int    `yaml:"jpeg_quality"`
	TimeoutSecs         int    `yaml:"timeout_secs"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Embedding   EmbeddingConfig   `yaml:"embedding"`
	Rerank      RerankConfig      `yaml:"rerank"`
	Chunker     ChunkerConfig     `yaml:"chunker"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Images      ImagesConfig      `yaml:"images"`
}

// Load reads a config from a specified path. If the file does not exist, returns defaults.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML and fills unset fields with defaults.
func Parse(data []byte) (*AppConfig, error) {
	cfg := AppConfig{
		Rerank:    RerankConfig{Enabled: true},
		Retrieval: RetrievalConfig{UseReranking: true},
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyConfigDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/ragpipe/config.yaml.
// If neither exists, it writes defaults to ~/.config/ragpipe/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := DefaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := Default()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// DefaultUserConfigPath returns ~/.config/ragpipe/config.yaml.
func DefaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "ragpipe", "config.yaml"), nil
}

// Default returns the built-in configuration.
func Default() *AppConfig {
	cfg := &AppConfig{
		Embedding: EmbeddingConfig{Type: "nvidia"},
		Rerank: RerankConfig{Enabled: true},
		VectorStore: VectorStoreConfig{
			Type:   "qdrant",
			Qdrant: &QdrantConfig{},
		},
		Retrieval: RetrievalConfig{UseReranking: true},
	}
	applyConfigDefaults(cfg)
	return cfg
}

func applyConfigDefaults(cfg *AppConfig) {
	e := &cfg.Embedding
	if e.Type == "" {
		e.Type = "nvidia"
	}
	if e.BaseURL == "" {
		e.BaseURL = "https://integrate.api.nvidia.com/v1"
	}
	if e.APIKeyEnv == "" {
		e.APIKeyEnv = "NVIDIA_API_KEY"
	}
	if e.Model == "" && e.Type == "nvidia" {
		e.Model = "nvidia/llama-3.2-nemoretriever-300m-embed-v2"
	}
	if e.Dimension == 0 {
		if e.Type == "local" {
			e.Dimension = 384
		} else {
			e.Dimension = 2048
		}
	}
	if e.BatchSize == 0 {
		e.BatchSize = 10
	}
	if e.MaxConcurrentRequests == 0 {
		e.MaxConcurrentRequests = 5
	}
	if e.MaxRetries == nil {
		e.MaxRetries = intPtr(3)
	}
	if e.BackoffBaseMs == 0 {
		e.BackoffBaseMs = 200
	}
	if e.BackoffCapMs == 0 {
		e.BackoffCapMs = 5000
	}
	if e.TimeoutSecs == 0 {
		e.TimeoutSecs = 60
	}
	if e.Truncate == "" {
		e.Truncate = "NONE"
	}
	if e.Cache.Path == "" {
		e.Cache.Path = filepath.Join(".ragpipe", "embeddings.db")
	}

	r := &cfg.Rerank
	if r.URL == "" {
		r.URL = "https://ai.api.nvidia.com/v1/retrieval/nvidia/llama-3_2-nv-rerankqa-1b-v2/reranking"
	}
	if r.APIKeyEnv == "" {
		r.APIKeyEnv = "NVIDIA_API_KEY"
	}
	if r.Model == "" {
		r.Model = "nvidia/llama-3.2-nv-rerankqa-1b-v2"
	}
	if r.TimeoutSecs == 0 {
		r.TimeoutSecs = 60
	}
	if r.MaxRetries == nil {
		r.MaxRetries = intPtr(2)
	}

	c := &cfg.Chunker
	if c.ChunkSize == 0 {
		c.ChunkSize = 512
		if c.ChunkOverlap == 0 {
			c.ChunkOverlap = 50
		}
	}
	if c.MinChunkTokens == 0 {
		c.MinChunkTokens = 10
	}

	if cfg.VectorStore.Type == "" {
		cfg.VectorStore.Type = "qdrant"
	}
	if cfg.VectorStore.Type == "qdrant" {
		if cfg.VectorStore.Qdrant == nil {
			cfg.VectorStore.Qdrant = &QdrantConfig{}
		}
		q := cfg.VectorStore.Qdrant
		if q.URL == "" {
			q.URL = "http://localhost:6333"
		}
		if q.APIKeyEnv == "" {
			q.APIKeyEnv = "QDRANT_API_KEY"
		}
		if q.Collection == "" {
			q.Collection = "documents"
		}
		if q.ImageCollection == "" {
			q.ImageCollection = "image_embeddings"
		}
		if q.TimeoutSecs == 0 {
			q.TimeoutSecs = 30
		}
		if q.UpsertBatchSize == 0 {
			q.UpsertBatchSize = 100
		}
	}

	if cfg.Retrieval.CandidatesTopK == 0 {
		cfg.Retrieval.CandidatesTopK = 50
	}
	if cfg.Retrieval.FinalTopK == 0 {
		cfg.Retrieval.FinalTopK = 10
	}

	im := &cfg.Images
	if im.Model == "" {
		im.Model = "nvidia/nv-embed-v1"
	}
	if im.Dimension == 0 {
		im.Dimension = 4096
	}
	if im.BatchSize == 0 {
		im.BatchSize = 25
	}
	if im.ConcurrentDownloads == 0 {
		im.ConcurrentDownloads = 10
	}
	if im.MaxSize == 0 {
		im.MaxSize = 128
	}
	if im.JPEGQuality == 0 {
		im.JPEGQuality = 70
	}
	if im.TimeoutSecs == 0 {
		im.TimeoutSecs = 60
	}
}

// Validate checks cross-field constraints. It returns the first
// *domain.ConfigurationError found.
func (c *AppConfig) Validate() error {
	e := c.Embedding
	switch e.Type {
	case "nvidia", "local":
	default:
		return domain.Configf("embedding.type", "unknown embedder %q", e.Type)
	}
	if e.Type == "nvidia" && e.Model == "" {
		return domain.Configf("embedding.model", "required")
	}
	if e.Dimension <= 0 {
		return domain.Configf("embedding.dimension", "must be positive, got %d", e.Dimension)
	}
	if e.BatchSize <= 0 {
		return domain.Configf("embedding.batch_size", "must be positive, got %d", e.BatchSize)
	}
	if e.MaxConcurrentRequests <= 0 {
		return domain.Configf("embedding.max_concurrent_requests", "must be positive, got %d", e.MaxConcurrentRequests)
	}
	if e.Retries() < 0 {
		return domain.Configf("embedding.max_retries", "must not be negative, got %d", e.Retries())
	}
	if e.BackoffCapMs < e.BackoffBaseMs {
		return domain.Configf("embedding.backoff_cap_ms", "must be at least backoff_base_ms")
	}
	if e.Cache.Enabled && e.Cache.Path == "" {
		return domain.Configf("embedding.cache.path", "required when the cache is enabled")
	}

	ch := c.Chunker
	if ch.ChunkSize <= 0 {
		return domain.Configf("chunker.chunk_size", "must be positive, got %d", ch.ChunkSize)
	}
	if ch.ChunkOverlap < 0 || ch.ChunkOverlap >= ch.ChunkSize {
		return domain.Configf("chunker.chunk_overlap", "must be in [0, chunk_size), got %d", ch.ChunkOverlap)
	}
	if ch.MinChunkTokens < 0 {
		return domain.Configf("chunker.min_chunk_tokens", "must not be negative, got %d", ch.MinChunkTokens)
	}

	switch c.VectorStore.Type {
	case "memory":
	case "qdrant":
		q := c.VectorStore.Qdrant
		if q == nil || q.URL == "" {
			return domain.Configf("vector_store.qdrant.url", "required")
		}
		if q.Collection == "" {
			return domain.Configf("vector_store.qdrant.collection", "required")
		}
		if q.UpsertBatchSize <= 0 || q.UpsertBatchSize > 100 {
			return domain.Configf("vector_store.qdrant.upsert_batch_size", "must be in [1, 100], got %d", q.UpsertBatchSize)
		}
	default:
		return domain.Configf("vector_store.type", "unknown vector store %q", c.VectorStore.Type)
	}

	if c.Rerank.Retries() < 0 {
		return domain.Configf("rerank.max_retries", "must not be negative, got %d", c.Rerank.Retries())
	}

	r := c.Retrieval
	if r.CandidatesTopK <= 0 {
		return domain.Configf("retrieval.candidates_top_k", "must be positive, got %d", r.CandidatesTopK)
	}
	if r.FinalTopK <= 0 {
		return domain.Configf("retrieval.final_top_k", "must be positive, got %d", r.FinalTopK)
	}
	if r.FinalTopK > r.CandidatesTopK {
		return domain.Configf("retrieval.final_top_k", "must not exceed candidates_top_k (%d > %d)", r.FinalTopK, r.CandidatesTopK)
	}
	if r.ScoreThreshold != nil && (math.IsNaN(*r.ScoreThreshold) || math.IsInf(*r.ScoreThreshold, 0)) {
		return domain.Configf("retrieval.score_threshold", "must be finite")
	}

	im := c.Images
	if im.JPEGQuality < 1 || im.JPEGQuality > 100 {
		return domain.Configf("images.jpeg_quality", "must be in [1, 100], got %d", im.JPEGQuality)
	}
	if im.MaxSize <= 0 || im.ConcurrentDownloads <= 0 || im.BatchSize <= 0 || im.Dimension <= 0 {
		return domain.Configf("images", "max_size, concurrent_downloads, batch_size and dimension must be positive")
	}
	return nil
}

// Secrets holds credentials resolved from the environment.
type Secrets struct {
	EmbeddingAPIKey string
	RerankAPIKey    string
	QdrantAPIKey    string
}

// Resolve validates cfg and looks up credentials through getenv. Remote
// backends without credentials are rejected here, before any component
// is built.
func (c *AppConfig) Resolve(getenv func(string) string) (Secrets, error) {
	if err := c.Validate(); err != nil {
		return Secrets{}, err
	}
	var s Secrets
	if c.Embedding.Type == "nvidia" {
		s.EmbeddingAPIKey = getenv(c.Embedding.APIKeyEnv)
		if s.EmbeddingAPIKey == "" {
			return Secrets{}, domain.Configf("embedding.api_key_env", "environment variable %s is not set", c.Embedding.APIKeyEnv)
		}
	}
	if c.Rerank.Enabled {
		s.RerankAPIKey = getenv(c.Rerank.APIKeyEnv)
		if s.RerankAPIKey == "" {
			return Secrets{}, domain.Configf("rerank.api_key_env", "environment variable %s is not set", c.Rerank.APIKeyEnv)
		}
	}
	if q := c.VectorStore.Qdrant; c.VectorStore.Type == "qdrant" && q != nil {
		// Qdrant runs without auth locally.
		s.QdrantAPIKey = getenv(q.APIKeyEnv)
	}
	return s, nil
}

// Retries returns max_retries; nil means the default of 3.
func (e EmbeddingConfig) Retries() int {
	if e.MaxRetries == nil {
		return 3
	}
	return *e.MaxRetries
}

// Retries returns max_retries; nil means the default of 2.
func (r RerankConfig) Retries() int {
	if r.MaxRetries == nil {
		return 2
	}
	return *r.MaxRetries
}

func intPtr(n int) *int { return &n }

// Seconds converts a *_secs field.
func Seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Millis converts a *_ms field.
func Millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }
