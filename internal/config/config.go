// Package config provides configuration loading for vendorscope.
//
// Configuration is read from an optional YAML or TOML file and overridden by
// VENDORSCOPE_* environment variables. Defaults are applied for every unset
// field before validation.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config holds the complete vendorscope configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Database    DatabaseConfig    `koanf:"database"`
	Crawler     CrawlerConfig     `koanf:"crawler"`
	Chunker     ChunkerConfig     `koanf:"chunker"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	LLM         LLMConfig         `koanf:"llm"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Compare     CompareConfig     `koanf:"compare"`
	Scheduler   SchedulerConfig   `koanf:"scheduler"`
	Dispatch    DispatchConfig    `koanf:"dispatch"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite configuration.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// CrawlerConfig holds discovery crawler configuration.
type CrawlerConfig struct {
	UserAgent         string   `koanf:"user_agent"`
	MaxDepth          int      `koanf:"max_depth"`
	MaxPages          int      `koanf:"max_pages"`
	RequestTimeout    Duration `koanf:"request_timeout"`
	MinDelay          Duration `koanf:"min_delay"`
	MaxAttempts       int      `koanf:"max_attempts"`
	RetryBackoff      Duration `koanf:"retry_backoff"`
	MaxBodyBytes      int64    `koanf:"max_body_bytes"`
	AllowPrivateHosts bool     `koanf:"allow_private_hosts"`
	AllowedSeedHosts  []string `koanf:"allowed_seed_hosts"`
}

// ChunkerConfig holds chunking configuration in characters.
type ChunkerConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider is one of: openai, fastembed, hash.
	Provider       string `koanf:"provider"`
	BaseURL        string `koanf:"base_url"`
	Model          string `koanf:"model"`
	APIKey         Secret `koanf:"api_key"`
	Dimension      int    `koanf:"dimension"`
	CacheDir       string `koanf:"cache_dir"`
	BatchSize      int    `koanf:"batch_size"`
	MaxConcurrency int    `koanf:"max_concurrency"`
	MaxAttempts    int    `koanf:"max_attempts"`
	// Backoff is the delay before the second attempt; it doubles per attempt.
	Backoff Duration `koanf:"backoff"`
	// CallTimeout bounds a single request to the provider.
	CallTimeout Duration `koanf:"call_timeout"`
}

// VectorStoreConfig selects and configures the similarity index.
type VectorStoreConfig struct {
	// Provider is one of: chromem, qdrant.
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds chromem-go configuration.
type ChromemConfig struct {
	Path     string `koanf:"path"`
	Compress bool   `koanf:"compress"`
}

// QdrantConfig holds Qdrant gRPC configuration.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	Collection string `koanf:"collection"`
	UseTLS     bool   `koanf:"use_tls"`
	APIKey     Secret `koanf:"api_key"`
}

// LLMConfig holds completion provider configuration.
type LLMConfig struct {
	// Provider is one of: openai, extractive.
	Provider       string   `koanf:"provider"`
	BaseURL        string   `koanf:"base_url"`
	Model          string   `koanf:"model"`
	APIKey         Secret   `koanf:"api_key"`
	MaxTokens      int      `koanf:"max_tokens"`
	Temperature    float64  `koanf:"temperature"`
	Timeout        Duration `koanf:"timeout"`
	RatePerSecond  float64  `koanf:"rate_per_second"`
	Burst          int      `koanf:"burst"`
	MaxConcurrency int      `koanf:"max_concurrency"`
	MaxAttempts    int      `koanf:"max_attempts"`
}

// RetrievalConfig tunes the answer engine.
type RetrievalConfig struct {
	TopK            int     `koanf:"top_k"`
	MinRelevance    float64 `koanf:"min_relevance"`
	HighRelevance   float64 `koanf:"high_relevance"`
	MaxContextChars int     `koanf:"max_context_chars"`
	// MaxParallelSearches bounds concurrent per-vendor index queries.
	MaxParallelSearches int `koanf:"max_parallel_searches"`
}

// CompareConfig tunes the comparison engine.
type CompareConfig struct {
	MaxVendors     int      `koanf:"max_vendors"`
	DefaultAspects []string `koanf:"default_aspects"`
}

// SchedulerConfig holds crawl orchestration configuration.
type SchedulerConfig struct {
	Enabled          bool     `koanf:"enabled"`
	Tick             Duration `koanf:"tick"`
	Workers          int      `koanf:"workers"`
	NormalInterval   Duration `koanf:"normal_interval"`
	CriticalInterval Duration `koanf:"critical_interval"`
	LeaseTTL         Duration `koanf:"lease_ttl"`
	MaxRetries       int      `koanf:"max_retries"`
	RetryBackoff     Duration `koanf:"retry_backoff"`
}

// DispatchConfig selects how crawl requests reach workers.
type DispatchConfig struct {
	// Provider is one of: local, nats.
	Provider string     `koanf:"provider"`
	NATS     NATSConfig `koanf:"nats"`
}

// NATSConfig holds NATS dispatch configuration.
type NATSConfig struct {
	URL      string `koanf:"url"`
	Subject  string `koanf:"subject"`
	Queue    string `koanf:"queue"`
	Embedded bool   `koanf:"embedded"`
}

// LoggingConfig holds the subset of logging settings exposed to operators.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled      bool    `koanf:"enabled"`
	Endpoint     string  `koanf:"endpoint"`
	Protocol     string  `koanf:"protocol"`
	Insecure     bool    `koanf:"insecure"`
	ServiceName  string  `koanf:"service_name"`
	SamplingRate float64 `koanf:"sampling_rate"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/vendorscope.db"
	}

	c := &cfg.Crawler
	if c.UserAgent == "" {
		c.UserAgent = "VendorScope/1.0 (Vendor Risk Analysis Bot)"
	}
	if c.MaxDepth == 0 {
		c.MaxDepth = 2
	}
	if c.MaxPages == 0 {
		c.MaxPages = 50
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = Duration(30 * time.Second)
	}
	if c.MinDelay == 0 {
		c.MinDelay = Duration(time.Second)
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = Duration(500 * time.Millisecond)
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 5 << 20
	}

	if cfg.Chunker.Size == 0 {
		cfg.Chunker.Size = 1000
	}
	if cfg.Chunker.Overlap == 0 {
		cfg.Chunker.Overlap = 150
	}

	e := &cfg.Embeddings
	if e.Provider == "" {
		e.Provider = "openai"
	}
	if e.BaseURL == "" {
		e.BaseURL = "https://api.openai.com/v1"
	}
	if e.Model == "" {
		e.Model = "text-embedding-3-small"
	}
	if e.Dimension == 0 {
		e.Dimension = dimensionForModel(e.Model)
	}
	if e.CacheDir == "" {
		e.CacheDir = "./data/models"
	}
	if e.BatchSize == 0 {
		e.BatchSize = 32
	}
	if e.MaxConcurrency == 0 {
		e.MaxConcurrency = 4
	}
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 3
	}
	if e.Backoff == 0 {
		e.Backoff = Duration(500 * time.Millisecond)
	}
	if e.CallTimeout == 0 {
		e.CallTimeout = Duration(30 * time.Second)
	}

	v := &cfg.VectorStore
	if v.Provider == "" {
		v.Provider = "chromem"
	}
	if v.Chromem.Path == "" {
		v.Chromem.Path = "./data/vectors"
	}
	if v.Qdrant.Host == "" {
		v.Qdrant.Host = "localhost"
	}
	if v.Qdrant.Port == 0 {
		v.Qdrant.Port = 6334
	}
	if v.Qdrant.Collection == "" {
		v.Qdrant.Collection = "vendorscope_chunks"
	}

	l := &cfg.LLM
	if l.Provider == "" {
		l.Provider = "openai"
	}
	if l.BaseURL == "" {
		l.BaseURL = "https://api.openai.com/v1"
	}
	if l.Model == "" {
		l.Model = "gpt-4o-mini"
	}
	if l.MaxTokens == 0 {
		l.MaxTokens = 1024
	}
	if l.Temperature == 0 {
		l.Temperature = 0.1
	}
	if l.Timeout == 0 {
		l.Timeout = Duration(60 * time.Second)
	}
	if l.RatePerSecond == 0 {
		l.RatePerSecond = 50.0 / 60.0
	}
	if l.Burst == 0 {
		l.Burst = 5
	}
	if l.MaxConcurrency == 0 {
		l.MaxConcurrency = 4
	}
	if l.MaxAttempts == 0 {
		l.MaxAttempts = 3
	}

	r := &cfg.Retrieval
	if r.TopK == 0 {
		r.TopK = 5
	}
	if r.MinRelevance == 0 {
		r.MinRelevance = 0.25
	}
	if r.HighRelevance == 0 {
		r.HighRelevance = 0.55
	}
	if r.MaxContextChars == 0 {
		r.MaxContextChars = 12000
	}
	if r.MaxParallelSearches == 0 {
		r.MaxParallelSearches = 4
	}

	if cfg.Compare.MaxVendors == 0 {
		cfg.Compare.MaxVendors = 5
	}
	if len(cfg.Compare.DefaultAspects) == 0 {
		cfg.Compare.DefaultAspects = []string{"security", "privacy", "compliance"}
	}

	s := &cfg.Scheduler
	if s.Tick == 0 {
		s.Tick = Duration(time.Minute)
	}
	if s.Workers == 0 {
		s.Workers = 2
	}
	if s.NormalInterval == 0 {
		s.NormalInterval = Duration(30 * 24 * time.Hour)
	}
	if s.CriticalInterval == 0 {
		s.CriticalInterval = Duration(7 * 24 * time.Hour)
	}
	if s.LeaseTTL == 0 {
		s.LeaseTTL = Duration(10 * time.Minute)
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.RetryBackoff == 0 {
		s.RetryBackoff = Duration(5 * time.Minute)
	}

	d := &cfg.Dispatch
	if d.Provider == "" {
		d.Provider = "local"
	}
	if d.NATS.URL == "" {
		d.NATS.URL = "nats://localhost:4222"
	}
	if d.NATS.Subject == "" {
		d.NATS.Subject = "vendorscope.crawl"
	}
	if d.NATS.Queue == "" {
		d.NATS.Queue = "crawlers"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	t := &cfg.Telemetry
	if t.Endpoint == "" {
		t.Endpoint = "localhost:4317"
	}
	if t.Protocol == "" {
		t.Protocol = "grpc"
	}
	if t.ServiceName == "" {
		t.ServiceName = "vendorscope"
	}
	if t.SamplingRate == 0 {
		t.SamplingRate = 1.0
	}
}

// dimensionForModel returns the vector size produced by well-known models.
func dimensionForModel(model string) int {
	switch model {
	case "text-embedding-3-small", "text-embedding-ada-002":
		return 1536
	case "text-embedding-3-large":
		return 3072
	case "BAAI/bge-base-en-v1.5":
		return 768
	case "BAAI/bge-small-en-v1.5", "sentence-transformers/all-MiniLM-L6-v2":
		return 384
	default:
		return 1536
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("server.shutdown_timeout must be positive"))
	}
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}

	if c.Crawler.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("crawler.max_depth must be >= 0, got %d", c.Crawler.MaxDepth))
	}
	if c.Crawler.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("crawler.max_pages must be >= 1, got %d", c.Crawler.MaxPages))
	}
	if c.Crawler.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("crawler.max_attempts must be >= 1, got %d", c.Crawler.MaxAttempts))
	}

	if c.Chunker.Size < 100 {
		errs = append(errs, fmt.Errorf("chunker.size must be >= 100, got %d", c.Chunker.Size))
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.Size/2 {
		errs = append(errs, fmt.Errorf("chunker.overlap must be in [0, size/2), got %d", c.Chunker.Overlap))
	}

	switch c.Embeddings.Provider {
	case "openai":
		if !c.Embeddings.APIKey.IsSet() && strings.Contains(c.Embeddings.BaseURL, "api.openai.com") {
			errs = append(errs, errors.New("embeddings.api_key is required for the openai provider"))
		}
	case "fastembed", "hash":
	default:
		errs = append(errs, fmt.Errorf("unknown embeddings.provider %q", c.Embeddings.Provider))
	}
	if c.Embeddings.Dimension <= 0 {
		errs = append(errs, errors.New("embeddings.dimension must be positive"))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("unknown vectorstore.provider %q", c.VectorStore.Provider))
	}

	switch c.LLM.Provider {
	case "openai":
		if !c.LLM.APIKey.IsSet() && strings.Contains(c.LLM.BaseURL, "api.openai.com") {
			errs = append(errs, errors.New("llm.api_key is required for the openai provider"))
		}
	case "extractive":
	default:
		errs = append(errs, fmt.Errorf("unknown llm.provider %q", c.LLM.Provider))
	}

	if c.Retrieval.TopK < 1 {
		errs = append(errs, fmt.Errorf("retrieval.top_k must be >= 1, got %d", c.Retrieval.TopK))
	}
	if c.Retrieval.MinRelevance > c.Retrieval.HighRelevance {
		errs = append(errs, errors.New("retrieval.min_relevance must not exceed retrieval.high_relevance"))
	}
	if c.Compare.MaxVendors < 2 {
		errs = append(errs, fmt.Errorf("compare.max_vendors must be >= 2, got %d", c.Compare.MaxVendors))
	}

	if c.Scheduler.Workers < 1 {
		errs = append(errs, fmt.Errorf("scheduler.workers must be >= 1, got %d", c.Scheduler.Workers))
	}
	if c.Scheduler.CriticalInterval > c.Scheduler.NormalInterval {
		errs = append(errs, errors.New("scheduler.critical_interval must not exceed scheduler.normal_interval"))
	}

	switch c.Dispatch.Provider {
	case "local", "nats":
	default:
		errs = append(errs, fmt.Errorf("unknown dispatch.provider %q", c.Dispatch.Provider))
	}

	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sampling_rate must be between 0 and 1, got %f", c.Telemetry.SamplingRate))
	}

	return errors.Join(errs...)
}

// Duration is a non-negative interval. Besides the forms time.ParseDuration
// accepts it takes a whole number of days ("30d", "7d"), which is how recrawl
// intervals are usually written.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	var parsed time.Duration
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		parsed = time.Duration(n) * 24 * time.Hour
	} else {
		var err error
		if parsed, err = time.ParseDuration(s); err != nil {
			return err
		}
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", s)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Secret is a provider API key. Formatting and encoding print a
// placeholder; only Value exposes the key.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString keeps %#v from printing the key.
func (s Secret) GoString() string {
	return strconv.Quote(s.String())
}

// MarshalText implements encoding.TextMarshaler, so JSON and YAML dumps of a
// Config are redacted too.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Value returns the key.
func (s Secret) Value() string {
	return string(s)
}

// IsSet reports whether a key was configured.
func (s Secret) IsSet() bool {
	return s != ""
}
