// Package llm wraps the text-completion capability used to write answers.
//
// A Completer turns a prompt into text. The OpenAI completer calls an
// OpenAI-compatible chat API through langchaingo with rate limiting, bounded
// concurrency, per-call timeouts and retries. The Extractive completer needs no
// model: it answers from the sources embedded in the prompt and is also the
// fallback when the model is unavailable.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/config"
)

var (
	// ErrInvalidConfig indicates invalid provider configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrCompletionFailed indicates the model did not produce an answer.
	ErrCompletionFailed = errors.New("completion failed")
)

// Completer generates text for a prompt.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Config configures a completion provider.
type Config struct {
	// Provider is one of "openai", "extractive".
	Provider       string
	BaseURL        string
	Model          string
	APIKey         string
	MaxTokens      int
	Temperature    float64
	Timeout        time.Duration
	RatePerSecond  float64
	Burst          int
	MaxConcurrency int
	MaxAttempts    int
	// Backoff is the delay before the first retry; it doubles per retry.
	Backoff time.Duration
}

// ConfigFromSettings converts the loaded configuration section.
func ConfigFromSettings(c config.LLMConfig) Config {
	return Config{
		Provider:       c.Provider,
		BaseURL:        c.BaseURL,
		Model:          c.Model,
		APIKey:         c.APIKey.Value(),
		MaxTokens:      c.MaxTokens,
		Temperature:    c.Temperature,
		Timeout:        c.Timeout.Duration(),
		RatePerSecond:  c.RatePerSecond,
		Burst:          c.Burst,
		MaxConcurrency: c.MaxConcurrency,
		MaxAttempts:    c.MaxAttempts,
	}
}

func (c *Config) applyDefaults() {
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 50.0 / 60.0
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = time.Second
	}
}

// New creates the configured completer.
func New(cfg Config, logger *zap.Logger) (Completer, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai", "":
		c, err := NewOpenAI(cfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "extractive":
		return NewExtractive(), nil
	default:
		return nil, fmt.Errorf("%w: unknown llm provider %q (supported: openai, extractive)", ErrInvalidConfig, cfg.Provider)
	}
}
