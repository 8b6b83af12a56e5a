package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const instrumentationName = "github.com/ShalakaSonawane1/vendorscope/internal/llm"

// retryableError marks a failure worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }

func (e *retryableError) Unwrap() error { return e.err }

func isRetryableError(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// OpenAI completes prompts through an OpenAI-compatible chat API.
type OpenAI struct {
	model   llms.Model
	cfg     Config
	limiter *rate.Limiter
	sem     chan struct{}
	logger  *zap.Logger
	tracer  trace.Tracer
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewOpenAI creates a completer for the configured endpoint.
func NewOpenAI(cfg Config, logger *zap.Logger) (*OpenAI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for endpoints that ignore it.
		apiKey = "placeholder"
	}

	model, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	return NewWithModel(model, cfg, logger), nil
}

// NewWithModel wraps any langchaingo model with the same limits and retries.
func NewWithModel(model llms.Model, cfg Config, logger *zap.Logger) *OpenAI {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &OpenAI{
		model:   model,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		sem:     make(chan struct{}, cfg.MaxConcurrency),
		logger:  logger,
		tracer:  otel.Tracer(instrumentationName),
		sleep:   sleepCtx,
	}
}

// Complete generates a completion for prompt. Transient failures (timeouts,
// rate limiting, server errors) are retried with exponential backoff; the
// final error wraps ErrCompletionFailed.
func (o *OpenAI) Complete(ctx context.Context, prompt string) (string, error) {
	ctx, span := o.tracer.Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.cfg.Model), attribute.Int("prompt.length", len(prompt)))

	var lastErr error
	for attempt := 0; attempt < o.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := o.sleep(ctx, o.cfg.Backoff*time.Duration(1<<(attempt-1))); err != nil {
				return "", err
			}
		}

		text, err := o.call(ctx, prompt)
		if err == nil {
			CompletionsTotal.WithLabelValues("success").Inc()
			return text, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryableError(err) {
			break
		}
		o.logger.Warn("completion attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}

	CompletionsTotal.WithLabelValues("failure").Inc()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "completion failed")
	return "", fmt.Errorf("%w: %w", ErrCompletionFailed, lastErr)
}

func (o *OpenAI) call(ctx context.Context, prompt string) (string, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter error: %w", err)
	}

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-o.sem }()

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	text, err := llms.GenerateFromSinglePrompt(callCtx, o.model, prompt,
		llms.WithMaxTokens(o.cfg.MaxTokens),
		llms.WithTemperature(o.cfg.Temperature),
	)
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return "", &retryableError{err: fmt.Errorf("completion timed out after %s", o.cfg.Timeout)}
		}
		return "", classify(err)
	}
	if strings.TrimSpace(text) == "" {
		return "", &retryableError{err: errors.New("empty completion")}
	}
	return text, nil
}

// classify marks network failures, rate limiting and server errors retryable.
func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &retryableError{err: err}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "status code: 5", "server error", "timeout", "connection reset", "eof"} {
		if strings.Contains(msg, marker) {
			return &retryableError{err: err}
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
