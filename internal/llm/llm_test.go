package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
)

// fakeModel is a langchaingo model whose replies are scripted per call.
type fakeModel struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	reply    func(ctx context.Context, call int) (string, error)
}

func (f *fakeModel) GenerateContent(ctx context.Context, _ []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	call := int(f.calls.Add(1))
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		seen := f.maxSeen.Load()
		if n <= seen || f.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}

	text, err := f.reply(ctx, call)
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: text}}}, nil
}

func (f *fakeModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}

func newTestCompleter(model llms.Model, cfg Config) *OpenAI {
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 1000
		cfg.Burst = 100
	}
	c := NewWithModel(model, cfg, zap.NewNop())
	c.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return c
}

func TestOpenAI_RetriesTransientErrors(t *testing.T) {
	model := &fakeModel{reply: func(_ context.Context, call int) (string, error) {
		if call < 3 {
			return "", errors.New("API returned unexpected status code: 503: overloaded")
		}
		return "Acme encrypts data at rest. [Source 1]", nil
	}}
	c := newTestCompleter(model, Config{MaxAttempts: 3})

	text, err := c.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Contains(t, text, "[Source 1]")
	assert.EqualValues(t, 3, model.calls.Load())
}

func TestOpenAI_DoesNotRetryPermanentErrors(t *testing.T) {
	model := &fakeModel{reply: func(context.Context, int) (string, error) {
		return "", errors.New("API returned unexpected status code: 400: invalid request")
	}}
	c := newTestCompleter(model, Config{MaxAttempts: 3})

	_, err := c.Complete(context.Background(), "prompt")
	require.ErrorIs(t, err, ErrCompletionFailed)
	assert.EqualValues(t, 1, model.calls.Load())
}

func TestOpenAI_GivesUpAfterMaxAttempts(t *testing.T) {
	model := &fakeModel{reply: func(context.Context, int) (string, error) {
		return "", errors.New("429 rate limit exceeded")
	}}
	c := newTestCompleter(model, Config{MaxAttempts: 2})

	_, err := c.Complete(context.Background(), "prompt")
	require.ErrorIs(t, err, ErrCompletionFailed)
	assert.EqualValues(t, 2, model.calls.Load())
}

func TestOpenAI_TimesOutEachCall(t *testing.T) {
	model := &fakeModel{reply: func(ctx context.Context, _ int) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	c := newTestCompleter(model, Config{MaxAttempts: 2, Timeout: 10 * time.Millisecond})

	_, err := c.Complete(context.Background(), "prompt")
	require.ErrorIs(t, err, ErrCompletionFailed)
	assert.Contains(t, err.Error(), "timed out")
	assert.EqualValues(t, 2, model.calls.Load())
}

func TestOpenAI_CancelledContextIsNotRetried(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	model := &fakeModel{reply: func(context.Context, int) (string, error) {
		cancel()
		return "", context.Canceled
	}}
	c := newTestCompleter(model, Config{MaxAttempts: 3})

	_, err := c.Complete(ctx, "prompt")
	assert.ErrorIs(t, err, context.Canceled)
	assert.EqualValues(t, 1, model.calls.Load())
}

func TestOpenAI_BoundsConcurrency(t *testing.T) {
	model := &fakeModel{reply: func(context.Context, int) (string, error) {
		time.Sleep(5 * time.Millisecond)
		return "ok", nil
	}}
	c := newTestCompleter(model, Config{MaxConcurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Complete(context.Background(), "prompt")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 8, model.calls.Load())
	assert.LessOrEqual(t, model.maxSeen.Load(), int32(2))
}

func TestNew(t *testing.T) {
	c, err := New(Config{Provider: "extractive"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &Extractive{}, c)

	c, err = New(Config{Provider: "openai", BaseURL: "http://localhost:11434/v1", Model: "llama3"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &OpenAI{}, c)

	_, err = New(Config{Provider: "openai", Model: "gpt-4o-mini"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(Config{Provider: "palm"}, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func testSources() []Source {
	return []Source{
		{
			Vendor:       "Acme",
			Title:        "Security",
			URL:          "https://acme.com/security",
			DocumentType: "security_page",
			Content:      "All customer data is encrypted at rest using AES-256. We run annual penetration tests.",
		},
		{
			Vendor:       "Acme",
			Title:        "Privacy Policy",
			URL:          "https://acme.com/privacy",
			DocumentType: "privacy_policy",
			Content:      "We do not sell personal data. We share data with third parties only as subprocessors under contract.\nContact privacy@acme.com.",
		},
	}
}

func TestAnswerPrompt(t *testing.T) {
	prompt := AnswerPrompt("  Does Acme encrypt data?  ", []string{"Acme (acme.com)"}, testSources())

	assert.Contains(t, prompt, "User question: Does Acme encrypt data?\n")
	assert.Contains(t, prompt, "- Acme (acme.com)\n")
	assert.Contains(t, prompt, "[Source 1]\nVendor: Acme\nDocument: Security\nURL: https://acme.com/security\nType: security_page\nContent:\n")
	assert.Contains(t, prompt, "\n---\n[Source 2]\n")
	assert.Contains(t, prompt, NotInDocumentation)

	p := parsePrompt(prompt)
	assert.Equal(t, "Does Acme encrypt data?", p.question)
	require.Len(t, p.sources, 2)
	assert.Equal(t, testSources()[1].Content, p.sources[1])
}

func TestFormatSources_EscapesSeparator(t *testing.T) {
	out := FormatSources([]Source{{Vendor: "A", URL: "u", Content: "one\n---\ntwo"}})
	assert.Equal(t, 0, strings.Count(out, sourceSeparator))
}

func TestExtractive(t *testing.T) {
	ctx := context.Background()
	e := NewExtractive()

	t.Run("quotes matching sentences with source tags", func(t *testing.T) {
		prompt := AnswerPrompt("Does Acme share data with third parties?", []string{"Acme"}, testSources())
		answer, err := e.Complete(ctx, prompt)
		require.NoError(t, err)
		assert.Contains(t, answer, "We share data with third parties only as subprocessors under contract. [Source 2]")
		assert.NotContains(t, answer, NotInDocumentation)
	})

	t.Run("flags missing evidence", func(t *testing.T) {
		prompt := AnswerPrompt("What is the uptime SLA?", []string{"Acme"}, testSources())
		answer, err := e.Complete(ctx, prompt)
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(answer, NotInDocumentation))
		assert.Contains(t, answer, "[Source 1]")
	})

	t.Run("deterministic", func(t *testing.T) {
		prompt := AnswerPrompt("How is customer data encrypted?", []string{"Acme"}, testSources())
		a, err := e.Complete(ctx, prompt)
		require.NoError(t, err)
		b, err := e.Complete(ctx, prompt)
		require.NoError(t, err)
		assert.Equal(t, a, b)
	})

	t.Run("prompt without sources", func(t *testing.T) {
		_, err := e.Complete(ctx, "Compare these vendors.")
		assert.ErrorIs(t, err, ErrCompletionFailed)
	})
}

func TestSplitSentences(t *testing.T) {
	got := splitSentences("# Heading\nFirst one. Second one! Version 1.2 is here?\n- bullet item")
	assert.Equal(t, []string{"Heading", "First one.", "Second one!", "Version 1.2 is here?", "bullet item"}, got)
}
