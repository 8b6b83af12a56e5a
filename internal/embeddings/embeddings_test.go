package embeddings

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/config"
)

// fakeEmbedder returns a fixed vector per text and fails according to failFn.
type fakeEmbedder struct {
	mu     sync.Mutex
	calls  [][]string
	failFn func(call int, texts []string) error
}

func (f *fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), texts...))
	call := len(f.calls)
	f.mu.Unlock()

	if f.failFn != nil {
		if err := f.failFn(call, texts); err != nil {
			return nil, err
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := f.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestIndexer(e Embedder, cfg IndexerConfig) *Indexer {
	ix := NewIndexer(e, cfg, zap.NewNop())
	ix.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return ix
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestNewProvider(t *testing.T) {
	t.Run("hash", func(t *testing.T) {
		p, err := NewProvider(ProviderConfig{Provider: "hash", Dimension: 64})
		require.NoError(t, err)
		assert.Equal(t, 64, p.Dimension())
		assert.NoError(t, p.Close())
	})

	t.Run("openai", func(t *testing.T) {
		p, err := NewProvider(ProviderConfig{
			Provider:  "openai",
			BaseURL:   "http://localhost:8080/v1",
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		})
		require.NoError(t, err)
		assert.Equal(t, 1536, p.Dimension())
	})

	t.Run("openai requires base url", func(t *testing.T) {
		_, err := NewProvider(ProviderConfig{Provider: "openai", Model: "m", Dimension: 8})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := NewProvider(ProviderConfig{Provider: "word2vec"})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestHashProvider(t *testing.T) {
	ctx := context.Background()
	p := NewHashProvider(0)
	assert.Equal(t, DefaultHashDimension, p.Dimension())

	t.Run("deterministic and normalized", func(t *testing.T) {
		a, err := p.EmbedQuery(ctx, "Data is encrypted at rest with AES-256.")
		require.NoError(t, err)
		b, err := p.EmbedQuery(ctx, "Data is encrypted at rest with AES-256.")
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.InDelta(t, 1.0, cosine(a, a), 1e-6)
	})

	t.Run("shared vocabulary scores higher", func(t *testing.T) {
		vecs, err := p.EmbedDocuments(ctx, []string{
			"Customer data is encrypted at rest and in transit using TLS 1.2.",
			"Our office is closed on public holidays.",
		})
		require.NoError(t, err)
		q, err := p.EmbedQuery(ctx, "How is customer data encrypted?")
		require.NoError(t, err)
		assert.Greater(t, cosine(q, vecs[0]), cosine(q, vecs[1]))
	})

	t.Run("empty input", func(t *testing.T) {
		_, err := p.EmbedDocuments(ctx, nil)
		assert.ErrorIs(t, err, ErrEmptyInput)
		_, err = p.EmbedQuery(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyInput)
	})

	t.Run("punctuation only", func(t *testing.T) {
		v, err := p.EmbedQuery(ctx, "...")
		require.NoError(t, err)
		assert.InDelta(t, 1.0, cosine(v, v), 1e-6)
	})
}

func TestIndexer_EmbedsInBatches(t *testing.T) {
	fake := &fakeEmbedder{}
	ix := newTestIndexer(fake, IndexerConfig{Provider: "fake", BatchSize: 3, MaxConcurrency: 2})

	texts := []string{"a", "bb", "ccc", "dddd", "eeeee", "ffffff", "ggggggg"}
	results, err := ix.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, results, len(texts))

	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, float32(len(texts[i])), r.Vector[0], "result %d out of order", i)
		assert.Equal(t, 1, r.Attempts)
	}
	assert.Equal(t, 3, fake.callCount())
}

func TestIndexer_RetriesTransientFailures(t *testing.T) {
	fake := &fakeEmbedder{failFn: func(call int, _ []string) error {
		if call < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	}}
	ix := newTestIndexer(fake, IndexerConfig{BatchSize: 10, MaxAttempts: 3})

	results, err := ix.Embed(context.Background(), []string{"one", "two"})
	require.NoError(t, err)
	for _, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, 3, r.Attempts)
	}
}

func TestIndexer_IsolatesPersistentFailure(t *testing.T) {
	fake := &fakeEmbedder{failFn: func(_ int, texts []string) error {
		for _, text := range texts {
			if strings.Contains(text, "poison") {
				return errors.New("input too long")
			}
		}
		return nil
	}}
	ix := newTestIndexer(fake, IndexerConfig{BatchSize: 10, MaxAttempts: 2})

	results, err := ix.Embed(context.Background(), []string{"good", "poison", "fine"})
	require.NoError(t, err)

	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[2].Err)
	require.Error(t, results[1].Err)
	assert.Nil(t, results[1].Vector)
	assert.Equal(t, 3, results[1].Attempts)
	// 2 batch attempts plus one isolated call per text.
	assert.Equal(t, 5, fake.callCount())
}

func TestIndexer_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	fake := &fakeEmbedder{failFn: func(int, []string) error {
		cancel()
		return context.Canceled
	}}
	ix := newTestIndexer(fake, IndexerConfig{BatchSize: 1, MaxConcurrency: 1})

	_, err := ix.Embed(ctx, []string{"a", "b", "c"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIndexer_Empty(t *testing.T) {
	ix := newTestIndexer(&fakeEmbedder{}, IndexerConfig{})
	results, err := ix.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

type queryFunc func(ctx context.Context, text string) ([]float32, error)

func (f queryFunc) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

func newTestQueryEmbedder(e QueryEmbedder, cfg IndexerConfig) *RetryingQueryEmbedder {
	q := NewRetryingQueryEmbedder(e, cfg, zap.NewNop())
	q.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return q
}

func TestRetryingQueryEmbedder_RecoversFromOneFailure(t *testing.T) {
	fake := &fakeEmbedder{failFn: func(call int, _ []string) error {
		if call == 1 {
			return errors.New("429 too many requests")
		}
		return nil
	}}
	q := newTestQueryEmbedder(fake, IndexerConfig{MaxAttempts: 3})

	vec, err := q.EmbedQuery(context.Background(), "is acme soc 2?")
	require.NoError(t, err)
	assert.Equal(t, []float32{14, 1}, vec)
	assert.Equal(t, 2, fake.callCount())
}

func TestRetryingQueryEmbedder_GivesUpAfterMaxAttempts(t *testing.T) {
	fake := &fakeEmbedder{failFn: func(int, []string) error { return errors.New("503") }}
	q := newTestQueryEmbedder(fake, IndexerConfig{MaxAttempts: 2})

	_, err := q.EmbedQuery(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, 2, fake.callCount())
}

func TestRetryingQueryEmbedder_EachAttemptHasADeadline(t *testing.T) {
	var calls int
	slowOnce := queryFunc(func(ctx context.Context, _ string) ([]float32, error) {
		calls++
		if calls == 1 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []float32{1}, nil
	})
	q := newTestQueryEmbedder(slowOnce, IndexerConfig{MaxAttempts: 2, CallTimeout: 20 * time.Millisecond})

	start := time.Now()
	vec, err := q.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, vec)
	assert.Equal(t, 2, calls)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetryingQueryEmbedder_CapsConcurrency(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	blocking := queryFunc(func(ctx context.Context, _ string) ([]float32, error) {
		entered <- struct{}{}
		<-release
		return []float32{1}, nil
	})
	q := newTestQueryEmbedder(blocking, IndexerConfig{MaxConcurrency: 1})

	done := make(chan error, 1)
	go func() {
		_, err := q.EmbedQuery(context.Background(), "first")
		done <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.EmbedQuery(ctx, "second")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)
}

func TestIndexerConfigFromSettings(t *testing.T) {
	cfg := IndexerConfigFromSettings(config.EmbeddingsConfig{
		Provider:       "openai",
		BatchSize:      16,
		MaxConcurrency: 2,
		MaxAttempts:    5,
		Backoff:        config.Duration(2 * time.Second),
		CallTimeout:    config.Duration(10 * time.Second),
	})
	assert.Equal(t, IndexerConfig{
		Provider:       "openai",
		BatchSize:      16,
		MaxConcurrency: 2,
		MaxAttempts:    5,
		Backoff:        2 * time.Second,
		CallTimeout:    10 * time.Second,
	}, cfg)
}
