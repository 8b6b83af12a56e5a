package rag

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/apperr"
	"github.com/ShalakaSonawane1/vendorscope/internal/embeddings"
	"github.com/ShalakaSonawane1/vendorscope/internal/llm"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
	"github.com/ShalakaSonawane1/vendorscope/internal/vectorstore"
)

type fakeQueryEmbedder struct {
	mu    sync.Mutex
	vec   []float32
	err   error
	calls int
	// failures is the number of leading calls that fail.
	failures int
}

func (f *fakeQueryEmbedder) EmbedQuery(_ context.Context, _ string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures > 0 {
		f.failures--
		return nil, errors.New("502 bad gateway")
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

// countingIndex records the peak number of concurrent queries.
type countingIndex struct {
	vectorstore.Index
	mu      sync.Mutex
	current int
	peak    int
}

func (c *countingIndex) Query(ctx context.Context, vendorID string, vector []float32, k int) ([]vectorstore.Match, error) {
	c.mu.Lock()
	c.current++
	c.peak = max(c.peak, c.current)
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.current--
		c.mu.Unlock()
	}()
	time.Sleep(20 * time.Millisecond)
	return c.Index.Query(ctx, vendorID, vector, k)
}

type fakeCompleter struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func (f *fakeCompleter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

type fixture struct {
	store     *store.Store
	index     *vectorstore.ChromemIndex
	embedder  *fakeQueryEmbedder
	completer *fakeCompleter
	engine    *Engine
	acme      *store.Vendor
	globex    *store.Vendor
}

const (
	securityText = "All customer data is encrypted at rest with AES-256. Acme is SOC 2 Type II certified and runs annual penetration tests."
	privacyText  = "We do not sell personal data. We share data with third parties only as subprocessors under a data processing agreement."
)

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "vendorscope.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	index, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{Dimension: 3}, zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		store:     st,
		index:     index,
		embedder:  &fakeQueryEmbedder{vec: []float32{1, 0, 0}},
		completer: &fakeCompleter{reply: "Acme encrypts customer data at rest [Source 1] and is SOC 2 certified. Overall: LOW RISK."},
	}
	f.engine = New(st, index, f.embedder, f.completer, cfg, zap.NewNop(), opts...)

	f.acme = &store.Vendor{Name: "Acme", Domain: "acme.com", VendorType: "saas", IsActive: true}
	require.NoError(t, st.CreateVendor(ctx, f.acme))
	f.globex = &store.Vendor{Name: "Globex", Domain: "globex.com", VendorType: "saas", IsActive: true}
	require.NoError(t, st.CreateVendor(ctx, f.globex))

	f.addDocument(t, f.acme, "https://acme.com/security", "Security", "security_page", securityText, []float32{1, 0, 0})
	f.addDocument(t, f.acme, "https://acme.com/privacy", "Privacy Policy", "privacy_policy", privacyText, []float32{0.8, 0.6, 0})
	return f
}

// addDocument stores one single-chunk document version, embeds and indexes it.
func (f *fixture) addDocument(t *testing.T, v *store.Vendor, url, title, docType, text string, vec []float32) store.Chunk {
	t.Helper()
	ctx := context.Background()

	doc, _, err := f.store.SaveDocument(ctx, store.DocumentInput{
		VendorID:     v.ID,
		URL:          url,
		Title:        title,
		DocumentType: docType,
		Content:      text,
		HTTPStatus:   200,
		FetchedAt:    time.Now(),
	})
	require.NoError(t, err)

	chunks, err := f.store.ReplaceChunks(ctx, doc.ID, v.ID, []store.ChunkInput{{Index: 0, Length: len(text), Text: text}})
	require.NoError(t, err)
	require.NoError(t, f.store.SetChunkEmbedding(ctx, chunks[0].ID, vec))
	require.NoError(t, f.index.Upsert(ctx, []vectorstore.Entry{{
		ChunkID:    chunks[0].ID,
		VendorID:   v.ID,
		DocumentID: doc.ID,
		Vector:     vec,
	}}))
	return chunks[0]
}

func TestAsk_RejectsBadInputBeforeAnyWork(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"blank query", Request{Query: "   ", VendorIDs: []string{f.acme.ID}}},
		{"no vendors", Request{Query: "Is data encrypted?"}},
		{"empty vendor id", Request{Query: "Is data encrypted?", VendorIDs: []string{f.acme.ID, " "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Ask(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
	assert.Zero(t, f.embedder.calls)
	assert.Zero(t, f.completer.calls())
}

func TestAsk_UnknownVendor(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.engine.Ask(context.Background(), Request{Query: "Is data encrypted?", VendorIDs: []string{"missing"}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Zero(t, f.embedder.calls)
}

func TestAsk_AnswersWithCitations(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	ans, err := f.engine.Ask(ctx, Request{
		Query:          "Does Acme share data with third parties?",
		VendorIDs:      []string{f.acme.ID},
		IncludeSources: true,
	})
	require.NoError(t, err)

	assert.Equal(t, "Does Acme share data with third parties?", ans.Query)
	assert.Equal(t, f.completer.reply, ans.Answer)
	assert.Equal(t, ConfidenceHigh, ans.ConfidenceLevel)
	require.Len(t, ans.Citations, 2)
	assert.True(t, strings.HasPrefix(ans.Citations[0].URL, "https://acme.com/"))
	assert.Equal(t, "https://acme.com/security", ans.Citations[0].URL)
	assert.Equal(t, "Security", ans.Citations[0].Title)
	assert.InDelta(t, 1.0, ans.Citations[0].RelevanceScore, 1e-4)
	assert.InDelta(t, 0.8, ans.Citations[1].RelevanceScore, 1e-4)
	assert.Equal(t, 2, ans.Metadata.SourcesUsed)
	assert.Equal(t, 1, ans.Metadata.VendorsAnalyzed)
	assert.Empty(t, ans.Metadata.VendorsWithoutEvidence)
	assert.False(t, ans.Metadata.Degraded)

	// Every citation is a chunk that was placed in the prompt.
	require.Equal(t, 1, f.completer.calls())
	prompt := f.completer.prompts[0]
	assert.Contains(t, prompt, "User question: Does Acme share data with third parties?")
	assert.Contains(t, prompt, "[Source 1]\nVendor: Acme\nDocument: Security\nURL: https://acme.com/security")
	assert.Contains(t, prompt, "[Source 2]\nVendor: Acme\nDocument: Privacy Policy")
	assert.Contains(t, prompt, "- Acme (acme.com): saas")
	assert.NotContains(t, prompt, "[Source 3]")

	assert.Equal(t, store.RiskLow, ans.RiskAssessment)
	v, err := f.store.GetVendor(ctx, f.acme.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RiskLow, v.CurrentRiskLevel)
	assert.True(t, v.ComplianceStatus["SOC2"])
	assert.NotEmpty(t, v.RiskSummary)

	queries, err := f.store.RecentQueries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Equal(t, ans.ID, queries[0].ID)
	assert.Equal(t, "high", queries[0].Confidence)
	assert.Len(t, queries[0].Citations, 2)
}

func TestAsk_NoEvidenceSkipsCompletion(t *testing.T) {
	f := newFixture(t, Config{})

	ans, err := f.engine.Ask(context.Background(), Request{
		Query:          "Is Globex SOC 2 certified?",
		VendorIDs:      []string{f.globex.ID},
		IncludeSources: true,
	})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(ans.Answer, "No evidence available"))
	assert.Contains(t, ans.Answer, "Globex")
	assert.Equal(t, ConfidenceLow, ans.ConfidenceLevel)
	assert.Empty(t, ans.Citations)
	assert.Equal(t, []string{f.globex.ID}, ans.Metadata.VendorsWithoutEvidence)
	assert.Equal(t, store.RiskUnknown, ans.RiskAssessment)
	assert.Zero(t, f.embedder.calls)
	assert.Zero(t, f.completer.calls())

	v, err := f.store.GetVendor(context.Background(), f.globex.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RiskUnknown, v.CurrentRiskLevel, "no evidence leaves the vendor untouched")
}

func TestAsk_MultipleVendors(t *testing.T) {
	f := newFixture(t, Config{})

	ans, err := f.engine.Ask(context.Background(), Request{
		Query:          "Which vendor encrypts data?",
		VendorIDs:      []string{f.acme.ID, f.globex.ID, f.acme.ID},
		IncludeSources: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, ans.Metadata.VendorsAnalyzed)
	assert.Equal(t, []string{f.globex.ID}, ans.Metadata.VendorsWithoutEvidence)
	for _, c := range ans.Citations {
		assert.Equal(t, f.acme.ID, c.VendorID)
	}
	assert.Contains(t, f.completer.prompts[0], "- Globex (globex.com): saas")
}

func TestAsk_BoundsParallelSearches(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	ids := []string{f.acme.ID}
	for _, name := range []string{"Initech", "Umbrella", "Hooli", "Soylent"} {
		v := &store.Vendor{Name: name, Domain: strings.ToLower(name) + ".com", VendorType: "saas", IsActive: true}
		require.NoError(t, f.store.CreateVendor(ctx, v))
		f.addDocument(t, v, "https://"+v.Domain+"/security", "Security", "security_page", securityText, []float32{1, 0, 0})
		ids = append(ids, v.ID)
	}

	index := &countingIndex{Index: f.index}
	engine := New(f.store, index, f.embedder, f.completer, Config{MaxParallelSearches: 2}, zap.NewNop())

	ans, err := engine.Ask(ctx, Request{Query: "Which vendors encrypt data?", VendorIDs: ids})
	require.NoError(t, err)
	assert.Equal(t, 5, ans.Metadata.VendorsAnalyzed)
	assert.Empty(t, ans.Metadata.VendorsWithoutEvidence)
	assert.LessOrEqual(t, index.peak, 2)
}

func TestAsk_RetriesFlakyQueryEmbedding(t *testing.T) {
	f := newFixture(t, Config{})
	f.embedder.failures = 1
	queries := embeddings.NewRetryingQueryEmbedder(f.embedder, embeddings.IndexerConfig{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		CallTimeout: time.Second,
	}, zap.NewNop())
	engine := New(f.store, f.index, queries, f.completer, Config{}, zap.NewNop())

	ans, err := engine.Ask(context.Background(), Request{Query: "Is data encrypted?", VendorIDs: []string{f.acme.ID}})
	require.NoError(t, err)
	assert.Equal(t, 2, f.embedder.calls)
	assert.Equal(t, ConfidenceHigh, ans.ConfidenceLevel)
	assert.False(t, ans.Metadata.Degraded)
}

func TestAsk_DegradesWhenCompletionFails(t *testing.T) {
	f := newFixture(t, Config{})
	f.completer.err = llm.ErrCompletionFailed

	ans, err := f.engine.Ask(context.Background(), Request{
		Query:          "Does Acme share data with third parties?",
		VendorIDs:      []string{f.acme.ID},
		IncludeSources: true,
	})
	require.NoError(t, err)

	assert.True(t, ans.Metadata.Degraded)
	assert.Contains(t, ans.Answer, "third parties")
	assert.Contains(t, ans.Answer, "[Source 2]")
	assert.Equal(t, ConfidenceMedium, ans.ConfidenceLevel, "degraded answers never claim high confidence")
	assert.Len(t, ans.Citations, 2)
}

func TestAsk_UnavailableWhenNoAnswerPossible(t *testing.T) {
	t.Run("completion and fallback fail", func(t *testing.T) {
		fallback := &fakeCompleter{err: errors.New("fallback down")}
		f := newFixture(t, Config{}, WithFallback(fallback))
		f.completer.err = llm.ErrCompletionFailed

		_, err := f.engine.Ask(context.Background(), Request{Query: "Is data encrypted?", VendorIDs: []string{f.acme.ID}})
		require.Error(t, err)
		assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	})

	t.Run("query embedding fails", func(t *testing.T) {
		f := newFixture(t, Config{})
		f.embedder.err = errors.New("connection refused")

		_, err := f.engine.Ask(context.Background(), Request{Query: "Is data encrypted?", VendorIDs: []string{f.acme.ID}})
		require.Error(t, err)
		assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
		assert.Zero(t, f.completer.calls())
	})
}

func TestAsk_WithoutSourcesStillRecordsCitations(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	ans, err := f.engine.Ask(ctx, Request{Query: "Is data encrypted?", VendorIDs: []string{f.acme.ID}})
	require.NoError(t, err)
	assert.NotNil(t, ans.Citations)
	assert.Empty(t, ans.Citations)

	queries, err := f.store.RecentQueries(ctx, 1)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	assert.Len(t, queries[0].Citations, 2)
}

func TestAsk_RiskAssessmentOptOut(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	no := false

	ans, err := f.engine.Ask(ctx, Request{Query: "Is data encrypted?", VendorIDs: []string{f.acme.ID}, IncludeRiskAssessment: &no})
	require.NoError(t, err)
	assert.Empty(t, ans.RiskAssessment)
	v, err := f.store.GetVendor(ctx, f.acme.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RiskUnknown, v.CurrentRiskLevel)

	ans, err = f.engine.Ask(ctx, Request{Query: "What is the risk of using Acme?", VendorIDs: []string{f.acme.ID}, IncludeRiskAssessment: &no})
	require.NoError(t, err)
	assert.NotEmpty(t, ans.RiskAssessment, "a risk question always gets an assessment")
}

func TestAsk_ContextBudget(t *testing.T) {
	f := newFixture(t, Config{MaxContextChars: len(securityText) + 10})

	ans, err := f.engine.Ask(context.Background(), Request{
		Query:          "Is data encrypted?",
		VendorIDs:      []string{f.acme.ID},
		IncludeSources: true,
	})
	require.NoError(t, err)
	require.Len(t, ans.Citations, 1)
	assert.Equal(t, "https://acme.com/security", ans.Citations[0].URL)
	assert.Equal(t, ConfidenceMedium, ans.ConfidenceLevel, "one document cannot corroborate itself")
	assert.NotContains(t, f.completer.prompts[0], "[Source 2]")
}

func TestAsk_LowRelevanceIsLowConfidence(t *testing.T) {
	f := newFixture(t, Config{})
	f.embedder.vec = []float32{0, 0, 1}

	ans, err := f.engine.Ask(context.Background(), Request{Query: "What is the uptime SLA?", VendorIDs: []string{f.acme.ID}})
	require.NoError(t, err)
	assert.Equal(t, ConfidenceLow, ans.ConfidenceLevel)
	assert.Equal(t, 1, f.completer.calls())
}

func TestAsk_IgnoresSupersededChunks(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	// A new version of the security page; the old chunk is still in the index.
	f.addDocument(t, f.acme, "https://acme.com/security", "Security", "security_page",
		"Customer data is encrypted in transit with TLS 1.3.", []float32{0.6, 0.8, 0})

	ans, err := f.engine.Ask(ctx, Request{Query: "Is data encrypted?", VendorIDs: []string{f.acme.ID}, IncludeSources: true})
	require.NoError(t, err)
	require.Len(t, ans.Citations, 2)
	for _, c := range ans.Citations {
		assert.NotContains(t, c.Excerpt, "AES-256")
	}
}

func TestExcerpt(t *testing.T) {
	assert.Equal(t, "short", excerpt("short"))
	long := strings.Repeat("é", 250)
	got := excerpt(long)
	assert.True(t, strings.HasSuffix(got, "..."))
	assert.Equal(t, 203, len([]rune(got)))
}
