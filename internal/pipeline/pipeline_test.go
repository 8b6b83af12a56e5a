package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/apperr"
	"github.com/ShalakaSonawane1/vendorscope/internal/chunker"
	"github.com/ShalakaSonawane1/vendorscope/internal/embeddings"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
	"github.com/ShalakaSonawane1/vendorscope/internal/vectorstore"
)

const dim = 32

// poisonEmbedder fails every text that mentions "poison".
type poisonEmbedder struct {
	*embeddings.HashProvider
}

func (p poisonEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if strings.Contains(t, "poison") {
			return nil, errors.New("provider rejected input")
		}
	}
	return p.HashProvider.EmbedDocuments(ctx, texts)
}

// brokenEmbedder fails the whole run, as when the context ends.
type brokenEmbedder struct{ err error }

func (b brokenEmbedder) Embed(context.Context, []string) ([]embeddings.Result, error) {
	return nil, b.err
}

type fixture struct {
	store    *store.Store
	index    *vectorstore.ChromemIndex
	pipeline *Pipeline
	vendor   *store.Vendor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "vendorscope.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	index, err := vectorstore.NewChromemIndex(vectorstore.ChromemConfig{Dimension: dim}, zap.NewNop())
	require.NoError(t, err)

	indexer := embeddings.NewIndexer(poisonEmbedder{embeddings.NewHashProvider(dim)},
		embeddings.IndexerConfig{Provider: "hash", BatchSize: 1, MaxAttempts: 1}, zap.NewNop())

	v := &store.Vendor{Name: "Acme", Domain: "acme.com", VendorType: "saas", IsActive: true}
	require.NoError(t, st.CreateVendor(context.Background(), v))

	return &fixture{
		store:    st,
		index:    index,
		pipeline: New(st, chunker.New(chunker.WithChunkSize(120), chunker.WithOverlap(20)), indexer, index, zap.NewNop()),
		vendor:   v,
	}
}

func (f *fixture) save(t *testing.T, url, content string) *store.Document {
	t.Helper()
	doc, created, err := f.store.SaveDocument(context.Background(), store.DocumentInput{
		VendorID:     f.vendor.ID,
		URL:          url,
		Title:        "Security",
		DocumentType: "security_page",
		Content:      content,
		HTTPStatus:   200,
		FetchedAt:    time.Now(),
	})
	require.NoError(t, err)
	require.True(t, created)
	return doc
}

func (f *fixture) indexed(t *testing.T) int {
	t.Helper()
	n, err := f.index.Count(context.Background(), f.vendor.ID)
	require.NoError(t, err)
	return n
}

const securityPage = "All customer data is encrypted at rest with AES-256. " +
	"Traffic between services uses TLS 1.2 or later. " +
	"Access to production requires multi-factor authentication and is reviewed quarterly. " +
	"We complete a SOC 2 Type II audit every year and share the report under NDA."

func TestProcess_IndexesNewDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.save(t, "https://acme.com/security", securityPage)

	stats, err := f.pipeline.Process(ctx, doc.ID)
	require.NoError(t, err)
	assert.Greater(t, stats.Chunks, 1)
	assert.Equal(t, stats.Chunks, stats.Embedded)
	assert.Zero(t, stats.Unembedded)

	got, err := f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.IndexIndexed, got.IndexState)
	assert.Equal(t, stats.Chunks, f.indexed(t))

	again, err := f.pipeline.Process(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.Equal(t, stats.Chunks, f.indexed(t))
}

func TestProcess_NewVersionEvictsPreviousChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1 := f.save(t, "https://acme.com/security", securityPage)
	_, err := f.pipeline.Process(ctx, v1.ID)
	require.NoError(t, err)
	oldIDs := chunkIDs(t, f.store, v1.ID)

	v2 := f.save(t, "https://acme.com/security", "Acme stores backups in two regions. Backups are encrypted.")
	require.Equal(t, v1.ID, v2.PreviousVersionID)
	stats, err := f.pipeline.Process(ctx, v2.ID)
	require.NoError(t, err)
	assert.Equal(t, stats.Embedded, f.indexed(t))

	vec, err := embeddings.NewHashProvider(dim).EmbedQuery(ctx, "encrypted at rest")
	require.NoError(t, err)
	matches, err := f.index.Query(ctx, f.vendor.ID, vec, 10)
	require.NoError(t, err)
	for _, m := range matches {
		assert.NotContains(t, oldIDs, m.ChunkID)
		assert.Equal(t, v2.ID, m.DocumentID)
	}
}

func chunkIDs(t *testing.T, st *store.Store, documentID string) []string {
	t.Helper()
	chunks, err := st.ListChunks(context.Background(), documentID)
	require.NoError(t, err)
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	return ids
}

func TestProcess_EvictsVersionsSkippedBeforeIndexing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const url = "https://acme.com/security"

	v1 := f.save(t, url, securityPage)
	_, err := f.pipeline.Process(ctx, v1.ID)
	require.NoError(t, err)
	require.NotEmpty(t, chunkIDs(t, f.store, v1.ID))

	// v2 is superseded by v3 before the pipeline reaches it.
	v2 := f.save(t, url, "Acme stores backups in two regions.")
	v3 := f.save(t, url, "Acme stores backups in three regions. Backups are encrypted with customer keys.")
	require.Equal(t, v2.ID, v3.PreviousVersionID)

	stats, err := f.pipeline.Process(ctx, v2.ID)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)

	stats, err = f.pipeline.Process(ctx, v3.ID)
	require.NoError(t, err)
	require.Positive(t, stats.Embedded)

	live, err := f.store.CountEmbeddedChunks(ctx, f.vendor.ID)
	require.NoError(t, err)
	assert.Equal(t, live, f.indexed(t))
	assert.Equal(t, stats.Embedded, f.indexed(t))

	stale, err := f.store.SupersededChunkIDs(ctx, f.vendor.ID, v3.URLHash)
	require.NoError(t, err)
	assert.ElementsMatch(t, chunkIDs(t, f.store, v1.ID), stale)
}

func TestProcess_SupersededVersionIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1 := f.save(t, "https://acme.com/security", securityPage)
	f.save(t, "https://acme.com/security", "Rewritten page.")

	stats, err := f.pipeline.Process(ctx, v1.ID)
	require.NoError(t, err)
	assert.True(t, stats.Skipped)

	got, err := f.store.GetDocument(ctx, v1.ID)
	require.NoError(t, err)
	assert.Equal(t, store.IndexIndexed, got.IndexState)
	chunks, err := f.store.ListChunks(ctx, v1.ID)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	assert.Zero(t, f.indexed(t))
}

func TestProcess_FailedChunksAreExcluded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.save(t, "https://acme.com/security", securityPage+" A poison pill sentence closes the page.")

	stats, err := f.pipeline.Process(ctx, doc.ID)
	require.NoError(t, err)
	assert.Positive(t, stats.Embedded)
	assert.Positive(t, stats.Unembedded)
	assert.Equal(t, stats.Chunks, stats.Embedded+stats.Unembedded)
	assert.Equal(t, stats.Embedded, f.indexed(t))

	failed, err := f.store.ListChunks(ctx, doc.ID, store.EmbedUnembedded)
	require.NoError(t, err)
	require.Len(t, failed, stats.Unembedded)
	for _, c := range failed {
		assert.Contains(t, c.Text, "poison")
		assert.Equal(t, 1, c.Attempts)
	}

	got, err := f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.IndexIndexed, got.IndexState)
}

func TestProcess_EmbedFailureLeavesDocumentResumable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.save(t, "https://acme.com/security", securityPage)

	broken := New(f.store, chunker.New(chunker.WithChunkSize(120), chunker.WithOverlap(20)),
		brokenEmbedder{err: context.Canceled}, f.index, nil)
	_, err := broken.Process(ctx, doc.ID)
	require.ErrorIs(t, err, context.Canceled)

	got, err := f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.IndexChunked, got.IndexState)
	assert.Zero(t, f.indexed(t))

	require.NoError(t, f.pipeline.Resume(ctx))
	got, err = f.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.IndexIndexed, got.IndexState)
	assert.Positive(t, f.indexed(t))
}

func TestResume_FinishesPendingAndChunked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.save(t, "https://acme.com/security", securityPage)
	chunked := f.save(t, "https://acme.com/privacy", "We never sell personal data to advertisers.")
	_, err := f.store.ReplaceChunks(ctx, chunked.ID, f.vendor.ID, []store.ChunkInput{
		{Index: 0, Length: len(chunked.Content), Text: chunked.Content},
	})
	require.NoError(t, err)

	require.NoError(t, f.pipeline.Resume(ctx))

	left, err := f.store.DocumentsInState(ctx, store.IndexPending, store.IndexChunked)
	require.NoError(t, err)
	assert.Empty(t, left)

	for _, id := range []string{pending.ID, chunked.ID} {
		chunks, err := f.store.ListChunks(ctx, id, store.EmbedEmbedded)
		require.NoError(t, err)
		assert.NotEmpty(t, chunks)
	}
	require.NoError(t, f.pipeline.Resume(ctx))
}

func TestProcessAll_ContinuesPastFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.save(t, "https://acme.com/security", securityPage)

	stats, err := f.pipeline.ProcessAll(ctx, []string{"missing", doc.ID})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Positive(t, stats.Embedded)
	assert.Equal(t, stats.Embedded, f.indexed(t))
}

func TestRebuild_RestoresIndexFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.save(t, "https://acme.com/security", securityPage)
	stats, err := f.pipeline.Process(ctx, doc.ID)
	require.NoError(t, err)

	require.NoError(t, f.index.DeleteVendor(ctx, f.vendor.ID))
	require.Zero(t, f.indexed(t))

	n, err := f.pipeline.Rebuild(ctx, f.vendor.ID)
	require.NoError(t, err)
	assert.Equal(t, stats.Embedded, n)
	assert.Equal(t, n, f.indexed(t))
}
