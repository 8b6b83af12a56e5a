package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

// handlerTransport serves every request from an in-memory handler so tests
// can crawl real-looking domains.
type handlerTransport struct {
	h http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.h.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

func htmlPage(title, body string) string {
	return fmt.Sprintf(`<!doctype html><html><head><title>%s</title><script>var x = 1;</script></head>
<body><nav><a href="/login">Log in</a></nav><main>%s</main><footer>Copyright</footer></body></html>`, title, body)
}

func serveHTML(content string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, content)
	}
}

func acmeSite() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/privacy", serveHTML(htmlPage("Acme Privacy Policy", `
		<h1>Privacy Policy</h1>
		<p>Acme does not sell personal data. We share data with third parties only as listed in our subprocessor list.</p>
		<p>See our <a href="/legal/dpa">data processing agreement</a> and <a href="/pricing">pricing</a>.</p>
		<p><a href="https://other.com/security">Partner security</a> <a href="/privacy#top">Top</a></p>`)))
	mux.HandleFunc("/legal/dpa", serveHTML(htmlPage("Acme DPA", `
		<h1>Data Processing Agreement</h1>
		<p>Customer data is encrypted at rest with AES-256 and in transit with TLS 1.2 or higher.</p>`)))
	mux.HandleFunc("/pricing", serveHTML(htmlPage("Pricing", "<p>Plans start at $10.</p>")))
	mux.HandleFunc("/security", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		fmt.Fprint(w, "%PDF-1.4")
	})
	return mux
}

func newTestCrawler(t *testing.T, h http.Handler, cfg Config) *Crawler {
	t.Helper()
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	f := NewFetcher(time.Second, "test-agent", 1<<20, true,
		WithHTTPClient(&http.Client{Transport: handlerTransport{h: h}}))
	return New(cfg, zap.NewNop(), WithFetcher(f), WithLimiter(NewHostLimiter(0)))
}

func newTestStore(t *testing.T) (*store.Store, *store.Vendor) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	v := &store.Vendor{Name: "Acme", Domain: "acme.com", IsActive: true, SeedURLs: []string{"https://acme.com/privacy"}}
	require.NoError(t, s.CreateVendor(context.Background(), v))
	return s, v
}

func TestCrawl_DiscoversTrustPagesWithinDomain(t *testing.T) {
	s, v := newTestStore(t)
	c := newTestCrawler(t, acmeSite(), Config{})
	ctx := context.Background()

	res, err := c.Crawl(ctx, Target{VendorID: v.ID, Domain: v.Domain, SeedURLs: v.SeedURLs}, s)
	require.NoError(t, err)

	assert.Equal(t, 2, res.PagesFetched)
	assert.Equal(t, 2, res.DocumentsCreated)
	assert.Equal(t, 1, res.PagesSkipped, "the pdf at /security is skipped")
	assert.Len(t, res.DocumentIDs, 2)

	urls, err := s.ListURLs(ctx, v.ID)
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, u := range urls {
		assert.True(t, strings.HasPrefix(u.URL, "https://acme.com/"), "leaked url %s", u.URL)
		assert.False(t, seen[u.URL], "duplicate url %s", u.URL)
		seen[u.URL] = true
	}
	assert.True(t, seen["https://acme.com/legal/dpa"])
	assert.False(t, seen["https://acme.com/pricing"], "non-trust links are not followed")

	byURL := make(map[string]store.DiscoveredURL)
	for _, u := range res.Discovered {
		byURL[u.URL] = u
	}
	assert.Equal(t, store.URLFetched, byURL["https://acme.com/privacy"].Status)
	assert.Equal(t, "https://acme.com/privacy", byURL["https://acme.com/legal/dpa"].SourceURL)
	assert.Equal(t, store.URLSkipped, byURL["https://acme.com/security"].Status)
	assert.Equal(t, store.URLFailed, byURL["https://acme.com/trust"].Status)

	docs, err := s.ListDocuments(ctx, v.ID, true)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	for _, d := range docs {
		assert.NotContains(t, d.Content, "var x")
		assert.NotContains(t, d.Content, "Log in")
		if d.URL == "https://acme.com/privacy" {
			assert.Equal(t, TypePrivacyPolicy, d.DocumentType)
			assert.Equal(t, "Acme Privacy Policy", d.Title)
			assert.Contains(t, d.Content, "third parties")
		}
	}
}

func TestCrawl_RecrawlUnchangedCreatesNoVersions(t *testing.T) {
	s, v := newTestStore(t)
	c := newTestCrawler(t, acmeSite(), Config{})
	ctx := context.Background()
	target := Target{VendorID: v.ID, Domain: v.Domain, SeedURLs: v.SeedURLs}

	_, err := c.Crawl(ctx, target, s)
	require.NoError(t, err)
	res, err := c.Crawl(ctx, target, s)
	require.NoError(t, err)

	assert.Equal(t, 0, res.DocumentsCreated)
	assert.Equal(t, 2, res.DocumentsUnchanged)
	all, err := s.ListDocuments(ctx, v.ID, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestCrawl_NoDocuments(t *testing.T) {
	s, v := newTestStore(t)
	c := newTestCrawler(t, http.NotFoundHandler(), Config{})

	res, err := c.Crawl(context.Background(), Target{VendorID: v.ID, Domain: v.Domain}, s)
	require.ErrorIs(t, err, ErrNoDocuments)
	assert.Equal(t, 0, res.PagesFetched)
	assert.Equal(t, res.PagesDiscovered, res.PagesFailed)
}

func TestCrawl_RespectsMaxPages(t *testing.T) {
	s, v := newTestStore(t)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var b strings.Builder
		for i := 0; i < 30; i++ {
			fmt.Fprintf(&b, `<a href="/policies/p%d">policy %d</a> `, i, i)
		}
		serveHTML(htmlPage("Policies", "<p>Security policy index.</p>"+b.String()))(w, r)
	})
	c := newTestCrawler(t, mux, Config{MaxPages: 10})

	res, err := c.Crawl(context.Background(), Target{VendorID: v.ID, Domain: v.Domain}, s)
	require.NoError(t, err)
	assert.Equal(t, 10, res.PagesDiscovered)
	assert.LessOrEqual(t, res.PagesFetched, 10)
}

func TestCrawl_IgnoresSeedsOutsideScope(t *testing.T) {
	s, v := newTestStore(t)
	c := newTestCrawler(t, acmeSite(), Config{})

	res, err := c.Crawl(context.Background(),
		Target{VendorID: v.ID, Domain: v.Domain, SeedURLs: []string{"https://evil.com/privacy", "https://acme.com/privacy"}}, s)
	require.NoError(t, err)
	for _, u := range res.Discovered {
		assert.NotContains(t, u.URL, "evil.com")
	}
}

func TestCrawl_AllowListedForeignSeed(t *testing.T) {
	s, v := newTestStore(t)
	mux := acmeSite()
	mux.HandleFunc("/acme/trust", serveHTML(htmlPage("Acme on TrustHub", `<p>Security overview.</p>
		<a href="https://trusthub.io/other/security">Other vendor</a>
		<a href="https://acme.com/legal/dpa">Acme DPA</a>`)))
	c := newTestCrawler(t, mux, Config{AllowedSeedHosts: []string{"trusthub.io"}})

	res, err := c.Crawl(context.Background(),
		Target{VendorID: v.ID, Domain: v.Domain, SeedURLs: []string{"https://trusthub.io/acme/trust"}}, s)
	require.NoError(t, err)

	var urls []string
	for _, u := range res.Discovered {
		urls = append(urls, u.URL)
	}
	assert.Contains(t, urls, "https://trusthub.io/acme/trust")
	assert.Contains(t, urls, "https://acme.com/legal/dpa")
	assert.NotContains(t, urls, "https://trusthub.io/other/security")

	stored, err := s.ListURLs(context.Background(), v.ID)
	require.NoError(t, err)
	origins := make(map[string]store.URLOrigin)
	for _, u := range stored {
		origins[u.URL] = u.Origin
		if !strings.HasPrefix(u.URL, "https://acme.com/") {
			assert.Equal(t, store.OriginAllowedSeed, u.Origin, "only allow-listed seeds leave the vendor domain: %s", u.URL)
		}
	}
	assert.Equal(t, store.OriginAllowedSeed, origins["https://trusthub.io/acme/trust"])
	assert.Equal(t, store.OriginLink, origins["https://acme.com/legal/dpa"])
	assert.Equal(t, store.OriginTrustPath, origins["https://acme.com/privacy"])
}

func TestFetch_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		serveHTML(htmlPage("Trust", "<p>We are SOC 2 certified.</p>"))(w, r)
	})
	c := newTestCrawler(t, h, Config{MaxAttempts: 3})

	page, err := c.Fetch(context.Background(), "https://acme.com/trust")
	require.NoError(t, err)
	assert.Equal(t, 3, page.Attempts)
	assert.Equal(t, TypeTrustCenter, page.DocumentType)
	assert.True(t, page.TrustPage)
}

func TestFetch_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	c := newTestCrawler(t, h, Config{MaxAttempts: 3})

	_, err := c.Fetch(context.Background(), "https://acme.com/trust")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetch_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	})
	c := newTestCrawler(t, h, Config{MaxAttempts: 3})

	_, err := c.Fetch(context.Background(), "https://acme.com/trust")
	require.Error(t, err)
	assert.False(t, IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcher_RealServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/big":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, strings.Repeat("a", 2048))
		case "/image":
			w.Header().Set("Content-Type", "image/png")
			fmt.Fprint(w, "png")
		default:
			assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
			serveHTML(htmlPage("Home", "<p>hi</p>"))(w, r)
		}
	}))
	defer srv.Close()

	f := NewFetcher(time.Second, "test-agent", 1024, true)
	ctx := context.Background()

	resp, err := f.Fetch(ctx, srv.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = f.Fetch(ctx, srv.URL+"/image")
	assert.ErrorIs(t, err, ErrNotHTML)

	_, err = f.Fetch(ctx, srv.URL+"/big")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")
}

func TestFetcher_BlocksPrivateAddresses(t *testing.T) {
	srv := httptest.NewServer(serveHTML("<p>internal</p>"))
	defer srv.Close()

	f := NewFetcher(time.Second, "test-agent", 1024, false)
	_, err := f.Fetch(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "private IP")
	assert.False(t, IsTransient(err))
}
