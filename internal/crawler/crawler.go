// Package crawler discovers and fetches a vendor's trust documentation:
// a bounded breadth-first traversal of the vendor domain that writes every
// fetched page to the document store.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/config"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

const instrumentationName = "github.com/ShalakaSonawane1/vendorscope/internal/crawler"

// ErrNoDocuments is returned when a crawl obtained no page at all.
var ErrNoDocuments = errors.New("no documents obtained")

// Config bounds a crawl.
type Config struct {
	UserAgent         string
	MaxDepth          int
	MaxPages          int
	RequestTimeout    time.Duration
	MinDelay          time.Duration
	MaxAttempts       int
	RetryBackoff      time.Duration
	MaxBodyBytes      int64
	AllowPrivateHosts bool
	AllowedSeedHosts  []string
}

// ConfigFromSettings converts loaded configuration.
func ConfigFromSettings(c config.CrawlerConfig) Config {
	return Config{
		UserAgent:         c.UserAgent,
		MaxDepth:          c.MaxDepth,
		MaxPages:          c.MaxPages,
		RequestTimeout:    c.RequestTimeout.Duration(),
		MinDelay:          c.MinDelay.Duration(),
		MaxAttempts:       c.MaxAttempts,
		RetryBackoff:      c.RetryBackoff.Duration(),
		MaxBodyBytes:      c.MaxBodyBytes,
		AllowPrivateHosts: c.AllowPrivateHosts,
		AllowedSeedHosts:  c.AllowedSeedHosts,
	}
}

func (c *Config) applyDefaults() {
	if c.UserAgent == "" {
		c.UserAgent = "VendorScope/1.0 (Vendor Risk Analysis Bot)"
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 2
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 50
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 500 * time.Millisecond
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 5 << 20
	}
}

// Sink persists crawl results. *store.Store implements it.
type Sink interface {
	ResetURLs(ctx context.Context, vendorID string) error
	UpsertDiscoveredURL(ctx context.Context, vendorID, url string, depth int, sourceURL string, origin store.URLOrigin) (bool, error)
	MarkURL(ctx context.Context, vendorID, url string, status store.URLStatus, attempts int, lastErr string) error
	SaveDocument(ctx context.Context, in store.DocumentInput) (*store.Document, bool, error)
}

// Target identifies the vendor being crawled.
type Target struct {
	VendorID string
	Domain   string
	SeedURLs []string
}

// Result summarizes one crawl.
type Result struct {
	store.JobCounters
	Discovered  []store.DiscoveredURL
	DocumentIDs []string
}

// Fetched is one fetched and extracted page.
type Fetched struct {
	URL          string
	Title        string
	Text         string
	DocumentType string
	StatusCode   int
	Links        []Link
	TrustPage    bool
	Attempts     int
}

// Crawler runs vendor crawls.
type Crawler struct {
	cfg       Config
	fetcher   *Fetcher
	extractor *Extractor
	limiter   *HostLimiter
	logger    *zap.Logger
	tracer    trace.Tracer
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithFetcher replaces the default fetcher.
func WithFetcher(f *Fetcher) Option {
	return func(c *Crawler) { c.fetcher = f }
}

// WithLimiter shares a host limiter across crawlers.
func WithLimiter(l *HostLimiter) Option {
	return func(c *Crawler) { c.limiter = l }
}

// New creates a crawler.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Crawler {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Crawler{
		cfg:       cfg,
		extractor: NewExtractor(),
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		sleep:     sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fetcher == nil {
		c.fetcher = NewFetcher(cfg.RequestTimeout, cfg.UserAgent, cfg.MaxBodyBytes, cfg.AllowPrivateHosts)
	}
	if c.limiter == nil {
		c.limiter = NewHostLimiter(cfg.MinDelay)
	}
	return c
}

// Scope returns the crawl scope for a vendor domain under this crawler's allow-list.
func (c *Crawler) Scope(domain string) *Scope {
	return NewScope(domain, c.cfg.AllowedSeedHosts)
}

type queued struct {
	url    string
	depth  int
	source string
}

// Crawl discovers and fetches the target's trust pages breadth-first and
// writes them through sink. Individual URL failures are recorded and absorbed;
// the crawl fails with ErrNoDocuments only when no page was obtained.
func (c *Crawler) Crawl(ctx context.Context, t Target, sink Sink) (*Result, error) {
	ctx, span := c.tracer.Start(ctx, "crawler.crawl")
	defer span.End()
	span.SetAttributes(attribute.String("vendor.id", t.VendorID), attribute.String("vendor.domain", t.Domain))

	log := c.logger.With(zap.String("vendor.id", t.VendorID), zap.String("domain", t.Domain))
	scope := c.Scope(t.Domain)

	if err := sink.ResetURLs(ctx, t.VendorID); err != nil {
		return nil, fmt.Errorf("resetting urls: %w", err)
	}

	res := &Result{}
	seen := make(map[string]int)
	var queue []queued

	mark := func(u string, status store.URLStatus, attempts int, lastErr string) error {
		if i, ok := seen[u]; ok {
			res.Discovered[i].Status = status
			res.Discovered[i].Attempts = attempts
			res.Discovered[i].LastError = lastErr
		}
		if err := sink.MarkURL(ctx, t.VendorID, u, status, attempts, lastErr); err != nil {
			return fmt.Errorf("marking %s: %w", u, err)
		}
		return nil
	}

	enqueue := func(u string, depth int, source string, origin store.URLOrigin) error {
		if _, ok := seen[u]; ok || len(seen) >= c.cfg.MaxPages {
			return nil
		}
		seen[u] = len(res.Discovered)
		if _, err := sink.UpsertDiscoveredURL(ctx, t.VendorID, u, depth, source, origin); err != nil {
			return fmt.Errorf("recording %s: %w", u, err)
		}
		res.PagesDiscovered++
		res.Discovered = append(res.Discovered, store.DiscoveredURL{
			VendorID: t.VendorID, URL: u, Depth: depth, SourceURL: source, Origin: origin, Status: store.URLPending,
		})
		queue = append(queue, queued{url: u, depth: depth, source: source})
		return nil
	}

	base := "https://" + scope.Domain()
	var seeds []string
	for _, raw := range t.SeedURLs {
		n, err := NormalizeURL("", raw)
		if err != nil || !scope.AllowsSeed(n) {
			log.Warn("ignoring seed outside crawl scope", zap.String("url", raw))
			continue
		}
		if scope.Contains(n) && len(seeds) == 0 {
			if u, err := url.Parse(n); err == nil {
				base = u.Scheme + "://" + u.Host
			}
		}
		seeds = append(seeds, n)
	}
	if len(seeds) == 0 {
		seeds = append(seeds, base+"/")
	}
	for _, s := range seeds {
		origin := store.OriginSeed
		if !scope.Contains(s) {
			origin = store.OriginAllowedSeed
		}
		if err := enqueue(s, 0, "", origin); err != nil {
			return nil, err
		}
	}
	for _, p := range TrustPaths {
		if err := enqueue(base+p, 1, "", store.OriginTrustPath); err != nil {
			return nil, err
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		item := queue[0]
		queue = queue[1:]

		page, err := c.Fetch(ctx, item.url)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			status := store.URLFailed
			if errors.Is(err, ErrNotHTML) {
				status = store.URLSkipped
				res.PagesSkipped++
			} else {
				res.PagesFailed++
			}
			PagesTotal.WithLabelValues(string(status)).Inc()
			attempts := 1
			var fe *FetchError
			if errors.As(err, &fe) && fe.Transient {
				attempts = c.cfg.MaxAttempts
			}
			log.Debug("page not fetched", zap.String("url", item.url), zap.String("status", string(status)), zap.Error(err))
			if err := mark(item.url, status, attempts, err.Error()); err != nil {
				return res, err
			}
			continue
		}

		if page.Text == "" {
			res.PagesSkipped++
			PagesTotal.WithLabelValues(string(store.URLSkipped)).Inc()
			if err := mark(item.url, store.URLSkipped, page.Attempts, "no readable content"); err != nil {
				return res, err
			}
			continue
		}

		doc, created, err := sink.SaveDocument(ctx, store.DocumentInput{
			VendorID:     t.VendorID,
			URL:          item.url,
			Title:        page.Title,
			DocumentType: page.DocumentType,
			Content:      page.Text,
			HTTPStatus:   page.StatusCode,
		})
		if err != nil {
			return res, fmt.Errorf("saving document %s: %w", item.url, err)
		}
		res.PagesFetched++
		PagesTotal.WithLabelValues(string(store.URLFetched)).Inc()
		if created {
			res.DocumentsCreated++
			res.DocumentIDs = append(res.DocumentIDs, doc.ID)
			DocumentsTotal.WithLabelValues("created").Inc()
		} else {
			res.DocumentsUnchanged++
			DocumentsTotal.WithLabelValues("unchanged").Inc()
		}
		if err := mark(item.url, store.URLFetched, page.Attempts, ""); err != nil {
			return res, err
		}

		if item.depth >= c.cfg.MaxDepth {
			continue
		}
		for _, link := range page.Links {
			if !scope.Follows(link.URL) || !IsTrustLink(link.URL, link.Text) {
				continue
			}
			if err := enqueue(link.URL, item.depth+1, item.url, store.OriginLink); err != nil {
				return res, err
			}
		}
	}

	span.SetAttributes(
		attribute.Int("pages.discovered", res.PagesDiscovered),
		attribute.Int("pages.fetched", res.PagesFetched),
		attribute.Int("pages.failed", res.PagesFailed),
		attribute.Int("documents.created", res.DocumentsCreated),
	)
	log.Info("crawl finished",
		zap.Int("discovered", res.PagesDiscovered),
		zap.Int("fetched", res.PagesFetched),
		zap.Int("failed", res.PagesFailed),
		zap.Int("skipped", res.PagesSkipped),
		zap.Int("created", res.DocumentsCreated),
		zap.Int("unchanged", res.DocumentsUnchanged))

	if res.PagesFetched == 0 {
		span.SetStatus(codes.Error, ErrNoDocuments.Error())
		return res, fmt.Errorf("crawling %s: %w", t.Domain, ErrNoDocuments)
	}
	return res, nil
}

// Fetch retrieves and extracts one page, waiting on the host limiter before
// every attempt and retrying transient failures with exponential backoff.
func (c *Crawler) Fetch(ctx context.Context, rawURL string) (*Fetched, error) {
	ctx, span := c.tracer.Start(ctx, "crawler.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("url", rawURL))

	start := time.Now()
	defer func() { FetchDuration.Observe(time.Since(start).Seconds()) }()

	var (
		resp *Response
		err  error
		n    int
	)
	for n = 1; n <= c.cfg.MaxAttempts; n++ {
		if err = c.limiter.Wait(ctx, rawURL); err != nil {
			return nil, err
		}
		resp, err = c.fetcher.Fetch(ctx, rawURL)
		if err == nil || !IsTransient(err) || n == c.cfg.MaxAttempts {
			break
		}
		backoff := c.cfg.RetryBackoff * time.Duration(1<<(n-1))
		c.logger.Debug("retrying fetch", zap.String("url", rawURL), zap.Int("attempt", n), zap.Duration("backoff", backoff), zap.Error(err))
		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	page, err := c.extractor.Extract(resp.Body, resp.FinalURL)
	if err != nil {
		return nil, &FetchError{URL: rawURL, StatusCode: 0, Err: err}
	}
	return &Fetched{
		URL:          rawURL,
		Title:        page.Title,
		Text:         page.Text,
		DocumentType: ClassifyDocument(rawURL, page.Text),
		StatusCode:   resp.StatusCode,
		Links:        page.Links,
		TrustPage:    IsTrustPage(rawURL, page.Text),
		Attempts:     min(n, c.cfg.MaxAttempts),
	}, nil
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
