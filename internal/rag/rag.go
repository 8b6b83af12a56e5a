// Package rag answers vendor risk questions from indexed trust documentation.
//
// An answer is built in three steps: the query is embedded and each vendor's
// partition of the similarity index is searched for its top-K chunks; the
// best chunks that fit the context budget are rendered into a prompt; the
// completion model writes the answer. Confidence and risk are derived from the
// retrieval signal and keyword heuristics, never from model self-assessment,
// so both are reproducible for the same evidence.
package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/apperr"
	"github.com/ShalakaSonawane1/vendorscope/internal/config"
	"github.com/ShalakaSonawane1/vendorscope/internal/embeddings"
	"github.com/ShalakaSonawane1/vendorscope/internal/llm"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
	"github.com/ShalakaSonawane1/vendorscope/internal/vectorstore"
)

const instrumentationName = "github.com/ShalakaSonawane1/vendorscope/internal/rag"

// excerptLength is the number of characters of chunk text quoted in a citation.
const excerptLength = 200

// MaxQueryLength bounds a question in characters.
const MaxQueryLength = 2000

// Confidence is the reliability class of an answer.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Store is the persistence the engine reads and writes.
type Store interface {
	GetVendor(ctx context.Context, id string) (*store.Vendor, error)
	CountEmbeddedChunks(ctx context.Context, vendorID string) (int, error)
	GetChunkRefs(ctx context.Context, ids []string) (map[string]store.ChunkRef, error)
	UpdateVendorRisk(ctx context.Context, id string, level store.RiskLevel, summary string, compliance map[string]bool) error
	SaveQuery(ctx context.Context, q *store.QueryRecord) error
}

// Config tunes retrieval.
type Config struct {
	// TopK is the number of chunks retrieved per vendor.
	TopK int
	// MinRelevance is the similarity below which evidence does not count.
	MinRelevance float64
	// HighRelevance is the top similarity required for high confidence.
	HighRelevance float64
	// MaxContextChars bounds the chunk text placed in one prompt.
	MaxContextChars int
	// MaxParallelSearches bounds concurrent per-vendor index queries.
	MaxParallelSearches int
}

// ConfigFromSettings converts the loaded configuration section.
func ConfigFromSettings(c config.RetrievalConfig) Config {
	return Config{
		TopK:                c.TopK,
		MinRelevance:        c.MinRelevance,
		HighRelevance:       c.HighRelevance,
		MaxContextChars:     c.MaxContextChars,
		MaxParallelSearches: c.MaxParallelSearches,
	}
}

func (c *Config) applyDefaults() {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.MinRelevance <= 0 {
		c.MinRelevance = 0.25
	}
	if c.HighRelevance <= 0 {
		c.HighRelevance = 0.55
	}
	if c.MaxContextChars <= 0 {
		c.MaxContextChars = 12000
	}
	if c.MaxParallelSearches <= 0 {
		c.MaxParallelSearches = 4
	}
}

// Request is a question scoped to a set of vendors.
type Request struct {
	Query          string
	VendorIDs      []string
	IncludeSources bool
	// IncludeRiskAssessment defaults to true when nil. A query that mentions
	// risk always gets an assessment.
	IncludeRiskAssessment *bool
}

// Citation points at a chunk that was part of the prompt context.
type Citation struct {
	ChunkID        string  `json:"-"`
	VendorID       string  `json:"-"`
	DocumentID     string  `json:"document_id"`
	URL            string  `json:"url"`
	Title          string  `json:"title,omitempty"`
	Excerpt        string  `json:"excerpt"`
	RelevanceScore float64 `json:"relevance_score"`
}

// Metadata describes how an answer was produced.
type Metadata struct {
	SourcesUsed            int      `json:"sources_used"`
	VendorsAnalyzed        int      `json:"vendors_analyzed"`
	VendorsWithoutEvidence []string `json:"vendors_without_evidence"`
	TopRelevance           float64  `json:"top_relevance"`
	Degraded               bool     `json:"degraded"`
}

// Answer is the response to a Request.
type Answer struct {
	ID               string          `json:"id"`
	Query            string          `json:"query"`
	Answer           string          `json:"answer"`
	RiskAssessment   store.RiskLevel `json:"risk_assessment,omitempty"`
	ConfidenceLevel  Confidence      `json:"confidence_level"`
	Citations        []Citation      `json:"citations"`
	Metadata         Metadata        `json:"metadata"`
	ProcessingTimeMS int64           `json:"processing_time_ms"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Engine retrieves evidence and writes answers.
type Engine struct {
	store     Store
	index     vectorstore.Index
	embedder  embeddings.QueryEmbedder
	completer llm.Completer
	fallback  llm.Completer
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithFallback replaces the completer used when the primary one fails.
func WithFallback(c llm.Completer) Option {
	return func(e *Engine) { e.fallback = c }
}

// New creates an engine.
func New(st Store, index vectorstore.Index, embedder embeddings.QueryEmbedder, completer llm.Completer, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	e := &Engine{
		store:     st,
		index:     index,
		embedder:  embedder,
		completer: completer,
		fallback:  llm.NewExtractive(),
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ask answers a question about one or more vendors. Validation happens before
// any retrieval; unknown vendors are NotFound. A completion failure degrades
// to an extractive answer instead of failing the request.
func (e *Engine) Ask(ctx context.Context, req Request) (ans *Answer, err error) {
	const op = "rag.Ask"
	start := e.now()

	ctx, span := e.tracer.Start(ctx, "rag.ask")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, apperr.Message(err))
		}
	}()

	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, apperr.Validation(op, "query must not be empty")
	}
	if utf8.RuneCountInString(query) > MaxQueryLength {
		return nil, apperr.Validation(op, "query must be at most %d characters", MaxQueryLength)
	}
	vendorIDs, err := NormalizeIDs(op, req.VendorIDs)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("vendors.count", len(vendorIDs)))

	vendors, err := e.LoadVendors(ctx, op, vendorIDs)
	if err != nil {
		return nil, err
	}

	analysis, err := e.Analyze(ctx, query, vendors)
	if err != nil {
		return nil, err
	}

	ans = &Answer{
		ID:              uuid.New().String(),
		Query:           query,
		Answer:          analysis.Text,
		ConfidenceLevel: analysis.Confidence,
		Citations:       []Citation{},
		Metadata: Metadata{
			SourcesUsed:            len(analysis.Evidence),
			VendorsAnalyzed:        len(vendors),
			VendorsWithoutEvidence: analysis.VendorsWithoutEvidence,
			TopRelevance:           analysis.TopRelevance,
			Degraded:               analysis.Degraded,
		},
	}
	citations := analysis.Citations()
	if req.IncludeSources {
		ans.Citations = citations
	}

	if wantsRisk(req, query) {
		ans.RiskAssessment = e.assessRisk(ctx, vendors, analysis)
	}

	ans.CreatedAt = e.now().UTC()
	ans.ProcessingTimeMS = ans.CreatedAt.Sub(start).Milliseconds()

	chunkIDs := make([]string, len(citations))
	for i, c := range citations {
		chunkIDs[i] = c.ChunkID
	}
	record := &store.QueryRecord{
		ID:               ans.ID,
		Kind:             "ask",
		Query:            query,
		VendorIDs:        vendorIDs,
		Citations:        chunkIDs,
		Confidence:       string(ans.ConfidenceLevel),
		ProcessingTimeMS: ans.ProcessingTimeMS,
		CreatedAt:        ans.CreatedAt,
	}
	if err := e.store.SaveQuery(ctx, record); err != nil {
		e.logger.Warn("failed to record query", zap.String("query_id", ans.ID), zap.Error(err))
	}

	QueriesTotal.WithLabelValues(string(ans.ConfidenceLevel)).Inc()
	AnswerDuration.Observe(ans.CreatedAt.Sub(start).Seconds())
	e.logger.Info("query answered",
		zap.String("query_id", ans.ID),
		zap.Int("vendors", len(vendors)),
		zap.Int("sources", len(analysis.Evidence)),
		zap.String("confidence", string(ans.ConfidenceLevel)),
		zap.Bool("degraded", analysis.Degraded),
		zap.Int64("processing_time_ms", ans.ProcessingTimeMS))
	return ans, nil
}

// LoadVendors resolves vendor ids, failing with NotFound on the first unknown id.
func (e *Engine) LoadVendors(ctx context.Context, op string, ids []string) ([]*store.Vendor, error) {
	vendors := make([]*store.Vendor, 0, len(ids))
	for _, id := range ids {
		v, err := e.store.GetVendor(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(op, "vendor %s not found", id)
		}
		if err != nil {
			return nil, fmt.Errorf("loading vendor %s: %w", id, err)
		}
		vendors = append(vendors, v)
	}
	return vendors, nil
}

// assessRisk classifies the overall risk and records a per-vendor assessment
// for every vendor that contributed evidence.
func (e *Engine) assessRisk(ctx context.Context, vendors []*store.Vendor, a *Analysis) store.RiskLevel {
	overall := Assess(a.EvidenceTexts(""), a.Text)

	for _, v := range vendors {
		texts := a.EvidenceTexts(v.ID)
		if len(texts) == 0 {
			continue
		}
		completion := ""
		if len(vendors) == 1 {
			completion = a.Text
		}
		va := Assess(texts, completion)
		compliance := mergeCompliance(v.ComplianceStatus, va.Compliance)
		if err := e.store.UpdateVendorRisk(ctx, v.ID, va.Level, va.Summary(), compliance); err != nil {
			e.logger.Warn("failed to update vendor risk", zap.String("vendor_id", v.ID), zap.Error(err))
			continue
		}
		v.CurrentRiskLevel = va.Level
		v.ComplianceStatus = compliance
	}
	return overall.Level
}

// mergeCompliance keeps previously evidenced frameworks; new evidence can only
// add to them.
func mergeCompliance(current, found map[string]bool) map[string]bool {
	out := make(map[string]bool, len(current)+len(found))
	for k, v := range current {
		out[k] = v
	}
	for k, v := range found {
		if v {
			out[k] = true
		}
	}
	return out
}

func wantsRisk(req Request, query string) bool {
	if req.IncludeRiskAssessment == nil || *req.IncludeRiskAssessment {
		return true
	}
	return strings.Contains(strings.ToLower(query), "risk")
}

// NormalizeIDs trims and de-duplicates vendor ids, preserving order. An
// empty list or an empty id is a validation error.
func NormalizeIDs(op string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, apperr.Validation(op, "vendor_ids must not be empty")
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, apperr.Validation(op, "vendor_ids must not contain empty ids")
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}
