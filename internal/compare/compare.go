// Package compare scores vendors side by side on chosen aspects.
//
// Each vendor and aspect pair is answered by the retrieval engine scoped to
// that vendor. Scores come from the same keyword heuristic that classifies
// risk, so two vendors are compared on identical terms. A single completion
// writes the cross-vendor summary and recommendation.
package compare

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShalakaSonawane1/vendorscope/internal/apperr"
	"github.com/ShalakaSonawane1/vendorscope/internal/config"
	"github.com/ShalakaSonawane1/vendorscope/internal/llm"
	"github.com/ShalakaSonawane1/vendorscope/internal/rag"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

const instrumentationName = "github.com/ShalakaSonawane1/vendorscope/internal/compare"

const (
	maxAspects = 6

	RatingGood             = "Good"
	RatingAdequate         = "Adequate"
	RatingNeedsImprovement = "Needs Improvement"
	RatingNotAssessed      = "Not Assessed"
)

// Analyzer answers a question scoped to vendors.
type Analyzer interface {
	LoadVendors(ctx context.Context, op string, ids []string) ([]*store.Vendor, error)
	Analyze(ctx context.Context, question string, vendors []*store.Vendor) (*rag.Analysis, error)
}

// Recorder persists the audit record of a comparison.
type Recorder interface {
	SaveQuery(ctx context.Context, q *store.QueryRecord) error
}

// Config bounds a comparison.
type Config struct {
	MaxVendors     int
	DefaultAspects []string
	// MaxConcurrency caps simultaneous vendor and aspect analyses.
	MaxConcurrency int
}

// ConfigFromSettings converts the loaded configuration section.
func ConfigFromSettings(c config.CompareConfig) Config {
	return Config{MaxVendors: c.MaxVendors, DefaultAspects: c.DefaultAspects}
}

func (c *Config) applyDefaults() {
	if c.MaxVendors <= 0 {
		c.MaxVendors = 5
	}
	if len(c.DefaultAspects) == 0 {
		c.DefaultAspects = []string{"security", "privacy", "compliance"}
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 4
	}
}

// Request selects vendors and aspects to compare.
type Request struct {
	VendorIDs []string
	Aspects   []string
}

// AspectResult is one vendor's showing on one aspect.
type AspectResult struct {
	Aspect     string         `json:"aspect"`
	Score      int            `json:"score"`
	Rating     string         `json:"rating"`
	Confidence rag.Confidence `json:"confidence_level"`
	Answer     string         `json:"answer"`
}

// VendorComparison is one vendor's column in the comparison.
type VendorComparison struct {
	VendorID         string          `json:"vendor_id"`
	VendorName       string          `json:"vendor_name"`
	SecurityScore    int             `json:"security_score"`
	SecurityRating   string          `json:"security_rating"`
	PrivacyScore     int             `json:"privacy_score"`
	PrivacyRating    string          `json:"privacy_rating"`
	RiskLevel        store.RiskLevel `json:"risk_level"`
	KeyFindings      []string        `json:"key_findings"`
	ComplianceStatus map[string]bool `json:"compliance_status"`
	Aspects          []AspectResult  `json:"aspects"`
	Citations        []rag.Citation  `json:"citations"`

	assessed bool
}

// Result is the response to a Request.
type Result struct {
	ID               string             `json:"id"`
	Summary          string             `json:"summary"`
	Recommendation   string             `json:"recommendation,omitempty"`
	Vendors          []VendorComparison `json:"vendors"`
	Aspects          []string           `json:"comparison_aspects"`
	Degraded         bool               `json:"degraded"`
	ProcessingTimeMS int64              `json:"processing_time_ms"`
	CreatedAt        time.Time          `json:"created_at"`
}

// Engine runs comparisons.
type Engine struct {
	analyzer  Analyzer
	recorder  Recorder
	completer llm.Completer
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// New creates a comparison engine.
func New(analyzer Analyzer, recorder Recorder, completer llm.Completer, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.applyDefaults()
	return &Engine{
		analyzer:  analyzer,
		recorder:  recorder,
		completer: completer,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
}

// Compare scores every vendor on every aspect and summarizes the differences.
func (e *Engine) Compare(ctx context.Context, req Request) (res *Result, err error) {
	const op = "compare.Compare"
	start := e.now()

	ctx, span := e.tracer.Start(ctx, "compare.compare")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, apperr.Message(err))
			ComparisonsTotal.WithLabelValues("error").Inc()
		}
	}()

	ids, err := rag.NormalizeIDs(op, req.VendorIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) < 2 {
		return nil, apperr.Validation(op, "at least 2 distinct vendors are required for a comparison")
	}
	if len(ids) > e.cfg.MaxVendors {
		return nil, apperr.Validation(op, "at most %d vendors can be compared at once", e.cfg.MaxVendors)
	}
	aspects, err := e.normalizeAspects(op, req.Aspects)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("vendors.count", len(ids)), attribute.StringSlice("aspects", aspects))

	vendors, err := e.analyzer.LoadVendors(ctx, op, ids)
	if err != nil {
		return nil, err
	}

	analyses := make([][]*rag.Analysis, len(vendors))
	for i := range analyses {
		analyses[i] = make([]*rag.Analysis, len(aspects))
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, v := range vendors {
		for j, aspect := range aspects {
			g.Go(func() error {
				a, err := e.analyzer.Analyze(gctx, aspectQuestion(v, aspect), []*store.Vendor{v})
				if err != nil {
					return err
				}
				analyses[i][j] = a
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	res = &Result{
		ID:      uuid.New().String(),
		Aspects: aspects,
		Vendors: make([]VendorComparison, len(vendors)),
	}
	var citedChunks []string
	confidence := rag.ConfidenceHigh
	for i, v := range vendors {
		res.Vendors[i] = buildComparison(v, aspects, analyses[i])
		for _, a := range analyses[i] {
			if a.Degraded {
				res.Degraded = true
			}
			confidence = weaker(confidence, a.Confidence)
		}
		for _, c := range res.Vendors[i].Citations {
			citedChunks = append(citedChunks, c.ChunkID)
		}
	}

	summary, recommendation, degraded := e.summarize(ctx, res.Vendors, aspects)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	res.Summary, res.Recommendation = summary, recommendation
	res.Degraded = res.Degraded || degraded

	res.CreatedAt = e.now().UTC()
	res.ProcessingTimeMS = res.CreatedAt.Sub(start).Milliseconds()

	record := &store.QueryRecord{
		ID:               res.ID,
		Kind:             "compare",
		Query:            "compare: " + strings.Join(aspects, ", "),
		VendorIDs:        ids,
		Citations:        citedChunks,
		Confidence:       string(confidence),
		ProcessingTimeMS: res.ProcessingTimeMS,
		CreatedAt:        res.CreatedAt,
	}
	if err := e.recorder.SaveQuery(ctx, record); err != nil {
		e.logger.Warn("failed to record comparison", zap.String("query_id", res.ID), zap.Error(err))
	}

	result := "success"
	if res.Degraded {
		result = "degraded"
	}
	ComparisonsTotal.WithLabelValues(result).Inc()
	e.logger.Info("comparison completed",
		zap.String("query_id", res.ID),
		zap.Int("vendors", len(vendors)),
		zap.Strings("aspects", aspects),
		zap.Bool("degraded", res.Degraded),
		zap.Int64("processing_time_ms", res.ProcessingTimeMS))
	return res, nil
}

func (e *Engine) normalizeAspects(op string, aspects []string) ([]string, error) {
	if len(aspects) == 0 {
		aspects = e.cfg.DefaultAspects
	}
	seen := make(map[string]bool, len(aspects))
	out := make([]string, 0, len(aspects))
	for _, a := range aspects {
		a = strings.ToLower(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	if len(out) == 0 {
		return nil, apperr.Validation(op, "comparison_aspects must name at least one aspect")
	}
	if len(out) > maxAspects {
		return nil, apperr.Validation(op, "at most %d comparison aspects are allowed", maxAspects)
	}
	return out, nil
}

func aspectQuestion(v *store.Vendor, aspect string) string {
	return fmt.Sprintf("Analyze %s for %s: which controls, certifications and commitments does it document, and what is missing?", v.Name, aspect)
}

// buildComparison turns one vendor's aspect analyses into its column.
func buildComparison(v *store.Vendor, aspects []string, analyses []*rag.Analysis) VendorComparison {
	vc := VendorComparison{
		VendorID:   v.ID,
		VendorName: v.Name,
		Aspects:    make([]AspectResult, len(aspects)),
		Citations:  []rag.Citation{},
	}

	var (
		evidence []string
		answers  []string
		seen     = make(map[string]bool)
	)
	for j, a := range analyses {
		ar := AspectResult{Aspect: aspects[j], Confidence: a.Confidence, Answer: a.Text, Rating: RatingNotAssessed}
		if !a.NoEvidence {
			vc.assessed = true
			texts := a.EvidenceTexts(v.ID)
			ar.Score = rag.Assess(texts, a.Text).Score
			ar.Rating = Rating(ar.Score, true)
			evidence = append(evidence, texts...)
			answers = append(answers, a.Text)
		}
		vc.Aspects[j] = ar

		for _, c := range a.Citations() {
			if !seen[c.ChunkID] {
				seen[c.ChunkID] = true
				vc.Citations = append(vc.Citations, c)
			}
		}
	}

	vc.SecurityScore, vc.SecurityRating = aspectScore(vc.Aspects, "security")
	vc.PrivacyScore, vc.PrivacyRating = aspectScore(vc.Aspects, "privacy")

	overall := rag.Assess(evidence, strings.Join(answers, "\n"))
	vc.RiskLevel = overall.Level
	vc.ComplianceStatus = make(map[string]bool)
	for k, ok := range v.ComplianceStatus {
		vc.ComplianceStatus[k] = ok
	}
	for k, ok := range overall.Compliance {
		if ok {
			vc.ComplianceStatus[k] = true
		}
	}
	vc.KeyFindings = keyFindings(answers)
	return vc
}

// aspectScore returns the score of the aspect whose name contains key, or
// the mean over assessed aspects when none does.
func aspectScore(results []AspectResult, key string) (int, string) {
	for _, r := range results {
		if strings.Contains(r.Aspect, key) {
			return r.Score, r.Rating
		}
	}
	sum, n := 0, 0
	for _, r := range results {
		if r.Rating != RatingNotAssessed {
			sum += r.Score
			n++
		}
	}
	if n == 0 {
		return 0, RatingNotAssessed
	}
	score := int(math.Round(float64(sum) / float64(n)))
	return score, Rating(score, true)
}

// Rating maps a 0-100 score to the ordinal shown to users.
func Rating(score int, hasEvidence bool) string {
	switch {
	case !hasEvidence:
		return RatingNotAssessed
	case score >= 75:
		return RatingGood
	case score >= 50:
		return RatingAdequate
	default:
		return RatingNeedsImprovement
	}
}

var confidenceRank = map[rag.Confidence]int{
	rag.ConfidenceLow:    0,
	rag.ConfidenceMedium: 1,
	rag.ConfidenceHigh:   2,
}

func weaker(a, b rag.Confidence) rag.Confidence {
	if confidenceRank[b] < confidenceRank[a] {
		return b
	}
	return a
}

// summarize asks for a comparative summary, falling back to a deterministic
// one when the completion fails.
func (e *Engine) summarize(ctx context.Context, vendors []VendorComparison, aspects []string) (summary, recommendation string, degraded bool) {
	assessed := 0
	for _, v := range vendors {
		if v.assessed {
			assessed++
		}
	}
	if assessed == 0 {
		return "No evidence available: none of the compared vendors has indexed documentation for " +
			strings.Join(aspects, ", ") + ".", "", false
	}

	text, err := e.completer.Complete(ctx, summaryPrompt(vendors, aspects))
	if err == nil && strings.TrimSpace(text) != "" {
		summary, recommendation = splitRecommendation(text)
		return summary, recommendation, false
	}
	if ctx.Err() == nil {
		e.logger.Warn("comparison summary completion failed, using computed summary", zap.Error(err))
	}
	summary, recommendation = fallbackSummary(vendors)
	return summary, recommendation, true
}

const summaryTemplate = `You are a vendor risk analyst comparing vendors.

Vendors: %s
Aspects analyzed: %s

Comparison data:
%s
Compare the vendors against each other rather than restating each one. Provide:
1. A concise summary highlighting the key differences.
2. A line starting with "Recommendation:" naming the preferable vendor and why, or stating that they are comparable.

Keep the response brief and actionable.`

func summaryPrompt(vendors []VendorComparison, aspects []string) string {
	names := make([]string, len(vendors))
	var data strings.Builder
	for i, v := range vendors {
		names[i] = v.VendorName
		fmt.Fprintf(&data, "%s:\n", v.VendorName)
		for _, a := range v.Aspects {
			fmt.Fprintf(&data, "- %s: %d/100 (%s)\n", a.Aspect, a.Score, a.Rating)
		}
		fmt.Fprintf(&data, "- Risk Level: %s\n", v.RiskLevel)
		if fw := frameworks(v.ComplianceStatus); len(fw) > 0 {
			fmt.Fprintf(&data, "- Compliance: %s\n", strings.Join(fw, ", "))
		}
		if len(v.KeyFindings) > 0 {
			findings := v.KeyFindings
			if len(findings) > 2 {
				findings = findings[:2]
			}
			fmt.Fprintf(&data, "- Key Findings: %s\n", strings.Join(findings, "; "))
		}
		data.WriteString("\n")
	}
	return fmt.Sprintf(summaryTemplate, strings.Join(names, ", "), strings.Join(aspects, ", "), data.String())
}

func splitRecommendation(text string) (string, string) {
	summary, recommendation, _ := strings.Cut(text, "Recommendation:")
	summary = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(summary), "Summary:"))
	return summary, strings.TrimSpace(recommendation)
}

// fallbackSummary ranks vendors by their mean aspect score.
func fallbackSummary(vendors []VendorComparison) (string, string) {
	var (
		parts     []string
		best      = -1
		bestScore = -1.0
		tie       bool
	)
	for i, v := range vendors {
		if !v.assessed {
			parts = append(parts, fmt.Sprintf("%s could not be assessed from its published documentation", v.VendorName))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s scores %d/100 on security and %d/100 on privacy with %s risk",
			v.VendorName, v.SecurityScore, v.PrivacyScore, strings.ToUpper(string(v.RiskLevel))))

		mean := meanScore(v.Aspects)
		switch {
		case mean > bestScore:
			best, bestScore, tie = i, mean, false
		case mean == bestScore:
			tie = true
		}
	}

	summary := strings.Join(parts, "; ") + "."
	if best < 0 {
		return summary, ""
	}
	if tie {
		return summary, "The vendors are comparable on the published evidence."
	}
	return summary, fmt.Sprintf("%s has the strongest published posture across the compared aspects.", vendors[best].VendorName)
}

func meanScore(results []AspectResult) float64 {
	sum, n := 0, 0
	for _, r := range results {
		if r.Rating != RatingNotAssessed {
			sum += r.Score
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return float64(sum) / float64(n)
}

func frameworks(status map[string]bool) []string {
	return rag.Assessment{Compliance: status}.Frameworks()
}
