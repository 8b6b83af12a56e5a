package compare

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ShalakaSonawane1/vendorscope/internal/apperr"
	"github.com/ShalakaSonawane1/vendorscope/internal/rag"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

type fakeAnalyzer struct {
	mu       sync.Mutex
	vendors  map[string]*store.Vendor
	results  map[string]map[string]*rag.Analysis
	err      error
	analyzed int
}

func (f *fakeAnalyzer) LoadVendors(_ context.Context, op string, ids []string) ([]*store.Vendor, error) {
	out := make([]*store.Vendor, 0, len(ids))
	for _, id := range ids {
		v, ok := f.vendors[id]
		if !ok {
			return nil, apperr.NotFound(op, "vendor %s not found", id)
		}
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeAnalyzer) Analyze(_ context.Context, question string, vendors []*store.Vendor) (*rag.Analysis, error) {
	f.mu.Lock()
	f.analyzed++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	v := vendors[0]
	for aspect, a := range f.results[v.ID] {
		if strings.Contains(question, " for "+aspect+":") {
			return a, nil
		}
	}
	return &rag.Analysis{Text: "No evidence available", Confidence: rag.ConfidenceLow, NoEvidence: true}, nil
}

type fakeRecorder struct {
	records []*store.QueryRecord
}

func (f *fakeRecorder) SaveQuery(_ context.Context, q *store.QueryRecord) error {
	f.records = append(f.records, q)
	return nil
}

type fakeCompleter struct {
	reply   string
	err     error
	prompts []string
}

func (f *fakeCompleter) Complete(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func analysis(v *store.Vendor, evidence, answer string) *rag.Analysis {
	return &rag.Analysis{
		Text:       answer,
		Confidence: rag.ConfidenceMedium,
		Evidence: []rag.Evidence{{
			Ref: store.ChunkRef{
				Chunk: store.Chunk{
					ID:         fmt.Sprintf("%s-%d", v.ID, len(evidence)),
					VendorID:   v.ID,
					DocumentID: v.ID + "-doc",
					Text:       evidence,
					EmbedState: store.EmbedEmbedded,
				},
				DocumentURL: "https://" + v.Domain + "/trust",
				IsLatest:    true,
			},
			Vendor: v,
			Score:  0.8,
		}},
	}
}

func newTestEngine() (*Engine, *fakeAnalyzer, *fakeRecorder, *fakeCompleter) {
	acme := &store.Vendor{ID: "acme", Name: "Acme", Domain: "acme.com", ComplianceStatus: map[string]bool{"HIPAA": true}}
	globex := &store.Vendor{ID: "globex", Name: "Globex", Domain: "globex.com"}
	initech := &store.Vendor{ID: "initech", Name: "Initech", Domain: "initech.com"}

	analyzer := &fakeAnalyzer{
		vendors: map[string]*store.Vendor{"acme": acme, "globex": globex, "initech": initech},
		results: map[string]map[string]*rag.Analysis{
			"acme": {
				"security": analysis(acme,
					"All customer data is encrypted at rest with AES-256 and in transit with TLS 1.3. Acme maintains SOC 2 Type II and ISO 27001 certifications.",
					"Acme encrypts all customer data at rest with AES-256 and in transit with TLS 1.3 [Source 1]. It maintains SOC 2 Type II and ISO 27001 certifications [Source 1]."),
				"privacy": analysis(acme,
					"We do not sell personal data. Subprocessors are bound by a data processing agreement and GDPR obligations.",
					"Acme states that it does not sell personal data and binds subprocessors through a data processing agreement [Source 1]."),
			},
			"globex": {
				"security": analysis(globex,
					"Globex suffered a breach in 2024 that exposed customer email addresses.",
					"Globex disclosed a breach in 2024 that exposed customer email addresses [Source 1]."),
			},
		},
	}
	recorder := &fakeRecorder{}
	completer := &fakeCompleter{reply: "Summary: Acme documents stronger controls than Globex.\nRecommendation: Choose Acme."}
	return New(analyzer, recorder, completer, Config{}, zap.NewNop()), analyzer, recorder, completer
}

func TestCompare_Validation(t *testing.T) {
	engine, analyzer, _, _ := newTestEngine()
	ctx := context.Background()

	tests := []struct {
		name string
		req  Request
	}{
		{"no vendors", Request{}},
		{"single vendor", Request{VendorIDs: []string{"acme"}}},
		{"duplicate vendor", Request{VendorIDs: []string{"acme", "acme"}}},
		{"too many vendors", Request{VendorIDs: []string{"a", "b", "c", "d", "e", "f"}}},
		{"blank aspects", Request{VendorIDs: []string{"acme", "globex"}, Aspects: []string{" ", ""}}},
		{"too many aspects", Request{VendorIDs: []string{"acme", "globex"}, Aspects: []string{"a", "b", "c", "d", "e", "f", "g"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := engine.Compare(ctx, tt.req)
			require.Error(t, err)
			assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
		})
	}
	assert.Zero(t, analyzer.analyzed)
}

func TestCompare_UnknownVendor(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	_, err := engine.Compare(context.Background(), Request{VendorIDs: []string{"acme", "hooli"}})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestCompare_ScoresVendorsOnTheSameScale(t *testing.T) {
	engine, analyzer, recorder, completer := newTestEngine()

	res, err := engine.Compare(context.Background(), Request{
		VendorIDs: []string{"acme", "globex"},
		Aspects:   []string{"Security", "privacy", "security"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"security", "privacy"}, res.Aspects)
	assert.Equal(t, 4, analyzer.analyzed)
	require.Len(t, res.Vendors, 2)

	acme := res.Vendors[0]
	assert.Equal(t, "acme", acme.VendorID)
	assert.Equal(t, "Acme", acme.VendorName)
	// 50 + encrypt, aes-256, tls + SOC2, ISO27001
	assert.Equal(t, 78, acme.SecurityScore)
	assert.Equal(t, RatingGood, acme.SecurityRating)
	// 50 + subprocessor, data processing agreement + GDPR
	assert.Equal(t, 67, acme.PrivacyScore)
	assert.Equal(t, RatingAdequate, acme.PrivacyRating)
	assert.Equal(t, store.RiskLow, acme.RiskLevel)
	assert.Equal(t, map[string]bool{"HIPAA": true, "SOC2": true, "ISO27001": true, "GDPR": true}, acme.ComplianceStatus)
	assert.Equal(t, []string{
		"Acme encrypts all customer data at rest with AES-256 and in transit with TLS 1.3.",
		"It maintains SOC 2 Type II and ISO 27001 certifications.",
		"Acme states that it does not sell personal data and binds subprocessors through a data processing agreement.",
	}, acme.KeyFindings)
	assert.Len(t, acme.Citations, 2)

	globex := res.Vendors[1]
	// 50 - breach, exposed
	assert.Equal(t, 26, globex.SecurityScore)
	assert.Equal(t, RatingNeedsImprovement, globex.SecurityRating)
	assert.Equal(t, 0, globex.PrivacyScore)
	assert.Equal(t, RatingNotAssessed, globex.PrivacyRating)
	assert.Equal(t, store.RiskHigh, globex.RiskLevel)

	assert.Equal(t, "Acme documents stronger controls than Globex.", res.Summary)
	assert.Equal(t, "Choose Acme.", res.Recommendation)
	assert.False(t, res.Degraded)

	require.Len(t, completer.prompts, 1, "one summary completion for the whole comparison")
	prompt := completer.prompts[0]
	assert.Contains(t, prompt, "Vendors: Acme, Globex")
	assert.Contains(t, prompt, "Compare the vendors against each other rather than restating each one.")
	assert.Contains(t, prompt, "- security: 78/100 (Good)")
	assert.Contains(t, prompt, "- privacy: 0/100 (Not Assessed)")

	require.Len(t, recorder.records, 1)
	rec := recorder.records[0]
	assert.Equal(t, "compare", rec.Kind)
	assert.Equal(t, []string{"acme", "globex"}, rec.VendorIDs)
	assert.Len(t, rec.Citations, 3)
	assert.Equal(t, "low", rec.Confidence)
}

func TestCompare_FallbackSummary(t *testing.T) {
	engine, _, _, completer := newTestEngine()
	completer.err = errors.New("completion failed")

	res, err := engine.Compare(context.Background(), Request{
		VendorIDs: []string{"acme", "globex"},
		Aspects:   []string{"security", "privacy"},
	})
	require.NoError(t, err)

	assert.True(t, res.Degraded)
	assert.Contains(t, res.Summary, "Acme scores 78/100 on security and 67/100 on privacy with LOW risk")
	assert.Contains(t, res.Summary, "Globex scores 26/100 on security")
	assert.Equal(t, "Acme has the strongest published posture across the compared aspects.", res.Recommendation)
}

func TestCompare_NothingIndexed(t *testing.T) {
	engine, _, _, completer := newTestEngine()

	res, err := engine.Compare(context.Background(), Request{VendorIDs: []string{"globex", "initech"}, Aspects: []string{"privacy"}})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Summary, "No evidence available"))
	assert.Empty(t, res.Recommendation)
	assert.Empty(t, completer.prompts)
	for _, v := range res.Vendors {
		assert.Equal(t, RatingNotAssessed, v.PrivacyRating)
		assert.Equal(t, store.RiskUnknown, v.RiskLevel)
		assert.Empty(t, v.KeyFindings)
	}
}

func TestCompare_DefaultAspects(t *testing.T) {
	engine, analyzer, _, _ := newTestEngine()

	res, err := engine.Compare(context.Background(), Request{VendorIDs: []string{"acme", "globex"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"security", "privacy", "compliance"}, res.Aspects)
	assert.Equal(t, 6, analyzer.analyzed)
}

func TestCompare_PropagatesUnavailable(t *testing.T) {
	engine, analyzer, recorder, _ := newTestEngine()
	analyzer.err = apperr.Unavailable("rag.Analyze", "embedding service is unavailable", errors.New("refused"))

	_, err := engine.Compare(context.Background(), Request{VendorIDs: []string{"acme", "globex"}})
	assert.Equal(t, apperr.KindUnavailable, apperr.KindOf(err))
	assert.Empty(t, recorder.records)
}

func TestRating(t *testing.T) {
	assert.Equal(t, RatingGood, Rating(75, true))
	assert.Equal(t, RatingAdequate, Rating(74, true))
	assert.Equal(t, RatingAdequate, Rating(50, true))
	assert.Equal(t, RatingNeedsImprovement, Rating(49, true))
	assert.Equal(t, RatingNeedsImprovement, Rating(0, true))
	assert.Equal(t, RatingNotAssessed, Rating(90, false))
}

func TestKeyFindings(t *testing.T) {
	answers := []string{
		"Based on the vendor's published documentation:\n- Data is encrypted at rest using AES-256 across all production systems. [Source 1]\n- Short one. [Source 2]",
		"DATA IS ENCRYPTED AT REST USING AES-256 ACROSS ALL PRODUCTION SYSTEMS.",
		"1. The vendor publishes an incident response plan reviewed every year.",
		"This information is not available in the vendor's public documentation, so nothing more can be said about it.",
		"Backups are replicated to a second region and tested quarterly by the SRE team.",
	}
	assert.Equal(t, []string{
		"Data is encrypted at rest using AES-256 across all production systems.",
		"The vendor publishes an incident response plan reviewed every year.",
		"Backups are replicated to a second region and tested quarterly by the SRE team.",
	}, keyFindings(answers))
}

func TestSplitRecommendation(t *testing.T) {
	s, r := splitRecommendation("Summary: A is stronger.\n\nRecommendation: Pick A.")
	assert.Equal(t, "A is stronger.", s)
	assert.Equal(t, "Pick A.", r)

	s, r = splitRecommendation("Both vendors are comparable.")
	assert.Equal(t, "Both vendors are comparable.", s)
	assert.Empty(t, r)
}
