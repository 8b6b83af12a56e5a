package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ShalakaSonawane1/vendorscope/internal/apperr"
	"github.com/ShalakaSonawane1/vendorscope/internal/llm"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
	"github.com/ShalakaSonawane1/vendorscope/internal/vectorstore"
)

// Evidence is a retrieved chunk with its similarity to the query.
type Evidence struct {
	Ref    store.ChunkRef
	Vendor *store.Vendor
	Score  float64
}

// Analysis is the outcome of retrieval plus completion, without side effects.
type Analysis struct {
	Text string
	// Evidence holds exactly the chunks placed in the prompt, best first.
	Evidence               []Evidence
	Confidence             Confidence
	VendorsWithoutEvidence []string
	TopRelevance           float64
	Degraded               bool
	// NoEvidence is set when nothing was retrieved and no completion ran.
	NoEvidence bool
}

// Citations maps the prompt context 1:1 to citations.
func (a *Analysis) Citations() []Citation {
	out := make([]Citation, len(a.Evidence))
	for i, ev := range a.Evidence {
		out[i] = Citation{
			ChunkID:        ev.Ref.ID,
			VendorID:       ev.Ref.VendorID,
			DocumentID:     ev.Ref.DocumentID,
			URL:            ev.Ref.DocumentURL,
			Title:          ev.Ref.DocumentTitle,
			Excerpt:        excerpt(ev.Ref.Text),
			RelevanceScore: ev.Score,
		}
	}
	return out
}

// EvidenceTexts returns the chunk texts of one vendor, or of all vendors when
// vendorID is empty.
func (a *Analysis) EvidenceTexts(vendorID string) []string {
	var out []string
	for _, ev := range a.Evidence {
		if vendorID == "" || ev.Ref.VendorID == vendorID {
			out = append(out, ev.Ref.Text)
		}
	}
	return out
}

// Analyze retrieves evidence for question across vendors and asks the
// completion model for an answer. Vendors with nothing indexed produce an
// explicit no-evidence answer without a completion call.
func (e *Engine) Analyze(ctx context.Context, question string, vendors []*store.Vendor) (*Analysis, error) {
	const op = "rag.Analyze"

	ctx, span := e.tracer.Start(ctx, "rag.analyze")
	defer span.End()

	evidence, without, err := e.retrieve(ctx, op, question, vendors)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		Evidence:               e.fitContext(evidence),
		Confidence:             ConfidenceLow,
		VendorsWithoutEvidence: without,
	}
	span.SetAttributes(attribute.Int("evidence.count", len(a.Evidence)))

	if len(a.Evidence) == 0 {
		a.NoEvidence = true
		a.Text = noEvidenceMessage(vendors)
		return a, nil
	}
	a.TopRelevance = a.Evidence[0].Score
	a.Confidence = e.confidence(a.Evidence)

	sources := make([]llm.Source, len(a.Evidence))
	for i, ev := range a.Evidence {
		sources[i] = llm.Source{
			Vendor:       ev.Vendor.Name,
			Title:        ev.Ref.DocumentTitle,
			URL:          ev.Ref.DocumentURL,
			DocumentType: ev.Ref.DocumentType,
			Content:      ev.Ref.Text,
		}
	}
	prompt := llm.AnswerPrompt(question, vendorLabels(vendors), sources)

	text, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		e.logger.Warn("completion failed, using extractive answer", zap.Error(err))
		text, err = e.fallback.Complete(ctx, prompt)
		if err != nil {
			return nil, apperr.Unavailable(op, "answer generation is unavailable, try again later", err)
		}
		a.Degraded = true
		if a.Confidence == ConfidenceHigh {
			a.Confidence = ConfidenceMedium
		}
		DegradedTotal.Inc()
	}
	a.Text = strings.TrimSpace(text)
	return a, nil
}

// retrieve returns the top-K chunks of every vendor, best first, and the ids
// of vendors that yielded nothing.
func (e *Engine) retrieve(ctx context.Context, op, question string, vendors []*store.Vendor) ([]Evidence, []string, error) {
	without := []string{}
	var searchable []*store.Vendor
	for _, v := range vendors {
		n, err := e.store.CountEmbeddedChunks(ctx, v.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("counting chunks of vendor %s: %w", v.ID, err)
		}
		if n == 0 {
			without = append(without, v.ID)
			continue
		}
		searchable = append(searchable, v)
	}
	if len(searchable) == 0 {
		return nil, without, nil
	}

	vec, err := e.embedder.EmbedQuery(ctx, question)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, apperr.Unavailable(op, "embedding service is unavailable, try again later", err)
	}

	matches := make([][]vectorstore.Match, len(searchable))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxParallelSearches)
	for i, v := range searchable {
		g.Go(func() error {
			m, err := e.index.Query(gctx, v.ID, vec, e.cfg.TopK)
			if err != nil {
				return fmt.Errorf("searching vendor %s: %w", v.ID, err)
			}
			matches[i] = m
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		return nil, nil, apperr.Unavailable(op, "similarity index is unavailable, try again later", err)
	}

	var ids []string
	for _, ms := range matches {
		for _, m := range ms {
			ids = append(ids, m.ChunkID)
		}
	}
	refs, err := e.store.GetChunkRefs(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("loading chunks: %w", err)
	}

	var evidence []Evidence
	for i, v := range searchable {
		found := false
		for _, m := range matches[i] {
			ref, ok := refs[m.ChunkID]
			// The index may briefly hold chunks of superseded versions.
			if !ok || ref.VendorID != v.ID || !ref.IsLatest || ref.EmbedState != store.EmbedEmbedded {
				continue
			}
			evidence = append(evidence, Evidence{Ref: ref, Vendor: v, Score: float64(m.Score)})
			found = true
		}
		if !found {
			without = append(without, v.ID)
		}
	}

	sort.SliceStable(evidence, func(i, j int) bool {
		a, b := evidence[i], evidence[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Ref.DocumentURL != b.Ref.DocumentURL {
			return a.Ref.DocumentURL < b.Ref.DocumentURL
		}
		return a.Ref.Index < b.Ref.Index
	})
	return evidence, without, nil
}

// fitContext keeps evidence in relevance order while the total text fits the
// context budget. The best chunk is always kept.
func (e *Engine) fitContext(evidence []Evidence) []Evidence {
	out := make([]Evidence, 0, len(evidence))
	used := 0
	for _, ev := range evidence {
		n := len(ev.Ref.Text)
		if len(out) > 0 && used+n > e.cfg.MaxContextChars {
			continue
		}
		out = append(out, ev)
		used += n
	}
	return out
}

// confidence is high when the best chunk is strongly relevant and at least
// two documents corroborate, low when nothing reaches the minimum relevance.
func (e *Engine) confidence(evidence []Evidence) Confidence {
	if len(evidence) == 0 || evidence[0].Score < e.cfg.MinRelevance {
		return ConfidenceLow
	}
	docs := make(map[string]bool)
	for _, ev := range evidence {
		if ev.Score >= e.cfg.MinRelevance {
			docs[ev.Ref.DocumentID] = true
		}
	}
	if evidence[0].Score >= e.cfg.HighRelevance && len(docs) >= 2 {
		return ConfidenceHigh
	}
	return ConfidenceMedium
}

func vendorLabels(vendors []*store.Vendor) []string {
	out := make([]string, len(vendors))
	for i, v := range vendors {
		out[i] = fmt.Sprintf("%s (%s): %s", v.Name, v.Domain, v.VendorType)
	}
	return out
}

func noEvidenceMessage(vendors []*store.Vendor) string {
	names := make([]string, len(vendors))
	for i, v := range vendors {
		names[i] = v.Name
	}
	return fmt.Sprintf("No evidence available: no indexed documentation matching this question was found for %s. "+
		"The vendor's pages may not have been crawled yet.", strings.Join(names, ", "))
}

func excerpt(text string) string {
	r := []rune(text)
	if len(r) <= excerptLength {
		return text
	}
	return string(r[:excerptLength]) + "..."
}
