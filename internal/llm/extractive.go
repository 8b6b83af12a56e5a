package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

const maxExtractiveSentences = 3

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "does": true, "did": true,
	"what": true, "which": true, "who": true, "how": true, "with": true, "this": true,
	"that": true, "from": true, "have": true, "has": true, "their": true, "they": true,
	"there": true, "any": true, "about": true, "into": true, "can": true, "you": true,
	"your": true, "our": true, "its": true, "was": true, "were": true, "will": true,
}

// Extractive answers by quoting the source sentences that best match the
// question. It never calls a model.
type Extractive struct{}

// NewExtractive creates an extractive completer.
func NewExtractive() *Extractive { return &Extractive{} }

type scoredSentence struct {
	text   string
	source int
	order  int
	score  int
}

// Complete answers an AnswerPrompt. Prompts without sources fail with
// ErrCompletionFailed so callers fall back to their own summary.
func (e *Extractive) Complete(ctx context.Context, prompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p := parsePrompt(prompt)
	if len(p.sources) == 0 {
		return "", fmt.Errorf("%w: extractive completer needs source documents", ErrCompletionFailed)
	}

	terms := queryTerms(p.question)
	var candidates []scoredSentence
	order := 0
	for i, src := range p.sources {
		for _, s := range splitSentences(src) {
			candidates = append(candidates, scoredSentence{
				text:   s,
				source: i + 1,
				order:  order,
				score:  overlap(s, terms),
			})
			order++
		}
	}
	if len(candidates) == 0 {
		return NotInDocumentation + ".", nil
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		return candidates[a].score > candidates[b].score
	})

	var b strings.Builder
	if candidates[0].score == 0 {
		b.WriteString(NotInDocumentation)
		b.WriteString(". The closest related statement is:\n")
		fmt.Fprintf(&b, "- %s [Source %d]", candidates[0].text, candidates[0].source)
		return b.String(), nil
	}

	picked := candidates[:0:0]
	for _, c := range candidates {
		if c.score == 0 || len(picked) == maxExtractiveSentences {
			break
		}
		picked = append(picked, c)
	}
	sort.Slice(picked, func(a, b int) bool { return picked[a].order < picked[b].order })

	b.WriteString("Based on the vendor's published documentation:")
	for _, c := range picked {
		fmt.Fprintf(&b, "\n- %s [Source %d]", c.text, c.source)
	}
	return b.String(), nil
}

func queryTerms(question string) map[string]bool {
	terms := make(map[string]bool)
	for _, w := range words(question) {
		if len(w) >= 3 && !stopWords[w] {
			terms[w] = true
		}
	}
	return terms
}

func overlap(sentence string, terms map[string]bool) int {
	seen := make(map[string]bool)
	n := 0
	for _, w := range words(sentence) {
		if terms[w] && !seen[w] {
			seen[w] = true
			n++
		}
	}
	return n
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// splitSentences breaks text at sentence terminators and line breaks.
func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		s := strings.TrimSpace(cur.String())
		s = strings.TrimLeft(s, "#*- ")
		if len(s) > 1 {
			out = append(out, s)
		}
		cur.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		cur.WriteRune(r)
		if (r == '.' || r == '!' || r == '?') && (i+1 == len(runes) || unicode.IsSpace(runes[i+1])) {
			flush()
		}
	}
	flush()
	return out
}
