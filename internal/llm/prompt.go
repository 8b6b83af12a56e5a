package llm

import (
	"fmt"
	"strings"
)

const (
	sourceSeparator = "\n---\n"
	questionPrefix  = "User question: "
	documentsHeader = "Retrieved documents and information:\n"
	documentsFooter = "\n=== End of documents ==="
	contentHeader   = "Content:\n"
)

// NotInDocumentation is the phrase the model is told to use when the
// sources do not answer the question.
const NotInDocumentation = "This information is not available in the vendor's public documentation"

const answerInstructions = `You are VendorScope, an analyst specialized in vendor risk assessment and security due diligence.

Critical instructions:
1. Base ALL answers on the provided context documents and nothing else.
2. NEVER speculate or make claims without evidence.
3. If information is not in the context, clearly state "` + NotInDocumentation + `".
4. Cite sources as [Source N] when making claims.
5. If the question concerns risk, state the overall risk as LOW RISK, MEDIUM RISK or HIGH RISK.`

// Source is one retrieved chunk rendered into a prompt.
type Source struct {
	Vendor       string
	Title        string
	URL          string
	DocumentType string
	Content      string
}

// FormatSources renders sources as numbered blocks separated by "---".
func FormatSources(sources []Source) string {
	blocks := make([]string, len(sources))
	for i, s := range sources {
		var b strings.Builder
		fmt.Fprintf(&b, "[Source %d]\n", i+1)
		fmt.Fprintf(&b, "Vendor: %s\n", s.Vendor)
		if s.Title != "" {
			fmt.Fprintf(&b, "Document: %s\n", s.Title)
		}
		fmt.Fprintf(&b, "URL: %s\n", s.URL)
		if s.DocumentType != "" {
			fmt.Fprintf(&b, "Type: %s\n", s.DocumentType)
		}
		b.WriteString(contentHeader)
		b.WriteString(strings.ReplaceAll(s.Content, sourceSeparator, "\n- - -\n"))
		blocks[i] = b.String()
	}
	return strings.Join(blocks, sourceSeparator)
}

// AnswerPrompt builds the grounded question-answering prompt.
func AnswerPrompt(question string, vendors []string, sources []Source) string {
	var b strings.Builder
	b.WriteString(answerInstructions)
	b.WriteString("\n\n")
	b.WriteString(questionPrefix)
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\nVendors being analyzed:\n")
	for _, v := range vendors {
		b.WriteString("- ")
		b.WriteString(v)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(documentsHeader)
	b.WriteString(FormatSources(sources))
	b.WriteString(documentsFooter)
	b.WriteString("\n\nProvide a direct, evidence-based answer. Quote key phrases, cite sources, and note any missing information.")
	return b.String()
}

// parsedPrompt is what the extractive completer recovers from AnswerPrompt.
type parsedPrompt struct {
	question string
	sources  []string
}

func parsePrompt(prompt string) parsedPrompt {
	var p parsedPrompt
	if i := strings.Index(prompt, questionPrefix); i >= 0 {
		rest := prompt[i+len(questionPrefix):]
		if j := strings.IndexByte(rest, '\n'); j >= 0 {
			rest = rest[:j]
		}
		p.question = strings.TrimSpace(rest)
	}

	start := strings.Index(prompt, documentsHeader)
	if start < 0 {
		return p
	}
	body := prompt[start+len(documentsHeader):]
	if end := strings.LastIndex(body, documentsFooter); end >= 0 {
		body = body[:end]
	}
	if strings.TrimSpace(body) == "" {
		return p
	}
	for _, block := range strings.Split(body, sourceSeparator) {
		if i := strings.Index(block, contentHeader); i >= 0 {
			block = block[i+len(contentHeader):]
		}
		p.sources = append(p.sources, block)
	}
	return p
}
