package compare

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/ShalakaSonawane1/vendorscope/internal/llm"
)

const (
	minFindingLength = 50
	maxFindings      = 3
)

var (
	sourceTag  = regexp.MustCompile(`\s*\[Source \d+\]`)
	listMarker = regexp.MustCompile(`^(?:[#*•-]+|\d+[.)])\s*`)
)

// keyFindings picks the first substantive sentences across answers,
// de-duplicated case-insensitively.
func keyFindings(answers []string) []string {
	out := []string{}
	seen := make(map[string]bool)
	for _, answer := range answers {
		for _, s := range sentences(sourceTag.ReplaceAllString(answer, "")) {
			if len(s) <= minFindingLength || strings.Contains(s, llm.NotInDocumentation) || strings.HasPrefix(s, "No evidence available") {
				continue
			}
			key := strings.ToLower(s)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
			if len(out) == maxFindings {
				return out
			}
		}
	}
	return out
}

func sentences(text string) []string {
	var out []string
	var cur strings.Builder
	flush := func() {
		s := strings.TrimSpace(cur.String())
		s = listMarker.ReplaceAllString(s, "")
		if s != "" {
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
