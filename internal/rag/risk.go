package rag

import (
	"regexp"
	"sort"
	"strings"

	"github.com/ShalakaSonawane1/vendorscope/internal/llm"
	"github.com/ShalakaSonawane1/vendorscope/internal/store"
)

// signal is a labelled phrase matched on word boundaries, so "tls" does not
// fire inside "utls" and "encrypt" does not fire inside "unencrypted".
type signal struct {
	label string
	re    *regexp.Regexp
}

func phrase(label, pattern string) signal {
	return signal{label: label, re: regexp.MustCompile(`\b(?:` + pattern + `)\b`)}
}

// complianceSignals maps a framework key to the phrases that evidence it.
var complianceSignals = map[string]signal{
	"SOC2":     phrase("SOC2", `soc[ -]?(?:2|ii)`),
	"ISO27001": phrase("ISO27001", `iso(?:/iec)?[ -]?27001`),
	"GDPR":     phrase("GDPR", `gdpr|general data protection regulation`),
	"HIPAA":    phrase("HIPAA", `hipaa`),
	"PCI-DSS":  phrase("PCI-DSS", `pci[ -]dss|pci compliant`),
	"CCPA":     phrase("CCPA", `ccpa|california consumer privacy act`),
}

// positiveSignals are controls whose presence lowers risk.
var positiveSignals = []signal{
	phrase("encrypt", `encrypt(?:s|ed|ion|ing)?`),
	phrase("aes-256", `aes-?256`),
	phrase("tls", `tls`),
	phrase("multi-factor", `multi-factor|mfa`),
	phrase("two-factor", `two-factor|2fa`),
	phrase("single sign-on", `single sign-on|sso`),
	phrase("penetration test", `penetration test(?:s|ing)?|pen tests?`),
	phrase("bug bounty", `bug bounty`),
	phrase("vulnerability disclosure", `vulnerability disclosure`),
	phrase("independent audit", `independent(?:ly)? audit(?:s|ed|ors?)?`),
	phrase("access control", `access controls?`),
	phrase("least privilege", `least[ -]privilege`),
	phrase("incident response", `incident response`),
	phrase("data retention", `data retention`),
	phrase("data processing agreement", `data processing (?:agreement|addendum)`),
	phrase("subprocessor", `sub-?processors?`),
	phrase("backup", `backups?|backed up`),
	phrase("disaster recovery", `disaster recovery`),
}

// negativeSignals are statements whose presence raises risk.
var negativeSignals = []signal{
	phrase("breach", `breach(?:es|ed)?`),
	phrase("unauthorized access", `unauthori[sz]ed access`),
	phrase("data leak", `data leaks?`),
	phrase("leaked", `leaked`),
	phrase("exposed", `exposed`),
	phrase("ransomware", `ransomware`),
	phrase("we may sell", `we may sell`),
	phrase("sell your personal", `sell your personal`),
	phrase("no encryption", `no encryption|not encrypted|unencrypted`),
	phrase("plaintext", `plain ?text`),
	phrase("not in documentation", regexp.QuoteMeta(strings.ToLower(llm.NotInDocumentation))),
}

// commitments are breach-handling promises. They are removed before negative
// signals are matched so that "we notify customers of a breach within 72
// hours" does not count as a disclosed breach.
var commitments = regexp.MustCompile(`\b(?:` +
	`(?:data |security )?breach(?:es)? (?:notification|response|reporting)s?` +
	`|notif(?:y|ies|ied|ication)\b[^.\n]{0,80}?\bbreach(?:es)?` +
	`|in the (?:event|case) of (?:a|an|any) (?:suspected |actual )?(?:data |security )?breach` +
	`|prevent(?:s|ing)? (?:a |any )?(?:data |security )?breach(?:es)?` +
	`)\b`)

const (
	baseScore         = 50
	positiveWeight    = 6
	positiveCap       = 30
	complianceWeight  = 5
	complianceCap     = 20
	negativeWeight    = 12
	negativeCap       = 48
	lowRiskThreshold  = 70
	highRiskThreshold = 45
)

// Assessment is the deterministic risk reading of a body of evidence.
type Assessment struct {
	// Score is 0-100, higher means better posture. Zero when there is no evidence.
	Score      int
	Level      store.RiskLevel
	Compliance map[string]bool
	Positive   []string
	Negative   []string
}

// Assess scores evidence texts and an optional completion. A risk level the
// completion states outright ("HIGH RISK") can only make the result more
// severe than the keyword score.
func Assess(evidence []string, completion string) Assessment {
	a := Assessment{Level: store.RiskUnknown, Compliance: map[string]bool{}}
	if len(evidence) == 0 {
		return a
	}

	text := strings.ToLower(strings.Join(evidence, "\n") + "\n" + completion)

	for framework, sig := range complianceSignals {
		if sig.re.MatchString(text) {
			a.Compliance[framework] = true
		}
	}
	for _, sig := range positiveSignals {
		if sig.re.MatchString(text) {
			a.Positive = append(a.Positive, sig.label)
		}
	}
	concerns := commitments.ReplaceAllString(text, " ")
	for _, sig := range negativeSignals {
		if sig.re.MatchString(concerns) {
			a.Negative = append(a.Negative, sig.label)
		}
	}

	score := baseScore +
		min(len(a.Positive)*positiveWeight, positiveCap) +
		min(len(a.Compliance)*complianceWeight, complianceCap) -
		min(len(a.Negative)*negativeWeight, negativeCap)
	a.Score = max(0, min(100, score))

	switch {
	case a.Score >= lowRiskThreshold:
		a.Level = store.RiskLow
	case a.Score >= highRiskThreshold:
		a.Level = store.RiskMedium
	default:
		a.Level = store.RiskHigh
	}
	if stated := statedRisk(completion); severity(stated) > severity(a.Level) {
		a.Level = stated
	}
	return a
}

// Summary renders the assessment as one line for the vendor record.
func (a Assessment) Summary() string {
	if a.Level == store.RiskUnknown {
		return "No published evidence to assess."
	}
	var b strings.Builder
	b.WriteString(strings.ToUpper(string(a.Level)))
	b.WriteString(" risk")
	if fw := a.Frameworks(); len(fw) > 0 {
		b.WriteString("; compliance evidence: ")
		b.WriteString(strings.Join(fw, ", "))
	}
	if len(a.Negative) > 0 {
		b.WriteString("; concerns: ")
		b.WriteString(strings.Join(a.Negative, ", "))
	}
	return b.String()
}

// Frameworks returns the evidenced compliance frameworks in sorted order.
func (a Assessment) Frameworks() []string {
	out := make([]string, 0, len(a.Compliance))
	for fw, ok := range a.Compliance {
		if ok {
			out = append(out, fw)
		}
	}
	sort.Strings(out)
	return out
}

func statedRisk(completion string) store.RiskLevel {
	lower := strings.ToLower(completion)
	switch {
	case strings.Contains(lower, "high risk"):
		return store.RiskHigh
	case strings.Contains(lower, "medium risk"), strings.Contains(lower, "moderate risk"):
		return store.RiskMedium
	case strings.Contains(lower, "low risk"):
		return store.RiskLow
	default:
		return store.RiskUnknown
	}
}

func severity(l store.RiskLevel) int {
	switch l {
	case store.RiskLow:
		return 1
	case store.RiskMedium:
		return 2
	case store.RiskHigh:
		return 3
	default:
		return 0
	}
}
