package crawler

import (
	"net/url"
	"strings"
)

// Document types assigned to fetched pages.
const (
	TypeSecurityPage   = "security_page"
	TypePrivacyPolicy  = "privacy_policy"
	TypeTrustCenter    = "trust_center"
	TypeComplianceDoc  = "compliance_doc"
	TypeStatusPage     = "status_page"
	TypeBlogPost       = "blog_post"
	TypeTermsOfService = "terms_of_service"
	TypeOther          = "other"
)

var trustKeywords = []string{
	"security", "privacy", "compliance", "soc 2", "soc2", "iso 27001",
	"gdpr", "hipaa", "trust center", "certifications", "certificate",
	"data protection", "incident", "vulnerability", "encryption",
	"authentication", "authorization", "pci", "terms", "policy",
}

// linkKeywords mark a link's path or anchor text as trust documentation.
var linkKeywords = []string{
	"security", "trust", "privacy", "legal", "compliance", "terms", "gdpr",
	"soc2", "soc-2", "hipaa", "certification", "policies", "policy", "status",
	"dpa", "subprocessor", "cookie", "data-processing", "iso",
}

// ClassifyDocument assigns a document type from the URL, falling back to the
// opening text for privacy policies.
func ClassifyDocument(rawURL, text string) string {
	p := strings.ToLower(rawURL)
	if u, err := url.Parse(rawURL); err == nil {
		p = strings.ToLower(u.Host + u.Path)
	}
	head := text
	if len(head) > 500 {
		head = head[:500]
	}

	switch {
	case strings.Contains(p, "privacy") || strings.Contains(strings.ToLower(head), "privacy policy"):
		return TypePrivacyPolicy
	case strings.Contains(p, "security"):
		return TypeSecurityPage
	case strings.Contains(p, "trust"):
		return TypeTrustCenter
	case strings.Contains(p, "compliance") || strings.Contains(p, "certification"):
		return TypeComplianceDoc
	case strings.Contains(p, "status") || strings.Contains(p, "uptime"):
		return TypeStatusPage
	case strings.Contains(p, "blog") || strings.Contains(p, "incident"):
		return TypeBlogPost
	case strings.Contains(p, "terms"):
		return TypeTermsOfService
	default:
		return TypeOther
	}
}

// IsTrustPage reports whether a page is trust documentation, by URL pattern
// or by at least two trust keywords in its text.
func IsTrustPage(rawURL, text string) bool {
	if IsTrustLink(rawURL, "") {
		return true
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, kw := range trustKeywords {
		if strings.Contains(lower, kw) {
			hits++
			if hits >= 2 {
				return true
			}
		}
	}
	return false
}

// IsTrustLink reports whether a link's path or anchor text names trust documentation.
func IsTrustLink(rawURL, anchor string) bool {
	p := strings.ToLower(rawURL)
	if u, err := url.Parse(rawURL); err == nil {
		p = strings.ToLower(u.Path)
	}
	a := strings.ToLower(anchor)
	for _, kw := range linkKeywords {
		if strings.Contains(p, kw) || strings.Contains(a, kw) {
			return true
		}
	}
	return false
}
