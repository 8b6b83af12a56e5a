package crawler

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

var (
	excessiveLinesRe = regexp.MustCompile(`\n{3,}`)
	mdImageRe        = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	mdLinkRe         = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
)

// strippedTags never carry trust documentation text.
var strippedTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "nav": true, "header": true,
	"footer": true, "iframe": true, "svg": true, "form": true, "button": true,
	"object": true, "embed": true, "template": true,
}

// Link is an outbound anchor found on a page.
type Link struct {
	URL  string
	Text string
}

// Page is the readable content of a fetched HTML page.
type Page struct {
	Title string
	Text  string
	Links []Link
}

// Extractor turns HTML into readable text and its outbound links.
type Extractor struct {
	converter *md.Converter
}

// NewExtractor creates an extractor.
func NewExtractor() *Extractor {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Extractor{converter: conv}
}

// Extract parses body, collects links (resolved against baseURL and
// normalized) before stripping page chrome, and converts the remaining
// content to plain paragraphs.
func (e *Extractor) Extract(body []byte, baseURL string) (*Page, error) {
	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parsing html: %w", err)
	}

	page := &Page{
		Title: extractTitle(doc),
		Links: extractLinks(doc, baseURL),
	}

	removeElements(doc)
	root := findElement(doc, "main")
	if root == nil {
		root = findElement(doc, "article")
	}
	if root == nil {
		root = findElement(doc, "body")
	}
	if root == nil {
		root = doc
	}

	var sb strings.Builder
	if err := html.Render(&sb, root); err != nil {
		return nil, fmt.Errorf("rendering html: %w", err)
	}
	markdown, err := e.converter.ConvertString(sb.String())
	if err != nil {
		return nil, fmt.Errorf("converting html: %w", err)
	}
	page.Text = cleanText(markdown)

	if page.Title == "" {
		page.Title = firstHeading(page.Text)
	}
	return page, nil
}

func extractTitle(doc *html.Node) string {
	if n := findElement(doc, "title"); n != nil {
		return strings.Join(strings.Fields(textContent(n)), " ")
	}
	return ""
}

func extractLinks(doc *html.Node, baseURL string) []Link {
	seen := make(map[string]bool)
	var links []Link
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" {
			for _, a := range n.Attr {
				if a.Key != "href" {
					continue
				}
				href := strings.TrimSpace(a.Val)
				if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") ||
					strings.HasPrefix(strings.ToLower(href), "mailto:") {
					break
				}
				u, err := NormalizeURL(baseURL, href)
				if err != nil || seen[u] {
					break
				}
				seen[u] = true
				links = append(links, Link{URL: u, Text: strings.Join(strings.Fields(textContent(n)), " ")})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func removeElements(n *html.Node) {
	var toRemove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.ElementNode && strippedTags[node.Data] {
			toRemove = append(toRemove, node)
			return
		}
		if node.Type == html.CommentNode {
			toRemove = append(toRemove, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)
	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

// cleanText drops markdown link and image syntax, keeping anchor text, and
// collapses runs of blank lines so paragraphs stay separated by one blank line.
func cleanText(markdown string) string {
	s := mdImageRe.ReplaceAllString(markdown, "")
	s = mdLinkRe.ReplaceAllString(s, "$1")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = strings.Join(lines, "\n")
	s = excessiveLinesRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

func firstHeading(text string) string {
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "# ") {
			return strings.TrimSpace(trimmed[2:])
		}
	}
	return ""
}
