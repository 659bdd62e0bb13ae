// Package normalize turns raw scraped course pages and forum posts into the
// uniform Document representation the rest of the pipeline consumes.
package normalize

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"courseta/internal/storage"
)

// RawDocument is a scraped page or forum post as delivered by the fetching
// layer, before normalization.
type RawDocument struct {
	SourceURL string
	Title     string
	RawText   string // textual content: HTML, markdown, or plain text
	Data      []byte // binary content (PDF handouts); takes precedence over RawText
	MimeType  string // optional content-type hint from the fetcher
	Corpus    storage.Corpus
	FetchedAt time.Time
}

// minForumPostLen filters out one-liner forum posts ("thanks!", "+1") that
// carry no retrievable content.
const minForumPostLen = 25

// Normalize converts a raw document into a Document. A document that
// normalizes to empty text is returned with RawText == "" and is expected to
// be skipped by the caller, not treated as an error.
func Normalize(raw RawDocument) (storage.Document, error) {
	if raw.SourceURL == "" {
		return storage.Document{}, fmt.Errorf("document has no source URL")
	}
	if !raw.Corpus.Valid() {
		return storage.Document{}, fmt.Errorf("document %s: unknown corpus %q", raw.SourceURL, raw.Corpus)
	}

	title := raw.Title
	sourceURL := raw.SourceURL
	var text string

	switch {
	case isPDF(raw):
		extracted, err := extractPDF(raw.Data)
		if err != nil {
			return storage.Document{}, fmt.Errorf("document %s: extracting pdf: %w", raw.SourceURL, err)
		}
		text = extracted

	case looksLikeHTML(raw):
		extracted, htmlTitle, err := extractHTML(raw.RawText)
		if err != nil {
			return storage.Document{}, fmt.Errorf("document %s: parsing html: %w", raw.SourceURL, err)
		}
		text = extracted
		if title == "" {
			title = htmlTitle
		}

	default:
		body, front := stripFrontMatter(raw.RawText)
		text = body
		if title == "" {
			title = front["title"]
		}
		// The course scraper records the live page URL in front matter;
		// it is the canonical identity, not the local file path.
		if u := front["original_url"]; u != "" {
			sourceURL = u
		}
	}

	if raw.Corpus == storage.CorpusForum {
		text = cleanForumText(text)
		if len(text) < minForumPostLen {
			text = ""
		}
	} else {
		text = collapseWhitespace(text)
	}

	if title == "" {
		title = sourceURL
	}

	fetchedAt := raw.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = time.Now().UTC()
	}

	return storage.Document{
		ID:        uuid.New().String(),
		SourceURL: sourceURL,
		Title:     title,
		Corpus:    raw.Corpus,
		RawText:   text,
		FetchedAt: fetchedAt,
	}, nil
}

func isPDF(raw RawDocument) bool {
	if raw.MimeType == "application/pdf" {
		return true
	}
	return len(raw.Data) >= 4 && bytes.HasPrefix(raw.Data, []byte("%PDF"))
}

func looksLikeHTML(raw RawDocument) bool {
	if strings.HasPrefix(raw.MimeType, "text/html") {
		return true
	}
	trimmed := strings.TrimSpace(raw.RawText)
	return strings.HasPrefix(trimmed, "<!DOCTYPE") || strings.HasPrefix(trimmed, "<html") ||
		strings.HasPrefix(trimmed, "<!doctype")
}

// extractPDF pulls plain text out of a PDF handout.
func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	reader, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if _, err := io.Copy(&sb, reader); err != nil {
		return "", err
	}
	return collapseWhitespace(sb.String()), nil
}

// extractHTML strips markup and returns block-aware plain text plus the page
// title. The course site wraps its content in <article class="markdown-section">;
// when present only that subtree is extracted.
func extractHTML(rawHTML string) (text, title string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(rawHTML))
	if err != nil {
		return "", "", err
	}

	title = strings.TrimSpace(doc.Find("title").First().Text())

	doc.Find("script, style, noscript, nav, svg, iframe").Remove()

	content := doc.Find("article.markdown-section")
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	if content.Length() == 0 {
		// Fragment without a body element.
		content = doc.Selection
	}

	var sb strings.Builder
	for _, node := range content.Nodes {
		renderText(&sb, node)
	}
	return collapseWhitespace(sb.String()), title, nil
}

// blockTags are elements whose close implies a line break in rendered text.
var blockTags = map[string]bool{
	"p": true, "div": true, "section": true, "article": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"li": true, "tr": true, "blockquote": true, "pre": true, "table": true,
	"ul": true, "ol": true,
}

// renderText walks an HTML node tree appending text content, inserting
// newlines at block element boundaries so paragraph structure survives for
// the chunker.
func renderText(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(n.Data)
	case html.ElementNode:
		if n.Data == "br" {
			sb.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderText(sb, c)
	}
	if n.Type == html.ElementNode && blockTags[n.Data] {
		sb.WriteString("\n\n")
	}
}

// Discourse artifacts stripped from forum posts.
var (
	quoteBlockRe = regexp.MustCompile(`(?s)\[quote=[^\]]*\].*?\[/quote\]`)
	mentionRe    = regexp.MustCompile(`@\w+\b`)
	codeBlockRe  = regexp.MustCompile("(?s)```.*?```")
	spacesRe     = regexp.MustCompile(`[ \t]+`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// cleanForumText removes quoted replies, user mentions, and collapses fenced
// code blocks to a [code] marker so boilerplate doesn't dominate embeddings.
func cleanForumText(text string) string {
	text = quoteBlockRe.ReplaceAllString(text, "")
	text = mentionRe.ReplaceAllString(text, "")
	text = codeBlockRe.ReplaceAllString(text, "[code]")
	return collapseWhitespace(text)
}

// collapseWhitespace squeezes runs of spaces and blank lines while keeping
// paragraph breaks intact for the chunker's boundary detection.
func collapseWhitespace(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = spacesRe.ReplaceAllString(text, " ")
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// stripFrontMatter removes a leading `---` YAML block from markdown and
// returns its key/value pairs. The course scraper records page title and
// original URL there.
func stripFrontMatter(text string) (body string, front map[string]string) {
	front = map[string]string{}
	if !strings.HasPrefix(text, "---") {
		return text, front
	}
	parts := strings.SplitN(text, "---", 3)
	if len(parts) < 3 {
		return text, front
	}
	for _, line := range strings.Split(parts[1], "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		front[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(value), `"`)
	}
	return parts[2], front
}
