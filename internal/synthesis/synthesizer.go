// Package synthesis turns ranked retrieval candidates into a grounded
// answer with source links.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"courseta/internal/chunker"
	"courseta/internal/provider"
	"courseta/internal/retrieval"
)

const (
	defaultMaxContextTokens = 4000
	defaultMaxLinks         = 5
	excerptLen              = 200

	// insufficientGrounding is returned when retrieval produced nothing to
	// cite. No completion call is made in that case.
	insufficientGrounding = "I don't have enough information in the course materials to answer this question. Try rephrasing it, or check the course content and forum directly."
)

// Link is one cited source in an answer.
type Link struct {
	URL  string `json:"url"`
	Text string `json:"text"`
}

// Answer is the final response to a question.
type Answer struct {
	Answer string `json:"answer"`
	Links  []Link `json:"links"`
}

// Synthesizer builds a grounded prompt from candidates and parses the
// model's cited answer.
type Synthesizer struct {
	completer        provider.Completer
	maxContextTokens int
	maxLinks         int
}

// New creates a Synthesizer. Non-positive limits fall back to defaults
// (4000 context tokens, 5 links).
func New(completer provider.Completer, maxContextTokens, maxLinks int) *Synthesizer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if maxLinks <= 0 {
		maxLinks = defaultMaxLinks
	}
	return &Synthesizer{completer: completer, maxContextTokens: maxContextTokens, maxLinks: maxLinks}
}

// Synthesize answers the question from the given candidates. Candidates
// must arrive in rank order; lower-ranked ones are dropped first when the
// context token budget runs out. With no candidates it returns a fixed
// refusal without calling the completion provider.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, candidates []retrieval.Candidate) (Answer, error) {
	if len(candidates) == 0 {
		return Answer{Answer: insufficientGrounding, Links: []Link{}}, nil
	}

	selected := s.fitBudget(candidates)
	prompt := buildPrompt(question, selected)

	raw, err := s.completer.Complete(ctx, prompt)
	if err != nil {
		return Answer{}, fmt.Errorf("completing answer: %w", err)
	}

	text, cited, err := parseAnswer(raw)
	if err != nil {
		// The model ignored the output contract. Keep its prose and cite
		// everything it was shown rather than failing the request.
		slog.Warn("unstructured completion response", "error", err)
		text = strings.TrimSpace(raw)
		cited = allIndices(len(selected))
	}

	return Answer{Answer: text, Links: s.buildLinks(selected, cited)}, nil
}

// fitBudget keeps candidates, in rank order, whose formatted excerpts fit
// the context token budget. The first candidate is always kept so the
// prompt never degenerates to zero excerpts.
func (s *Synthesizer) fitBudget(candidates []retrieval.Candidate) []retrieval.Candidate {
	remaining := s.maxContextTokens
	var selected []retrieval.Candidate
	for i, c := range candidates {
		entry := formatExcerpt(i+1, c)
		tokens := chunker.EstimateTokens(entry)
		if tokens > remaining && len(selected) > 0 {
			continue
		}
		selected = append(selected, c)
		remaining -= tokens
	}
	return selected
}

// buildLinks maps cited excerpt numbers (1-based) back to source links,
// deduplicating by URL and capping at maxLinks.
func (s *Synthesizer) buildLinks(selected []retrieval.Candidate, cited []int) []Link {
	links := []Link{}
	seen := make(map[string]bool)
	for _, n := range cited {
		if n < 1 || n > len(selected) {
			continue
		}
		c := selected[n-1]
		if seen[c.SourceURL] {
			continue
		}
		seen[c.SourceURL] = true
		links = append(links, Link{URL: c.SourceURL, Text: excerpt(c.Chunk.Text)})
		if len(links) == s.maxLinks {
			break
		}
	}
	return links
}

func buildPrompt(question string, selected []retrieval.Candidate) string {
	var sb strings.Builder
	sb.WriteString("You are a teaching assistant for an online course. Answer the student's question using only the numbered excerpts below. If they don't contain the answer, say so.\n\n")
	for i, c := range selected {
		sb.WriteString(formatExcerpt(i+1, c))
	}
	sb.WriteString("Question: ")
	sb.WriteString(question)
	sb.WriteString("\n\nRespond with a JSON object: {\"answer\": \"your answer\", \"sources\": [excerpt numbers you relied on]}. Cite only excerpts you actually used.")
	return sb.String()
}

func formatExcerpt(n int, c retrieval.Candidate) string {
	title := c.Title
	if title == "" {
		title = c.SourceURL
	}
	return fmt.Sprintf("[%d] %s (%s)\n%s\n\n", n, title, c.SourceURL, c.Chunk.Text)
}

// parseAnswer extracts the answer text and cited excerpt numbers from an
// LLM response. Models frequently wrap JSON in markdown code fences or
// prepend conversational filler, so the parser strips fences, then takes
// the span between the first { and the last }.
func parseAnswer(resp string) (string, []int, error) {
	s := strings.TrimSpace(resp)

	if idx := strings.Index(s, "```"); idx != -1 {
		s = s[idx+3:]
		if strings.HasPrefix(s, "json") {
			s = s[4:]
		}
		if end := strings.Index(s, "```"); end != -1 {
			s = s[:end]
		}
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end <= start {
		return "", nil, fmt.Errorf("no JSON object in response")
	}

	var obj struct {
		Answer  string `json:"answer"`
		Sources []int  `json:"sources"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return "", nil, fmt.Errorf("unmarshal answer: %w", err)
	}
	if strings.TrimSpace(obj.Answer) == "" {
		return "", nil, fmt.Errorf("empty answer field")
	}
	return obj.Answer, obj.Sources, nil
}

// excerpt flattens whitespace and truncates to excerptLen bytes at a rune
// boundary, always terminating with an ellipsis marker.
func excerpt(text string) string {
	flat := strings.Join(strings.Fields(text), " ")
	if len(flat) > excerptLen {
		cut := excerptLen
		for cut > 0 && !utf8.RuneStart(flat[cut]) {
			cut--
		}
		flat = flat[:cut]
	}
	return flat + "..."
}

func allIndices(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}
