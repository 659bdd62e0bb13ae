// Package query folds a question and its image attachments into a single
// textual query representation shared by retrieval and synthesis.
package query

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"courseta/internal/provider"
)

// Attachment is an image supplied alongside a question. It exists only for
// the duration of one request.
type Attachment struct {
	MimeType string
	Data     []byte
}

// captionSeparator joins the question with each image description. The
// synthesizer and the embedder both see the combined text.
const captionSeparator = "\n\nImage context: "

// Normalizer converts a question plus attachments into normalized query text.
type Normalizer struct {
	captioner provider.Captioner
}

// NewNormalizer creates a Normalizer using the given image captioner.
func NewNormalizer(captioner provider.Captioner) *Normalizer {
	return &Normalizer{captioner: captioner}
}

// Normalize describes each image attachment and appends the description to
// the question text. An attachment that cannot be processed degrades the
// query to whatever text is available and adds a warning; it never fails
// the request.
func (n *Normalizer) Normalize(ctx context.Context, question string, attachments []Attachment) (string, []string) {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(question))

	var warnings []string
	for i, att := range attachments {
		desc, err := n.describe(ctx, att)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("attachment %d: %v", i+1, err))
			continue
		}
		sb.WriteString(captionSeparator)
		sb.WriteString(desc)
	}

	return sb.String(), warnings
}

func (n *Normalizer) describe(ctx context.Context, att Attachment) (string, error) {
	if len(att.Data) == 0 {
		return "", fmt.Errorf("empty attachment data")
	}

	mimeType := att.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(att.Data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("unsupported attachment type %q", mimeType)
	}

	desc, err := n.captioner.Describe(ctx, mimeType, att.Data)
	if err != nil {
		return "", fmt.Errorf("describing image: %w", err)
	}
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return "", fmt.Errorf("captioner returned no description")
	}
	return desc, nil
}
