package query

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeCaptioner returns a fixed description or error.
type fakeCaptioner struct {
	desc string
	err  error
}

func (f *fakeCaptioner) Describe(_ context.Context, _ string, _ []byte) (string, error) {
	return f.desc, f.err
}

// pngHeader is enough for content-type sniffing.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

func TestNormalize_TextOnly(t *testing.T) {
	n := NewNormalizer(&fakeCaptioner{})

	got, warnings := n.Normalize(context.Background(), "  Should I use Docker or Podman?  ", nil)
	if got != "Should I use Docker or Podman?" {
		t.Errorf("got %q", got)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
}

func TestNormalize_AppendsImageDescription(t *testing.T) {
	n := NewNormalizer(&fakeCaptioner{desc: "a terminal showing a permission denied error"})

	got, warnings := n.Normalize(context.Background(), "Why does this fail?", []Attachment{
		{MimeType: "image/png", Data: pngHeader},
	})
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	want := "Why does this fail?\n\nImage context: a terminal showing a permission denied error"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNormalize_CorruptAttachmentDegradesToText(t *testing.T) {
	n := NewNormalizer(&fakeCaptioner{err: errors.New("cannot decode image")})

	got, warnings := n.Normalize(context.Background(), "What is this error?", []Attachment{
		{MimeType: "image/jpeg", Data: []byte{0xde, 0xad, 0xbe, 0xef}},
	})
	if got != "What is this error?" {
		t.Errorf("got %q, want question text only", got)
	}
	if len(warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one", warnings)
	}
	if !strings.Contains(warnings[0], "attachment 1") {
		t.Errorf("warning %q does not identify the attachment", warnings[0])
	}
}

func TestNormalize_NonImageAttachmentWarned(t *testing.T) {
	n := NewNormalizer(&fakeCaptioner{desc: "should never be used"})

	got, warnings := n.Normalize(context.Background(), "question", []Attachment{
		{MimeType: "application/zip", Data: []byte("PK...")},
	})
	if got != "question" {
		t.Errorf("got %q", got)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0], "unsupported attachment type") {
		t.Errorf("warnings = %v", warnings)
	}
}

func TestNormalize_SniffsMissingMimeType(t *testing.T) {
	n := NewNormalizer(&fakeCaptioner{desc: "a chart"})

	got, warnings := n.Normalize(context.Background(), "explain", []Attachment{
		{Data: pngHeader},
	})
	if len(warnings) != 0 {
		t.Fatalf("warnings = %v", warnings)
	}
	if !strings.Contains(got, "a chart") {
		t.Errorf("got %q, description missing", got)
	}
}

func TestNormalize_EmptyAttachmentWarned(t *testing.T) {
	n := NewNormalizer(&fakeCaptioner{desc: "x"})

	_, warnings := n.Normalize(context.Background(), "q", []Attachment{{}})
	if len(warnings) != 1 {
		t.Errorf("warnings = %v, want one", warnings)
	}
}
