package storage

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Corpus identifies which of the two ingested content sources a document
// belongs to. Course material ranks above forum posts at equal similarity.
type Corpus string

const (
	CorpusCourse Corpus = "course"
	CorpusForum  Corpus = "forum"
)

// Valid reports whether c is one of the two known corpora.
func (c Corpus) Valid() bool {
	return c == CorpusCourse || c == CorpusForum
}

// ParseCorpus converts a wire string into a Corpus.
func ParseCorpus(s string) (Corpus, error) {
	c := Corpus(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown corpus %q", s)
	}
	return c, nil
}

// Document is a normalized scraped page or forum thread. Identity is
// SourceURL: re-ingesting the same URL replaces the prior document and its
// chunks, never appends duplicates.
type Document struct {
	ID        string
	SourceURL string
	Title     string
	Corpus    Corpus
	RawText   string
	FetchedAt time.Time
}

// HistoryEntry is one question/answer pair in the append-only chat log.
type HistoryEntry struct {
	ID        string
	SessionID string
	Question  string
	Answer    string
	CreatedAt time.Time
}
