// Package pipeline orchestrates the two top-level flows: corpus ingestion
// (normalize, chunk, embed, index) and question answering (normalize,
// retrieve, synthesize).
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"courseta/internal/chunker"
	"courseta/internal/index"
	"courseta/internal/normalize"
	"courseta/internal/provider"
	"courseta/internal/query"
	"courseta/internal/retrieval"
	"courseta/internal/storage"
	"courseta/internal/synthesis"
)

// embedConcurrency caps parallel embedding calls during ingestion.
const embedConcurrency = 4

// Indexer is the index capability ingestion depends on.
type Indexer interface {
	UpsertDocument(doc storage.Document, records []index.Record) error
}

// Retriever produces ranked candidates for a normalized question.
type Retriever interface {
	Retrieve(ctx context.Context, text string, k int) ([]retrieval.Candidate, error)
}

// Synthesizer turns candidates into a cited answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, candidates []retrieval.Candidate) (synthesis.Answer, error)
}

// QueryNormalizer folds image attachments into the question text.
type QueryNormalizer interface {
	Normalize(ctx context.Context, question string, attachments []query.Attachment) (string, []string)
}

// HistoryWriter records answered questions.
type HistoryWriter interface {
	AppendHistory(e storage.HistoryEntry) error
}

// Report summarizes one ingestion run.
type Report struct {
	DocumentsIndexed int
	ChunksIndexed    int
	Skipped          int
	Errors           []string
}

// Response is a synthesized answer plus any attachment warnings.
type Response struct {
	Answer   synthesis.Answer
	Warnings []string
}

// Service wires the full question-answering pipeline.
type Service struct {
	embedder    provider.Embedder
	idx         Indexer
	retriever   Retriever
	synthesizer Synthesizer
	queries     QueryNormalizer
	history     HistoryWriter

	topK          int
	maxTokens     int
	overlapTokens int

	// ingestMu serializes ingestion runs. Answering stays concurrent;
	// only bulk writes are single-flight.
	ingestMu sync.Mutex
}

// NewService creates a Service. topK defaults to 5; chunking limits
// default to 300/50 tokens.
func NewService(
	embedder provider.Embedder,
	idx Indexer,
	retriever Retriever,
	synthesizer Synthesizer,
	queries QueryNormalizer,
	history HistoryWriter,
	topK, maxTokens, overlapTokens int,
) *Service {
	if topK <= 0 {
		topK = 5
	}
	if maxTokens <= 0 {
		maxTokens = 300
	}
	if overlapTokens <= 0 {
		overlapTokens = 50
	}
	return &Service{
		embedder:      embedder,
		idx:           idx,
		retriever:     retriever,
		synthesizer:   synthesizer,
		queries:       queries,
		history:       history,
		topK:          topK,
		maxTokens:     maxTokens,
		overlapTokens: overlapTokens,
	}
}

// Ingest normalizes, chunks, embeds, and indexes the given raw documents.
// Each document is processed independently: a failure is recorded in the
// report and the run continues. Runs are serialized; a second call blocks
// until the first finishes.
func (s *Service) Ingest(ctx context.Context, raws []normalize.RawDocument) (Report, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	var report Report
	for _, raw := range raws {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		chunks, err := s.ingestOne(ctx, raw)
		if err != nil {
			report.Skipped++
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", raw.SourceURL, err))
			slog.Warn("document skipped", "url", raw.SourceURL, "error", err)
			continue
		}
		if chunks == 0 {
			report.Skipped++
			continue
		}
		report.DocumentsIndexed++
		report.ChunksIndexed += chunks
	}

	slog.Info("ingestion complete",
		"documents", report.DocumentsIndexed,
		"chunks", report.ChunksIndexed,
		"skipped", report.Skipped,
	)
	return report, nil
}

// ingestOne processes a single raw document and returns the number of
// chunks indexed. A document that normalizes to empty text (for example a
// forum post below the length cutoff) yields zero chunks and is skipped
// without error.
func (s *Service) ingestOne(ctx context.Context, raw normalize.RawDocument) (int, error) {
	doc, err := normalize.Normalize(raw)
	if err != nil {
		return 0, fmt.Errorf("normalizing: %w", err)
	}
	if doc.RawText == "" {
		return 0, nil
	}

	spans := chunker.Split(doc.RawText, s.maxTokens, s.overlapTokens)
	if len(spans) == 0 {
		return 0, nil
	}

	records := make([]index.Record, len(spans))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, span := range spans {
		g.Go(func() error {
			vec, err := s.embedder.Embed(gctx, span.Text)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", i, err)
			}
			records[i] = index.Record{
				Chunk: index.Chunk{
					ID:          uuid.NewString(),
					DocumentID:  doc.ID,
					Text:        span.Text,
					StartOffset: span.Start,
					EndOffset:   span.End,
					Corpus:      doc.Corpus,
				},
				Vector: vec,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := s.idx.UpsertDocument(doc, records); err != nil {
		return 0, fmt.Errorf("indexing: %w", err)
	}
	return len(records), nil
}

// Answer resolves a question end to end: attachment captions are folded
// into the query text, candidates are retrieved from both corpora, and the
// answer is synthesized with citations. The question/answer pair is logged
// to history best-effort; a history failure never fails the answer.
func (s *Service) Answer(ctx context.Context, question string, attachments []query.Attachment, sessionID string) (Response, error) {
	normalized, warnings := s.queries.Normalize(ctx, question, attachments)
	if normalized == "" {
		return Response{}, fmt.Errorf("empty question")
	}

	candidates, err := s.retriever.Retrieve(ctx, normalized, s.topK)
	if err != nil {
		return Response{}, fmt.Errorf("retrieving: %w", err)
	}

	answer, err := s.synthesizer.Synthesize(ctx, normalized, candidates)
	if err != nil {
		return Response{}, fmt.Errorf("synthesizing: %w", err)
	}

	if s.history != nil {
		entry := storage.HistoryEntry{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Question:  question,
			Answer:    answer.Answer,
			CreatedAt: time.Now().UTC(),
		}
		go func() {
			if err := s.history.AppendHistory(entry); err != nil {
				slog.Warn("history append failed", "error", err)
			}
		}()
	}

	return Response{Answer: answer, Warnings: warnings}, nil
}
