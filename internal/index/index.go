// Package index stores chunk embeddings in SQLite and serves brute-force
// cosine similarity search over them. Writes are document-atomic: readers
// observe either the old or the fully new state of a document, never a mix.
package index

import (
	"container/heap"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"courseta/internal/storage"
)

// ErrDimensionMismatch is returned when a vector's dimension does not match
// the dimension the index was built with. Re-embedding with a different
// model requires a full rebuild, never a partial mix.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch; index rebuild required")

// ErrNoRecords is returned when an upsert carries no chunk records.
var ErrNoRecords = errors.New("no records to index")

// Chunk is a bounded contiguous span of a document's text, the atomic unit
// of embedding and retrieval. Offsets are byte positions into the parent
// document's normalized text.
type Chunk struct {
	ID          string
	DocumentID  string
	Text        string
	StartOffset int
	EndOffset   int
	Corpus      storage.Corpus
}

// Record pairs a chunk with its embedding vector.
type Record struct {
	Chunk  Chunk
	Vector []float32
}

// SearchResult is a chunk returned by similarity search together with its
// parent document's citation fields and the similarity score.
type SearchResult struct {
	Chunk     Chunk
	SourceURL string
	Title     string
	FetchedAt time.Time
	Score     float32
}

// Better reports whether a ranks above b: higher similarity first, then
// course material above forum posts, then newest document first.
func Better(a, b SearchResult) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Chunk.Corpus != b.Chunk.Corpus {
		return a.Chunk.Corpus == storage.CorpusCourse
	}
	return a.FetchedAt.After(b.FetchedAt)
}

// SQLiteIndex is the SQLite-backed embedding index. The chunks, documents,
// and index_meta tables must already exist (created via storage migrations).
type SQLiteIndex struct {
	db *sql.DB
}

// New wraps an existing *sql.DB for index operations.
func New(db *sql.DB) *SQLiteIndex {
	return &SQLiteIndex{db: db}
}

const dimensionKey = "dimension"

// Dimension returns the vector dimension the index was built with, or 0 if
// nothing has been indexed yet.
func (x *SQLiteIndex) Dimension() (int, error) {
	return readDimension(x.db.QueryRow)
}

type rowQuerier func(query string, args ...any) *sql.Row

func readDimension(queryRow rowQuerier) (int, error) {
	var value string
	err := queryRow("SELECT value FROM index_meta WHERE key = ?", dimensionKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading index dimension: %w", err)
	}
	dim, err := strconv.Atoi(value)
	if err != nil || dim <= 0 {
		return 0, fmt.Errorf("index_meta dimension %q unreadable: index corrupt", value)
	}
	return dim, nil
}

// Count returns the number of indexed chunks.
func (x *SQLiteIndex) Count() (int, error) {
	var n int
	err := x.db.QueryRow("SELECT COUNT(*) FROM chunks").Scan(&n)
	return n, err
}

// UpsertDocument replaces the document identified by doc.SourceURL and all
// of its chunks in one transaction. Re-running with identical content yields
// the same chunk count; prior chunks for the URL are removed, never
// duplicated.
func (x *SQLiteIndex) UpsertDocument(doc storage.Document, records []Record) error {
	if len(records) == 0 {
		return ErrNoRecords
	}

	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning upsert transaction: %w", err)
	}
	defer tx.Rollback()

	dim, err := readDimension(tx.QueryRow)
	if err != nil {
		return err
	}
	if dim == 0 {
		dim = len(records[0].Vector)
		if _, err := tx.Exec(
			"INSERT INTO index_meta (key, value) VALUES (?, ?)",
			dimensionKey, strconv.Itoa(dim),
		); err != nil {
			return fmt.Errorf("recording index dimension: %w", err)
		}
	}
	for _, r := range records {
		if len(r.Vector) != dim {
			return fmt.Errorf("chunk %s has dimension %d, index has %d: %w",
				r.Chunk.ID, len(r.Vector), dim, ErrDimensionMismatch)
		}
	}

	// Replace-by-sourceURL: the cascade removes the old document's chunks.
	if _, err := tx.Exec("DELETE FROM documents WHERE source_url = ?", doc.SourceURL); err != nil {
		return fmt.Errorf("removing prior document: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO documents (id, source_url, title, corpus, raw_text, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.SourceURL, doc.Title, string(doc.Corpus), doc.RawText,
		doc.FetchedAt.UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.SourceURL, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, document_id, corpus, text, start_offset, end_offset, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing chunk insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		c := r.Chunk
		if _, err := stmt.Exec(
			c.ID, doc.ID, string(c.Corpus), c.Text, c.StartOffset, c.EndOffset,
			encodeVector(r.Vector),
		); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

// DeleteDocument removes a document and all of its chunks atomically.
func (x *SQLiteIndex) DeleteDocument(documentID string) error {
	tx, err := x.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM documents WHERE id = ?", documentID)
	if err != nil {
		return fmt.Errorf("deleting document %s: %w", documentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}

	return tx.Commit()
}

// idScore holds only the chunk ID and ranking fields during the scan phase
// of Search. Full rows are fetched only for top-K winners.
type idScore struct {
	ID        string
	Score     float32
	Corpus    storage.Corpus
	FetchedAt time.Time
}

func betterIDScore(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Corpus != b.Corpus {
		return a.Corpus == storage.CorpusCourse
	}
	return a.FetchedAt.After(b.FetchedAt)
}

// Search returns at most k chunks from the given corpus ordered by
// descending cosine similarity to vector. An empty corpus searches both.
func (x *SQLiteIndex) Search(vector []float32, k int, corpus storage.Corpus) ([]SearchResult, error) {
	if k <= 0 {
		return nil, nil
	}

	dim, err := x.Dimension()
	if err != nil {
		return nil, err
	}
	if dim == 0 {
		return nil, nil
	}
	if len(vector) != dim {
		return nil, fmt.Errorf("query vector has dimension %d, index has %d: %w",
			len(vector), dim, ErrDimensionMismatch)
	}

	queryNorm := norm(vector)
	if queryNorm == 0 {
		return nil, nil
	}

	// Phase 1: scan id, embedding, and ranking fields to find top-K candidates.
	query := `
		SELECT c.id, c.embedding, c.corpus, d.fetched_at
		FROM chunks c JOIN documents d ON d.id = c.document_id`
	args := []any{}
	if corpus != "" {
		query += " WHERE c.corpus = ?"
		args = append(args, string(corpus))
	}
	rows, err := x.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("scanning chunk vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer avoids per-row allocations while scanning.
	var buf []float32

	for rows.Next() {
		var id, chunkCorpus, fetchedAt string
		var blob []byte
		if err := rows.Scan(&id, &blob, &chunkCorpus, &fetchedAt); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeVectorInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		t, err := time.Parse(time.RFC3339, fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing fetched_at for %s: %w", id, err)
		}

		cand := idScore{
			ID:        id,
			Score:     cosine(vector, buf, queryNorm),
			Corpus:    storage.Corpus(chunkCorpus),
			FetchedAt: t,
		}
		if h.Len() < k {
			heap.Push(h, cand)
		} else if betterIDScore(cand, (*h)[0]) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Phase 2: fetch full rows only for the winners.
	topIDs := make([]string, h.Len())
	scores := make(map[string]float32, h.Len())
	for i := len(topIDs) - 1; i >= 0; i-- {
		item := heap.Pop(h).(idScore)
		topIDs[i] = item.ID
		scores[item.ID] = item.Score
	}

	queryArgs := make([]any, len(topIDs))
	for i, id := range topIDs {
		queryArgs[i] = id
	}
	fullQuery := `
		SELECT c.id, c.document_id, c.corpus, c.text, c.start_offset, c.end_offset,
		       d.source_url, d.title, d.fetched_at
		FROM chunks c JOIN documents d ON d.id = c.document_id
		WHERE c.id IN (?` + strings.Repeat(",?", len(topIDs)-1) + `)`

	fullRows, err := x.db.Query(fullQuery, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K chunks: %w", err)
	}
	defer fullRows.Close()

	var results []SearchResult
	for fullRows.Next() {
		var r SearchResult
		var chunkCorpus, fetchedAt string
		if err := fullRows.Scan(
			&r.Chunk.ID, &r.Chunk.DocumentID, &chunkCorpus, &r.Chunk.Text,
			&r.Chunk.StartOffset, &r.Chunk.EndOffset,
			&r.SourceURL, &r.Title, &fetchedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning full chunk: %w", err)
		}
		r.Chunk.Corpus = storage.Corpus(chunkCorpus)
		t, err := time.Parse(time.RFC3339, fetchedAt)
		if err != nil {
			return nil, fmt.Errorf("parsing fetched_at: %w", err)
		}
		r.FetchedAt = t
		r.Score = scores[r.Chunk.ID]
		results = append(results, r)
	}
	if err := fullRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating full chunks: %w", err)
	}

	// The IN query doesn't preserve order; re-rank the small result set.
	sortResults(results)

	return results, nil
}

// sortResults orders SearchResults by Better. Used for small slices (top-K).
func sortResults(results []SearchResult) {
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && Better(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// idScoreHeap is a min-heap of idScore: the root is the worst-ranked
// candidate, evicted first.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return betterIDScore(h[j], h[i]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
