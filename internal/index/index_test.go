package index

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"courseta/internal/storage"
)

func openTestIndex(t *testing.T) (*SQLiteIndex, *sql.DB) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store.DB()), store.DB()
}

func testVector(dim int, seed float32) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)*0.001
	}
	return v
}

func testDoc(url string, corpus storage.Corpus, fetchedAt time.Time) storage.Document {
	return storage.Document{
		ID:        "doc-" + url,
		SourceURL: url,
		Title:     "t",
		Corpus:    corpus,
		RawText:   "text",
		FetchedAt: fetchedAt,
	}
}

func testRecords(doc storage.Document, n int, seed float32) []Record {
	records := make([]Record, n)
	for i := range records {
		records[i] = Record{
			Chunk: Chunk{
				ID:          fmt.Sprintf("%s-c%d", doc.ID, i),
				DocumentID:  doc.ID,
				Text:        fmt.Sprintf("chunk %d", i),
				StartOffset: i * 100,
				EndOffset:   (i + 1) * 100,
				Corpus:      doc.Corpus,
			},
			Vector: testVector(16, seed+float32(i)*0.05),
		}
	}
	return records
}

func TestUpsertAndSearch(t *testing.T) {
	idx, _ := openTestIndex(t)

	doc := testDoc("https://example.com/a", storage.CorpusCourse, time.Now().UTC())
	records := testRecords(doc, 1, 0.1)
	if err := idx.UpsertDocument(doc, records); err != nil {
		t.Fatalf("UpsertDocument: %v", err)
	}

	results, err := idx.Search(records[0].Vector, 1, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Score < 0.99 {
		t.Errorf("score = %f, want > 0.99", results[0].Score)
	}
	if results[0].SourceURL != doc.SourceURL {
		t.Errorf("SourceURL = %q, want %q", results[0].SourceURL, doc.SourceURL)
	}
}

func TestUpsert_ReplacesBySourceURL(t *testing.T) {
	idx, db := openTestIndex(t)

	doc := testDoc("https://example.com/a", storage.CorpusCourse, time.Now().UTC())
	if err := idx.UpsertDocument(doc, testRecords(doc, 3, 0.1)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// Same URL with a new document identity replaces, never appends.
	doc2 := doc
	doc2.ID = "doc-v2"
	records2 := testRecords(doc2, 2, 0.3)
	if err := idx.UpsertDocument(doc2, records2); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 2 {
		t.Errorf("chunk count = %d, want 2", count)
	}

	var docCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&docCount); err != nil {
		t.Fatalf("counting documents: %v", err)
	}
	if docCount != 1 {
		t.Errorf("document count = %d, want 1", docCount)
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	idx, _ := openTestIndex(t)

	doc := testDoc("https://example.com/a", storage.CorpusCourse, time.Now().UTC())
	records := testRecords(doc, 3, 0.1)

	for i := 0; i < 2; i++ {
		if err := idx.UpsertDocument(doc, records); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 3 {
		t.Errorf("chunk count = %d, want 3", count)
	}
}

func TestUpsert_NoRecords(t *testing.T) {
	idx, _ := openTestIndex(t)

	doc := testDoc("https://example.com/a", storage.CorpusCourse, time.Now().UTC())
	if err := idx.UpsertDocument(doc, nil); !errors.Is(err, ErrNoRecords) {
		t.Errorf("err = %v, want ErrNoRecords", err)
	}
}

func TestUpsert_DimensionMismatch(t *testing.T) {
	idx, _ := openTestIndex(t)

	doc := testDoc("https://example.com/a", storage.CorpusCourse, time.Now().UTC())
	if err := idx.UpsertDocument(doc, testRecords(doc, 1, 0.1)); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	other := testDoc("https://example.com/b", storage.CorpusCourse, time.Now().UTC())
	bad := []Record{{
		Chunk:  Chunk{ID: "bad", DocumentID: other.ID, Text: "x", Corpus: other.Corpus},
		Vector: testVector(8, 0.1), // index was built with 16
	}}
	if err := idx.UpsertDocument(other, bad); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}

	// Failed upsert must leave nothing behind.
	count, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Errorf("chunk count = %d, want 1", count)
	}
}

func TestSearch_DimensionMismatch(t *testing.T) {
	idx, _ := openTestIndex(t)

	doc := testDoc("https://example.com/a", storage.CorpusCourse, time.Now().UTC())
	if err := idx.UpsertDocument(doc, testRecords(doc, 1, 0.1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, err := idx.Search(testVector(8, 0.1), 1, ""); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("err = %v, want ErrDimensionMismatch", err)
	}
}

func TestSearch_EmptyIndex(t *testing.T) {
	idx, _ := openTestIndex(t)

	results, err := idx.Search(testVector(16, 0.1), 5, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results, want 0", len(results))
	}
}

func TestSearch_CorpusFilter(t *testing.T) {
	idx, _ := openTestIndex(t)

	now := time.Now().UTC()
	course := testDoc("https://example.com/course", storage.CorpusCourse, now)
	forum := testDoc("https://forum.example.com/t/1", storage.CorpusForum, now)
	if err := idx.UpsertDocument(course, testRecords(course, 2, 0.1)); err != nil {
		t.Fatalf("upsert course: %v", err)
	}
	if err := idx.UpsertDocument(forum, testRecords(forum, 2, 0.1)); err != nil {
		t.Fatalf("upsert forum: %v", err)
	}

	results, err := idx.Search(testVector(16, 0.1), 10, storage.CorpusForum)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Chunk.Corpus != storage.CorpusForum {
			t.Errorf("corpus = %q, want forum", r.Chunk.Corpus)
		}
	}
}

func TestSearch_TieBreaks(t *testing.T) {
	idx, _ := openTestIndex(t)

	vec := testVector(16, 0.5)
	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	// Identical vectors produce identical scores; ranking falls back to
	// corpus priority, then recency.
	docs := []struct {
		url    string
		corpus storage.Corpus
		at     time.Time
	}{
		{"https://forum.example.com/t/1", storage.CorpusForum, newer},
		{"https://example.com/old", storage.CorpusCourse, old},
		{"https://example.com/new", storage.CorpusCourse, newer},
	}
	for _, d := range docs {
		doc := testDoc(d.url, d.corpus, d.at)
		rec := []Record{{
			Chunk:  Chunk{ID: "c-" + d.url, DocumentID: doc.ID, Text: "same", Corpus: d.corpus},
			Vector: vec,
		}}
		if err := idx.UpsertDocument(doc, rec); err != nil {
			t.Fatalf("upsert %s: %v", d.url, err)
		}
	}

	results, err := idx.Search(vec, 3, "")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}

	wantOrder := []string{
		"https://example.com/new",
		"https://example.com/old",
		"https://forum.example.com/t/1",
	}
	for i, want := range wantOrder {
		if results[i].SourceURL != want {
			t.Errorf("rank %d = %q, want %q", i, results[i].SourceURL, want)
		}
	}
}

func TestDeleteDocument(t *testing.T) {
	idx, _ := openTestIndex(t)

	doc := testDoc("https://example.com/a", storage.CorpusCourse, time.Now().UTC())
	if err := idx.UpsertDocument(doc, testRecords(doc, 3, 0.1)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := idx.DeleteDocument(doc.ID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	count, err := idx.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 0 {
		t.Errorf("chunk count = %d, want 0 after delete", count)
	}

	if err := idx.DeleteDocument(doc.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	v := testVector(32, 0.7)
	decoded, err := decodeVector(encodeVector(v))
	if err != nil {
		t.Fatalf("decodeVector: %v", err)
	}
	if len(decoded) != len(v) {
		t.Fatalf("len = %d, want %d", len(decoded), len(v))
	}
	for i := range v {
		if decoded[i] != v[i] {
			t.Fatalf("decoded[%d] = %f, want %f", i, decoded[i], v[i])
		}
	}

	if _, err := decodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected corruption error for truncated blob")
	}
}
