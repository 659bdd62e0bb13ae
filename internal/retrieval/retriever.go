// Package retrieval embeds a normalized query and merges nearest-neighbor
// results from the two corpora into one ranked candidate list.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"courseta/internal/index"
	"courseta/internal/provider"
	"courseta/internal/storage"
)

// Candidate is a retrieved chunk with its citation fields and similarity
// score, ready for answer synthesis.
type Candidate struct {
	Chunk     index.Chunk
	SourceURL string
	Title     string
	FetchedAt time.Time
	Score     float32
}

// Searcher is the index capability the retriever depends on.
type Searcher interface {
	Search(vector []float32, k int, corpus storage.Corpus) ([]index.SearchResult, error)
}

// Retriever combines the embedding capability and the index.
type Retriever struct {
	embedder provider.Embedder
	idx      Searcher
	floor    float32
}

// NewRetriever creates a Retriever. Candidates scoring below floor are
// dropped; pass 0 to keep everything.
func NewRetriever(embedder provider.Embedder, idx Searcher, floor float64) *Retriever {
	return &Retriever{embedder: embedder, idx: idx, floor: float32(floor)}
}

// Retrieve embeds the query and returns at most 2k merged candidates. The
// two corpora are searched independently for k candidates each, so course
// material is represented even when forum posts dominate by volume (and vice
// versa). Multiple chunks of one document collapse to the highest-scoring
// chunk unless their spans don't overlap, in which case both survive as
// distinct grounding spans. An empty index yields an empty list, not an
// error.
func (r *Retriever) Retrieve(ctx context.Context, text string, k int) ([]Candidate, error) {
	if k <= 0 {
		k = 5
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	var course, forum []index.SearchResult
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		course, err = r.idx.Search(vec, k, storage.CorpusCourse)
		return err
	})
	g.Go(func() error {
		var err error
		forum, err = r.idx.Search(vec, k, storage.CorpusForum)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}

	merged := make([]index.SearchResult, 0, len(course)+len(forum))
	merged = append(merged, course...)
	merged = append(merged, forum...)
	sort.Slice(merged, func(i, j int) bool {
		return index.Better(merged[i], merged[j])
	})

	var candidates []Candidate
	kept := make(map[string][]index.Chunk) // documentID -> kept spans
	for _, res := range merged {
		if res.Score < r.floor {
			continue
		}
		if shadowed(kept[res.Chunk.DocumentID], res.Chunk) {
			continue
		}
		kept[res.Chunk.DocumentID] = append(kept[res.Chunk.DocumentID], res.Chunk)
		candidates = append(candidates, Candidate{
			Chunk:     res.Chunk,
			SourceURL: res.SourceURL,
			Title:     res.Title,
			FetchedAt: res.FetchedAt,
			Score:     res.Score,
		})
	}

	if len(candidates) > 2*k {
		candidates = candidates[:2*k]
	}
	return candidates, nil
}

// shadowed reports whether chunk overlaps any already-kept span of the same
// document. Iteration order is rank order, so the kept span always scores at
// least as high.
func shadowed(keptSpans []index.Chunk, chunk index.Chunk) bool {
	for _, s := range keptSpans {
		if chunk.StartOffset < s.EndOffset && s.StartOffset < chunk.EndOffset {
			return true
		}
	}
	return false
}
