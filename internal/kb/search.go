package kb

import (
	"context"
	"log/slog"
	"sort"
)

// HybridConfig weights vector and full-text scores.
type HybridConfig struct {
	VectorWeight float64
	TextWeight   float64
}

func DefaultHybridConfig() HybridConfig {
	return HybridConfig{VectorWeight: 0.7, TextWeight: 0.3}
}

// HybridSearch combines vector similarity and FTS results. Without an
// embedder, or when the query embedding fails, it falls back to FTS only.
func HybridSearch(ctx context.Context, store *Store, embedder Embedder, query string, opts SearchOptions, cfg HybridConfig) ([]SearchResult, error) {
	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 3
	}

	ftsResults, ftsErr := store.SearchFTS(ctx, query, opts)

	var vecResults []SearchResult
	if embedder != nil {
		var err error
		vecResults, err = vectorSearch(ctx, store, embedder, query, opts)
		if err != nil {
			slog.Warn("kb: vector search failed, using full-text only", "error", err)
			vecResults = nil
		}
	}

	var merged []SearchResult
	switch {
	case len(vecResults) == 0:
		if ftsErr != nil {
			return nil, ftsErr
		}
		merged = ftsResults
	case len(ftsResults) == 0 || ftsErr != nil:
		merged = vecResults
	default:
		merged = mergeResults(ftsResults, vecResults, cfg)
	}

	if opts.MinScore > 0 {
		filtered := merged[:0]
		for _, r := range merged {
			if r.Score >= opts.MinScore {
				filtered = append(filtered, r)
			}
		}
		merged = filtered
	}

	if len(merged) > maxResults {
		merged = merged[:maxResults]
	}
	return merged, nil
}

func vectorSearch(ctx context.Context, store *Store, embedder Embedder, query string, opts SearchOptions) ([]SearchResult, error) {
	embeddings, err := embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(embeddings) == 0 {
		return nil, nil
	}
	queryVec := embeddings[0]

	chunks, err := store.AllChunks(ctx)
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		if sim := CosineSimilarity(queryVec, c.Embedding); sim > 0 {
			results = append(results, SearchResult{
				ChunkID: c.ID,
				Source:  c.Source,
				Score:   sim,
				Snippet: truncateSnippet(c.Text, snippetLen),
			})
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })

	limit := opts.MaxResults
	if limit <= 0 {
		limit = 10
	}
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// mergeResults combines FTS and vector hits by chunk ID using weighted
// scores. FTS scores are normalized against the best FTS hit first.
func mergeResults(fts, vec []SearchResult, cfg HybridConfig) []SearchResult {
	if len(fts) > 0 && fts[0].Score > 0 {
		top := fts[0].Score
		for i := range fts {
			fts[i].Score /= top
		}
	}

	merged := make(map[string]*SearchResult, len(fts)+len(vec))
	for _, r := range vec {
		r.Score *= cfg.VectorWeight
		merged[r.ChunkID] = &r
	}
	for _, r := range fts {
		if existing, ok := merged[r.ChunkID]; ok {
			existing.Score += r.Score * cfg.TextWeight
			continue
		}
		r.Score *= cfg.TextWeight
		merged[r.ChunkID] = &r
	}

	results := make([]SearchResult, 0, len(merged))
	for _, r := range merged {
		results = append(results, *r)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})
	return results
}
