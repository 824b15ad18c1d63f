package kb

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/replydesk/internal/tracing"
)

// openStore is a cached handle on one version's database. A handle
// evicted from the cache stays open until the last in-flight query on it
// finishes.
type openStore struct {
	store   *Store
	refs    int
	evicted bool
}

// Retriever answers queries against whichever version the active pointer
// names at the moment of the query.
type Retriever struct {
	layout   Layout
	embedder Embedder
	topK     int

	mu    sync.Mutex
	cache *lru.Cache[string, *openStore]
}

func NewRetriever(layout Layout, embedder Embedder, topK, cacheSize int) (*Retriever, error) {
	if topK <= 0 {
		topK = 3
	}
	if cacheSize <= 0 {
		cacheSize = 4
	}
	cache, err := lru.NewWithEvict[string, *openStore](cacheSize, func(_ string, h *openStore) {
		h.evicted = true
		if h.refs == 0 {
			h.store.Close()
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create store cache: %w", err)
	}
	return &Retriever{layout: layout, embedder: embedder, topK: topK, cache: cache}, nil
}

// acquire resolves the pointer and pins the version it names for the
// duration of one query.
func (r *Retriever) acquire() (*openStore, string, error) {
	dir, err := r.layout.Pointer().Read()
	if err != nil {
		return nil, "", err
	}
	if _, err := readMarker(dir); err != nil {
		return nil, "", fmt.Errorf("%w: %s", ErrIncompleteVersion, dir)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.cache.Get(dir)
	if !ok {
		store, err := OpenStore(filepath.Join(dir, indexFile))
		if err != nil {
			return nil, "", err
		}
		h = &openStore{store: store}
		r.cache.Add(dir, h)
	}
	h.refs++
	return h, dir, nil
}

func (r *Retriever) release(h *openStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h.refs--
	if h.refs == 0 && h.evicted {
		h.store.Close()
	}
}

// Search returns the top-K passages for query from the active version,
// along with that version's ID.
func (r *Retriever) Search(ctx context.Context, query string) ([]SearchResult, string, error) {
	ctx, span := tracing.Start(ctx, "kb.search")
	h, dir, err := r.acquire()
	if err != nil {
		tracing.End(span, err)
		return nil, "", err
	}
	defer r.release(h)

	version := filepath.Base(dir)
	span.SetAttributes(attribute.String("kb.version", version))

	results, err := HybridSearch(ctx, h.store, r.embedder, query, SearchOptions{MaxResults: r.topK}, DefaultHybridConfig())
	tracing.End(span, err)
	if err != nil {
		return nil, version, fmt.Errorf("search %s: %w", version, err)
	}
	return results, version, nil
}

// Close closes every cached store not in use.
func (r *Retriever) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Purge()
	return nil
}

// FormatContext renders search results as the context block handed to
// the assistant.
func FormatContext(results []SearchResult) string {
	parts := make([]string, 0, len(results))
	for _, res := range results {
		parts = append(parts, fmt.Sprintf("Context from document '%s':\n%s", res.Source, res.Snippet))
	}
	return strings.Join(parts, "\n\n")
}
