package kb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/locks"
	"github.com/nextlevelbuilder/replydesk/internal/source"
	"github.com/nextlevelbuilder/replydesk/internal/tracing"
)

// defaultOrphanAge is how old an incomplete version directory must be
// before Prune treats it as left over from a crashed build.
const defaultOrphanAge = time.Hour

type Options struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	// MaxSkippedRatio is the fraction of embedding batches allowed to fail
	// before the rebuild aborts. Zero means any failed batch aborts.
	MaxSkippedRatio float64
	// RetireGrace delays deleting superseded versions so queries that
	// resolved the pointer just before the swap can finish.
	RetireGrace time.Duration
	OrphanAge   time.Duration
}

func OptionsFromConfig(cfg config.KBConfig) Options {
	return Options{
		ChunkSize:       cfg.ChunkSize,
		ChunkOverlap:    cfg.ChunkOverlap,
		BatchSize:       cfg.BatchSize,
		MaxSkippedRatio: cfg.MaxSkippedBatchRatio,
		RetireGrace:     cfg.RetireGrace(),
	}
}

// Result describes one rebuild attempt for operators.
type Result struct {
	Success   bool          `json:"success"`
	VersionID string        `json:"version_id,omitempty"`
	Added     int           `json:"added"`
	Total     int           `json:"total"`
	Skipped   int           `json:"skipped_batches"`
	Batches   int           `json:"batches"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Rebuilder builds new index versions and publishes them. At most one
// rebuild runs at a time per Rebuilder.
type Rebuilder struct {
	layout   Layout
	src      source.Source
	embedder Embedder
	opts     Options
	now      func() time.Time
	publish  func(dir string) error

	lock   locks.TryLock
	lastID string

	retiring sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewRebuilder creates a Rebuilder. A nil embedder builds a text-only
// index.
func NewRebuilder(layout Layout, src source.Source, embedder Embedder, opts Options) *Rebuilder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.OrphanAge <= 0 {
		opts.OrphanAge = defaultOrphanAge
	}
	return &Rebuilder{
		layout:   layout,
		src:      src,
		embedder: embedder,
		opts:     opts,
		now:      time.Now,
		publish:  layout.Pointer().Publish,
		done:     make(chan struct{}),
	}
}

func (r *Rebuilder) Layout() Layout { return r.layout }

// Running reports whether a rebuild or prune is in progress.
func (r *Rebuilder) Running() bool { return r.lock.Held() }

// Rebuild fetches all documents, builds a new version out of place,
// verifies it and publishes it. On any failure the new directory is
// removed and the active pointer is left untouched.
func (r *Rebuilder) Rebuild(ctx context.Context) (Result, error) {
	if !r.lock.TryAcquire() {
		return Result{Reason: ErrRebuildInProgress.Error()}, ErrRebuildInProgress
	}
	defer r.lock.Release()

	start := time.Now()
	ctx, span := tracing.Start(ctx, "kb.rebuild")
	res, err := r.rebuild(ctx)
	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.String("kb.version", res.VersionID),
		attribute.Int("kb.chunks", res.Added),
		attribute.Int("kb.skipped_batches", res.Skipped),
	)
	tracing.End(span, err)

	if err != nil {
		res.Success = false
		res.Reason = err.Error()
		slog.Error("kb: rebuild aborted", "version", res.VersionID, "reason", res.Reason, "duration", res.Duration)
		return res, err
	}
	slog.Info("kb: rebuild published",
		"version", res.VersionID, "chunks", res.Added, "skipped_batches", res.Skipped, "duration", res.Duration)
	return res, nil
}

func (r *Rebuilder) rebuild(ctx context.Context) (res Result, err error) {
	floor := r.lastID
	if versions, _ := r.layout.Versions(); len(versions) > 0 && versions[len(versions)-1].ID > floor {
		floor = versions[len(versions)-1].ID
	}
	v, err := r.layout.allocate(r.now(), floor)
	if err != nil {
		return res, fmt.Errorf("allocate version: %w", err)
	}
	r.lastID = v.ID
	res.VersionID = v.ID

	published := false
	defer func() {
		if published {
			return
		}
		if rmErr := os.RemoveAll(v.Path); rmErr != nil {
			slog.Warn("kb: failed to remove unpublished version", "path", v.Path, "error", rmErr)
		}
	}()

	docs, err := r.src.Fetch(ctx)
	if err != nil {
		return res, fmt.Errorf("fetch documents: %w", err)
	}
	if len(docs) == 0 {
		return res, ErrNoDocuments
	}

	chunker := Chunker{Size: r.opts.ChunkSize, Overlap: r.opts.ChunkOverlap}
	chunks := chunker.ChunkDocuments(docs)
	res.Total = len(chunks)
	slog.Info("kb: documents chunked", "version", v.ID, "documents", len(docs), "chunks", len(chunks))

	embedded, err := r.embed(ctx, chunks, &res)
	if err != nil {
		return res, err
	}

	count, err := r.write(ctx, v.Path, embedded)
	if err != nil {
		return res, err
	}
	if count != len(embedded) {
		return res, fmt.Errorf("%w: stored %d, submitted %d", ErrCountMismatch, count, len(embedded))
	}
	res.Added = count

	now := r.now()
	if err := writeMarker(v.Path, marker{Version: v.ID, Chunks: count, CompletedAt: now.UTC()}); err != nil {
		return res, fmt.Errorf("write marker: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}

	if err := r.publish(v.Path); err != nil {
		// The rename may have landed before a later sync failed. Once the
		// pointer names the new version it must not be rolled back.
		if cur, rerr := r.layout.Pointer().Read(); rerr != nil || !sameDir(cur, v.Path) {
			return res, err
		}
		slog.Warn("kb: pointer published but not confirmed durable", "version", v.ID, "error", err)
	}
	published = true
	res.Success = true

	if err := r.layout.writeLastUpdate(now); err != nil {
		slog.Warn("kb: failed to write last update time", "error", err)
	}
	r.retire(v)
	return res, nil
}

// embed computes embeddings batch by batch. A failed batch is logged and
// skipped; the rebuild fails when the share of skipped batches exceeds
// MaxSkippedRatio or nothing at all was embedded.
func (r *Rebuilder) embed(ctx context.Context, chunks []Chunk, res *Result) ([]Chunk, error) {
	if r.embedder == nil {
		return chunks, nil
	}

	bs := r.opts.BatchSize
	out := make([]Chunk, 0, len(chunks))
	for i := 0; i < len(chunks); i += bs {
		batch := chunks[i:min(i+bs, len(chunks))]
		res.Batches++

		texts := make([]string, len(batch))
		for j, c := range batch {
			texts[j] = c.Text
		}

		vecs, err := r.embedder.Embed(ctx, texts)
		if err == nil && len(vecs) != len(batch) {
			err = fmt.Errorf("got %d vectors for %d texts", len(vecs), len(batch))
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			res.Skipped++
			slog.Warn("kb: embedding batch skipped", "batch", res.Batches, "size", len(batch), "error", err)
			continue
		}

		for j := range batch {
			c := batch[j]
			c.Embedding = vecs[j]
			c.Model = r.embedder.Model()
			out = append(out, c)
		}
	}

	if len(out) == 0 && len(chunks) > 0 {
		return nil, fmt.Errorf("%w: all %d batches failed", ErrTooManySkipped, res.Batches)
	}
	if res.Skipped > 0 && float64(res.Skipped)/float64(res.Batches) > r.opts.MaxSkippedRatio {
		return nil, fmt.Errorf("%w: %d of %d batches failed (allowed ratio %.2f)",
			ErrTooManySkipped, res.Skipped, res.Batches, r.opts.MaxSkippedRatio)
	}
	return out, nil
}

func (r *Rebuilder) write(ctx context.Context, dir string, chunks []Chunk) (int, error) {
	store, err := CreateStore(filepath.Join(dir, indexFile))
	if err != nil {
		return 0, fmt.Errorf("create store: %w", err)
	}
	if err := store.InsertBatch(ctx, chunks); err != nil {
		store.Close()
		return 0, fmt.Errorf("insert chunks: %w", err)
	}
	count, err := store.ChunkCount(ctx)
	if closeErr := store.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("close store: %w", closeErr)
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// retire removes every complete version other than active. With a
// retire grace the removal happens in the background after the delay.
func (r *Rebuilder) retire(active Version) {
	versions, err := r.layout.Versions()
	if err != nil {
		slog.Warn("kb: list versions for retirement", "error", err)
		return
	}

	var stale []string
	for _, v := range versions {
		if v.Complete && !sameDir(v.Path, active.Path) {
			stale = append(stale, v.Path)
		}
	}
	if len(stale) == 0 {
		return
	}

	if r.opts.RetireGrace <= 0 {
		removeVersions(stale)
		return
	}

	r.retiring.Add(1)
	go func() {
		defer r.retiring.Done()
		select {
		case <-time.After(r.opts.RetireGrace):
		case <-r.done:
		}
		removeVersions(stale)
	}()
}

func removeVersions(dirs []string) {
	for _, dir := range dirs {
		// The marker goes first so a half-deleted directory is never
		// mistaken for a servable version.
		os.Remove(filepath.Join(dir, markerFile))
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("kb: failed to retire version", "path", dir, "error", err)
			continue
		}
		slog.Info("kb: version retired", "path", dir)
	}
}

// Prune removes superseded complete versions and incomplete directories
// older than OrphanAge. The active version is never touched.
func (r *Rebuilder) Prune(ctx context.Context) ([]string, error) {
	if !r.lock.TryAcquire() {
		return nil, ErrRebuildInProgress
	}
	defer r.lock.Release()

	versions, err := r.layout.Versions()
	if err != nil {
		return nil, err
	}
	active, err := r.layout.Pointer().Read()
	if err != nil && !errors.Is(err, ErrNoActiveVersion) {
		return nil, fmt.Errorf("read active version: %w", err)
	}

	var removed []string
	for _, v := range versions {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if sameDir(v.Path, active) {
			continue
		}
		if !v.Complete {
			created, ok := ParseVersionID(v.ID)
			if ok && r.now().Sub(created) < r.opts.OrphanAge {
				continue
			}
		}
		if err := os.RemoveAll(v.Path); err != nil {
			return removed, fmt.Errorf("remove %s: %w", v.Path, err)
		}
		removed = append(removed, v.ID)
	}
	if len(removed) > 0 {
		slog.Info("kb: pruned versions", "count", len(removed))
	}
	return removed, nil
}

// Close stops waiting on retire grace periods, removes what they were
// holding and returns once that is done.
func (r *Rebuilder) Close() error {
	r.stopOnce.Do(func() { close(r.done) })
	r.retiring.Wait()
	return nil
}

// Wait blocks until pending retirements have run.
func (r *Rebuilder) Wait() {
	r.retiring.Wait()
}

// IsRetryable reports whether a failed rebuild is worth retrying later.
func IsRetryable(err error) bool {
	return err != nil &&
		!errors.Is(err, ErrRebuildInProgress) &&
		!errors.Is(err, ErrNoDocuments) &&
		!errors.Is(err, context.Canceled)
}
