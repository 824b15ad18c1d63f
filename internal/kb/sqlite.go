package kb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode"

	_ "modernc.org/sqlite"
)

// Store is the SQLite index of one version: chunks plus an FTS5 table.
// A version is written once by the rebuild and only read afterwards, so
// readers cache the full chunk list on first vector search.
type Store struct {
	db   *sql.DB
	path string

	mu     sync.RWMutex
	chunks []Chunk // loaded lazily by AllChunks
}

// CreateStore creates the index database of a new version at dbPath.
func CreateStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, path: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// OpenStore opens a published version for querying.
func OpenStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro&_pragma=busy_timeout(5000)&_pragma=query_only(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	slog.Debug("kb: store opened", "path", dbPath)
	return &Store{db: db, path: dbPath}, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chunks (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			seq INTEGER NOT NULL,
			hash TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			text TEXT NOT NULL,
			embedding TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
			text,
			id UNINDEXED,
			source UNINDEXED,
			tokenize='porter unicode61'
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

// InsertBatch writes chunks and their FTS entries in one transaction.
func (s *Store) InsertBatch(ctx context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	insChunk, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO chunks (id, source, seq, hash, model, text, embedding)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare chunk insert: %w", err)
	}
	defer insChunk.Close()

	insFTS, err := tx.PrepareContext(ctx, `INSERT INTO chunks_fts (text, id, source) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare fts insert: %w", err)
	}
	defer insFTS.Close()

	for _, c := range chunks {
		embJSON, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM chunks_fts WHERE id = ?", c.ID); err != nil {
			return fmt.Errorf("delete fts %s: %w", c.ID, err)
		}
		if _, err := insChunk.ExecContext(ctx, c.ID, c.Source, c.Seq, c.Hash, c.Model, c.Text, string(embJSON)); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
		if _, err := insFTS.ExecContext(ctx, c.Text, c.ID, c.Source); err != nil {
			return fmt.Errorf("insert fts %s: %w", c.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.chunks = nil
	return nil
}

// ChunkCount returns the number of stored chunks.
func (s *Store) ChunkCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chunks").Scan(&count); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return count, nil
}

// SearchFTS performs a full-text search with BM25 ranking, highest score
// first. Scores are mapped into (0,1] with 1/(1+|rank|).
func (s *Store) SearchFTS(ctx context.Context, query string, opts SearchOptions) ([]SearchResult, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}

	maxResults := opts.MaxResults
	if maxResults <= 0 {
		maxResults = 10
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, source, text, 1.0 / (1.0 + abs(rank)) AS score
		FROM chunks_fts
		WHERE chunks_fts MATCH ?
		ORDER BY rank
		LIMIT ?`, match, maxResults)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var r SearchResult
		var text string
		if err := rows.Scan(&r.ChunkID, &r.Source, &text, &r.Score); err != nil {
			continue
		}
		r.Snippet = truncateSnippet(text, snippetLen)
		results = append(results, r)
	}
	return results, rows.Err()
}

// AllChunks returns every chunk with its embedding, for in-memory vector
// search.
func (s *Store) AllChunks(ctx context.Context) ([]Chunk, error) {
	s.mu.RLock()
	cached := s.chunks
	s.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunks != nil {
		return s.chunks, nil
	}

	rows, err := s.db.QueryContext(ctx, "SELECT id, source, seq, hash, model, text, embedding FROM chunks ORDER BY source, seq")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	chunks := []Chunk{}
	for rows.Next() {
		var c Chunk
		var embJSON string
		if err := rows.Scan(&c.ID, &c.Source, &c.Seq, &c.Hash, &c.Model, &c.Text, &embJSON); err != nil {
			continue
		}
		json.Unmarshal([]byte(embJSON), &c.Embedding)
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	s.chunks = chunks
	return chunks, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Close() error {
	return s.db.Close()
}

// ftsQuery turns free text into an FTS5 expression: every word quoted and
// OR-ed so punctuation in user questions cannot break the MATCH syntax.
func ftsQuery(q string) string {
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		quoted = append(quoted, `"`+strings.ToLower(w)+`"`)
	}
	return strings.Join(quoted, " OR ")
}
