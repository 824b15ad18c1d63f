// Package kb builds and serves the knowledge base. Every rebuild produces
// a fresh immutable index version next to the live one; an active pointer
// file names the version queries should read, and it is rewritten only
// after the new version has been verified.
package kb

import (
	"crypto/sha256"
	"encoding/hex"
)

// Chunk is a passage of a source document stored in an index version.
type Chunk struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"` // document name
	Seq       int       `json:"seq"`    // position within the document
	Hash      string    `json:"hash"`
	Model     string    `json:"model"`
	Text      string    `json:"text"`
	Embedding []float32 `json:"embedding,omitempty"`
}

// SearchResult is a single hit from a knowledge-base search.
type SearchResult struct {
	ChunkID string  `json:"chunk_id"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet"`
}

type SearchOptions struct {
	MaxResults int     // top-K results
	MinScore   float64 // minimum relevance score (0-1)
}

// ContentHash returns the hex SHA-256 of text.
func ContentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// snippetLen exceeds the default chunk size so a result carries its whole
// passage.
const snippetLen = 1500

func truncateSnippet(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
