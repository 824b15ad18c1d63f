// Package source fetches the documents the knowledge base is built from.
package source

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/nextlevelbuilder/replydesk/internal/config"
)

// Document is one source file reduced to plain text.
type Document struct {
	Name string // path relative to the source root, "/"-separated
	Text string
}

// Source lists and fetches every document in one call.
type Source interface {
	Fetch(ctx context.Context) ([]Document, error)
}

// Supported reports whether a file name is a document the knowledge base
// can ingest.
func Supported(name string) bool {
	switch strings.ToLower(path.Ext(name)) {
	case ".md", ".markdown", ".txt":
		return true
	}
	return false
}

// Open builds the Source selected by cfg.Kind.
func Open(ctx context.Context, cfg config.SourceConfig) (Source, error) {
	switch cfg.Kind {
	case "", "dir":
		if cfg.Dir == "" {
			return nil, fmt.Errorf("source: dir kind needs source.dir")
		}
		return NewDirSource(cfg.Dir), nil
	case "s3":
		return NewS3Source(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("source: unknown kind %q", cfg.Kind)
	}
}
