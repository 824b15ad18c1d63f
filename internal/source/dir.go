package source

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirSource reads documents from a local directory tree.
type DirSource struct {
	root string
}

func NewDirSource(root string) *DirSource {
	return &DirSource{root: root}
}

func (s *DirSource) Fetch(ctx context.Context) ([]Document, error) {
	var docs []Document
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != s.root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !Supported(d.Name()) {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			slog.Warn("source: skipping unreadable file", "path", p, "error", err)
			return nil
		}
		text := strings.TrimSpace(decodeText(data))
		if text == "" {
			return nil
		}

		rel, _ := filepath.Rel(s.root, p)
		docs = append(docs, Document{Name: filepath.ToSlash(rel), Text: text})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", s.root, err)
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Name < docs[j].Name })
	slog.Info("source: documents loaded", "root", s.root, "count", len(docs))
	return docs, nil
}
