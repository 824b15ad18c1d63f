package kb

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/nextlevelbuilder/replydesk/internal/atomicfile"
)

// Pointer is the durable record of which version directory is live.
// Publish replaces it with a single rename, so a reader sees either the
// previous target or the new one. Readers take no lock.
type Pointer struct {
	path string
}

func (p Pointer) Path() string { return p.path }

// Read returns the active version directory, or ErrNoActiveVersion if
// nothing has been published yet.
func (p Pointer) Read() (string, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNoActiveVersion
	}
	if err != nil {
		return "", fmt.Errorf("read pointer: %w", err)
	}
	dir := strings.TrimSpace(string(data))
	if dir == "" {
		return "", ErrNoActiveVersion
	}
	return dir, nil
}

// Publish durably points the pointer at dir.
func (p Pointer) Publish(dir string) error {
	if err := atomicfile.Write(p.path, []byte(dir+"\n"), 0o644); err != nil {
		return fmt.Errorf("publish pointer: %w", err)
	}
	return nil
}
