package silence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/atomicfile"
)

type fileSnapshot struct {
	Silenced  []string  `json:"silenced"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore keeps the snapshot in a local JSON file.
type FileStore struct {
	path string
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(context.Context) ([]string, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	return snap.Silenced, nil
}

func (s *FileStore) Save(_ context.Context, ids []string) error {
	if ids == nil {
		ids = []string{}
	}
	data, err := json.MarshalIndent(fileSnapshot{Silenced: ids, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(s.path, data, 0o600)
}

func (s *FileStore) Close() error { return nil }
