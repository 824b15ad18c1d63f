package kb

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/atomicfile"
)

const (
	pointerFile    = "active_db_path"
	lastUpdateFile = "last_update.txt"
	markerFile     = "COMPLETE"
	indexFile      = "index.db"
)

var versionIDPattern = regexp.MustCompile(`^\d{8}_\d{6}_\d{6}$`)

// Version is one index build on disk.
type Version struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Complete    bool      `json:"complete"`
	Count       int       `json:"count"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
	Active      bool      `json:"active"`
}

// marker is the content of the COMPLETE file. Its presence is what makes
// a version eligible to be served.
type marker struct {
	Version     string    `json:"version"`
	Chunks      int       `json:"chunks"`
	CompletedAt time.Time `json:"completed_at"`
}

// FormatVersionID renders t as a sortable version ID with microsecond
// resolution, e.g. 20260102_150405_000123.
func FormatVersionID(t time.Time) string {
	t = t.UTC()
	return fmt.Sprintf("%s_%06d", t.Format("20060102_150405"), t.Nanosecond()/1000)
}

// ParseVersionID returns the creation time encoded in id.
func ParseVersionID(id string) (time.Time, bool) {
	if !versionIDPattern.MatchString(id) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("20060102_150405", id[:15], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	micros, err := strconv.Atoi(id[16:])
	if err != nil {
		return time.Time{}, false
	}
	t = t.Add(time.Duration(micros) * time.Microsecond)
	return t, true
}

// Layout is the on-disk arrangement of the knowledge base under Root:
// one directory per version, the active pointer file and the last update
// stamp.
type Layout struct {
	Root string
}

func (l Layout) Pointer() Pointer {
	return Pointer{path: filepath.Join(l.Root, pointerFile)}
}

// allocate creates a new, empty version directory. The ID is derived from
// now but always sorts after floor, and os.Mkdir's exclusivity rules out
// two builders claiming the same directory.
func (l Layout) allocate(now time.Time, floor string) (Version, error) {
	if err := os.MkdirAll(l.Root, 0o755); err != nil {
		return Version{}, err
	}
	for range 1000 {
		id := FormatVersionID(now)
		now = now.Add(time.Microsecond)
		if id <= floor {
			continue
		}
		dir := filepath.Join(l.Root, id)
		err := os.Mkdir(dir, 0o755)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return Version{}, err
		}
		return Version{ID: id, Path: dir}, nil
	}
	return Version{}, fmt.Errorf("could not allocate a version directory under %s", l.Root)
}

// Versions lists every version directory, oldest first.
func (l Layout) Versions() ([]Version, error) {
	entries, err := os.ReadDir(l.Root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	active, _ := l.Pointer().Read()

	var versions []Version
	for _, e := range entries {
		if !e.IsDir() || !versionIDPattern.MatchString(e.Name()) {
			continue
		}
		dir := filepath.Join(l.Root, e.Name())
		v := Version{ID: e.Name(), Path: dir, Active: sameDir(dir, active)}
		if m, err := readMarker(dir); err == nil {
			v.Complete = true
			v.Count = m.Chunks
			v.CompletedAt = m.CompletedAt
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID < versions[j].ID })
	return versions, nil
}

// Active returns the version the pointer currently names.
func (l Layout) Active() (Version, error) {
	dir, err := l.Pointer().Read()
	if err != nil {
		return Version{}, err
	}
	m, err := readMarker(dir)
	if err != nil {
		return Version{ID: filepath.Base(dir), Path: dir, Active: true}, fmt.Errorf("%w: %s", ErrIncompleteVersion, dir)
	}
	return Version{
		ID:          filepath.Base(dir),
		Path:        dir,
		Complete:    true,
		Count:       m.Chunks,
		CompletedAt: m.CompletedAt,
		Active:      true,
	}, nil
}

// LastUpdate returns the time of the last successful publish.
func (l Layout) LastUpdate() (time.Time, error) {
	data, err := os.ReadFile(filepath.Join(l.Root, lastUpdateFile))
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339, strings.TrimSpace(string(data)))
}

func (l Layout) writeLastUpdate(t time.Time) error {
	return atomicfile.Write(filepath.Join(l.Root, lastUpdateFile), []byte(t.UTC().Format(time.RFC3339)+"\n"), 0o644)
}

func readMarker(dir string) (marker, error) {
	var m marker
	data, err := os.ReadFile(filepath.Join(dir, markerFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("parse marker in %s: %w", dir, err)
	}
	return m, nil
}

func writeMarker(dir string, m marker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(filepath.Join(dir, markerFile), data, 0o644)
}

func sameDir(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return filepath.Clean(a) == filepath.Clean(b)
}
