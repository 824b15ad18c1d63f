package assistant

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// ContextLog keeps, per user, a file for every request showing what
// knowledge-base context was retrieved for it. Admins read the latest one
// with /debug_context; a periodic job removes entries past their TTL.
type ContextLog struct {
	dir string
	ttl time.Duration
	now func() time.Time
}

func NewContextLog(dir string, ttl time.Duration) *ContextLog {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &ContextLog{dir: dir, ttl: ttl, now: time.Now}
}

func (l *ContextLog) Dir() string { return l.dir }

func userPrefix(userID string) string {
	return "context_" + unsafeFileChars.ReplaceAllString(userID, "_") + "_"
}

// Record writes one entry.
func (l *ContextLog) Record(userID, query, context, version string) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return err
	}
	now := l.now()
	var b strings.Builder
	fmt.Fprintf(&b, "Timestamp: %s\n", now.Format(time.DateTime))
	fmt.Fprintf(&b, "User ID: %s\n", userID)
	if version != "" {
		fmt.Fprintf(&b, "KB version: %s\n", version)
	}
	fmt.Fprintf(&b, "Query:\n%s\n\n", query)
	fmt.Fprintf(&b, "Retrieved context:\n%s\n", context)

	name := fmt.Sprintf("%s%d.txt", userPrefix(userID), now.UnixNano())
	return os.WriteFile(filepath.Join(l.dir, name), []byte(b.String()), 0o600)
}

// Latest returns the newest entry for userID.
func (l *ContextLog) Latest(userID string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(l.dir, userPrefix(userID)+"*.txt"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", os.ErrNotExist
	}
	sort.Slice(matches, func(i, j int) bool {
		return entryStamp(matches[i]) < entryStamp(matches[j])
	})
	data, err := os.ReadFile(matches[len(matches)-1])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func entryStamp(path string) int64 {
	base := strings.TrimSuffix(filepath.Base(path), ".txt")
	n, _ := strconv.ParseInt(base[strings.LastIndex(base, "_")+1:], 10, 64)
	return n
}

// Cleanup deletes entries older than the TTL and returns how many went.
func (l *ContextLog) Cleanup() (int, error) {
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	cutoff := l.now().Add(-l.ttl)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "context_") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, e.Name())); err != nil {
			slog.Warn("assistant: failed to remove context log", "file", e.Name(), "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		slog.Info("assistant: context logs cleaned", "removed", removed)
	}
	return removed, nil
}
