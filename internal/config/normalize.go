package config

import (
	"regexp"
	"strings"
)

// Role classifies a chat participant.
type Role string

const (
	RoleClient  Role = "client"
	RoleManager Role = "manager"
	RoleAdmin   Role = "admin"
)

// RolesConfig lists privileged participants. Entries are either a bare
// platform user id ("123456") or a channel-qualified one ("telegram:123456").
type RolesConfig struct {
	Admins   []string `json:"admins" yaml:"admins"`
	Managers []string `json:"managers" yaml:"managers"`
}

var (
	validIDRe    = regexp.MustCompile(`^[a-z0-9][a-z0-9_:.-]{0,127}$`)
	invalidChars = regexp.MustCompile(`[^a-z0-9_:.-]+`)
)

// NormalizeUserID lowercases an id, strips a leading "@" and whitespace and
// drops characters that never appear in platform ids. Returns "" for
// unusable input.
func NormalizeUserID(id string) string {
	trimmed := strings.TrimPrefix(strings.TrimSpace(id), "@")
	if trimmed == "" {
		return ""
	}

	lower := strings.ToLower(trimmed)
	if validIDRe.MatchString(lower) {
		return lower
	}

	result := invalidChars.ReplaceAllString(lower, "")
	if len(result) > 128 {
		result = result[:128]
	}
	return result
}

// NormalizeUserIDs normalizes every id and removes blanks and duplicates,
// keeping first-seen order.
func NormalizeUserIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		n := NormalizeUserID(id)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// RoleOf resolves the role of senderID on channel. Admin wins over manager.
func (r RolesConfig) RoleOf(channel, senderID string) Role {
	id := NormalizeUserID(senderID)
	qualified := NormalizeUserID(channel + ":" + senderID)
	match := func(list []string) bool {
		for _, v := range list {
			if v == id || v == qualified {
				return true
			}
		}
		return false
	}
	switch {
	case match(r.Admins):
		return RoleAdmin
	case match(r.Managers):
		return RoleManager
	default:
		return RoleClient
	}
}
