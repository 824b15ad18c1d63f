// Package channels connects chat platforms to the message bus.
//
// Every transport publishes what it receives as bus.InboundMessage and
// accepts replies through Send. Manager owns the set of running channels
// and routes outbound messages by channel name.
package channels

import (
	"context"
	"errors"
	"strings"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
)

// ErrUnknownChannel is returned when an outbound message names a channel
// that is not registered.
var ErrUnknownChannel = errors.New("unknown channel")

// ErrNotConnected is returned when the target conversation has no live
// connection (web chat clients that went away).
var ErrNotConnected = errors.New("conversation not connected")

// Channel is one chat platform transport.
type Channel interface {
	Name() string
	// Start connects and begins publishing inbound messages. It must not
	// block past the initial connection.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	SendTyping(ctx context.Context, chatID string) error
}

// SplitMessage cuts text into pieces of at most limit runes, preferring
// paragraph, then line, then word boundaries.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 {
		return []string{text}
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := lastBreak(runes[:limit])
		part := string(runes[:cut])
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
		runes = runes[cut:]
	}
	if rest := strings.TrimSpace(string(runes)); rest != "" {
		parts = append(parts, rest)
	}
	return parts
}

// lastBreak picks the cut position inside window, never returning 0.
func lastBreak(window []rune) int {
	half := len(window) / 2
	for _, sep := range []string{"\n\n", "\n", " "} {
		s := []rune(sep)
		for i := len(window) - len(s); i >= half; i-- {
			if string(window[i:i+len(s)]) == sep {
				return i + len(s)
			}
		}
	}
	return len(window)
}
