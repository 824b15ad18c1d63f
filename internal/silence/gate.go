// Package silence tracks conversations in which the bot must stay quiet
// because a human manager has taken over.
//
// A conversation is ACTIVE unless it appears in the persisted snapshot of
// silenced conversation ids. Every transition rewrites the whole snapshot.
// There is no automatic expiry: a silenced conversation stays silent until
// a privileged participant reactivates it.
package silence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/replydesk/internal/config"
)

// State is the silence state of one conversation.
type State string

const (
	StateActive State = "active"
	StateSilent State = "silent"
)

// AckReply is sent back when a conversation is reactivated.
const AckReply = "*"

// Store persists the set of silenced conversation ids.
type Store interface {
	// Load returns every silenced conversation id.
	Load(ctx context.Context) ([]string, error)
	// Save replaces the stored set with ids.
	Save(ctx context.Context, ids []string) error
	Close() error
}

// Gate is the in-memory silence state backed by a Store.
type Gate struct {
	store Store

	mu       sync.RWMutex
	silenced map[string]bool
}

// NewGate loads the persisted snapshot and returns a ready gate.
func NewGate(ctx context.Context, store Store) (*Gate, error) {
	ids, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load silence snapshot: %w", err)
	}

	g := &Gate{store: store, silenced: make(map[string]bool, len(ids))}
	for _, id := range ids {
		if id != "" {
			g.silenced[id] = true
		}
	}
	slog.Info("silence: state restored", "silenced", len(g.silenced))
	return g, nil
}

// IsSilent reports whether automatic replies to convID are suppressed.
func (g *Gate) IsSilent(convID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.silenced[convID]
}

// State returns the current state of convID.
func (g *Gate) State(convID string) State {
	if g.IsSilent(convID) {
		return StateSilent
	}
	return StateActive
}

// List returns the silenced conversation ids in sorted order.
func (g *Gate) List() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshotLocked()
}

func (g *Gate) snapshotLocked() []string {
	ids := make([]string, 0, len(g.silenced))
	for id := range g.silenced {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Set moves convID to the requested state and persists the snapshot.
// It reports whether anything changed; asking for the current state is a
// no-op that writes nothing. If persisting fails the in-memory state is
// rolled back.
func (g *Gate) Set(ctx context.Context, convID string, silent bool) (bool, error) {
	if convID == "" {
		return false, fmt.Errorf("silence: empty conversation id")
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.silenced[convID] == silent {
		slog.Debug("silence: state unchanged", "conversation", convID, "silent", silent)
		return false, nil
	}

	if silent {
		g.silenced[convID] = true
	} else {
		delete(g.silenced, convID)
	}

	if err := g.store.Save(ctx, g.snapshotLocked()); err != nil {
		if silent {
			delete(g.silenced, convID)
		} else {
			g.silenced[convID] = true
		}
		return false, fmt.Errorf("persist silence snapshot: %w", err)
	}

	slog.Info("silence: state changed", "conversation", convID, "silent", silent)
	return true, nil
}

// Close releases the underlying store.
func (g *Gate) Close() error {
	return g.store.Close()
}

// Participant is one inbound message as seen by the silence rules.
type Participant struct {
	ConversationID string
	Role           config.Role
	Text           string
}

// Decision tells the caller what to do with a message after Observe.
type Decision struct {
	// Consumed means the message must not be forwarded to the assistant.
	Consumed bool
	// Reply, if set, is sent back to the conversation.
	Reply   string
	Changed bool
}

// IsReactivation reports whether text is the command that ends a silence.
func IsReactivation(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	if i := strings.IndexByte(t, '@'); i > 0 && strings.HasPrefix(t, "/") {
		t = t[:i] // "/speak@SomeBot"
	}
	return t == "/speak" || t == "speak"
}

// Observe applies the participant rules to one message:
//   - a manager or admin sending the reactivation command makes the
//     conversation ACTIVE and gets AckReply back;
//   - any other message from a manager makes it SILENT;
//   - admins and clients are otherwise processed normally.
func (g *Gate) Observe(ctx context.Context, p Participant) (Decision, error) {
	switch p.Role {
	case config.RoleManager, config.RoleAdmin:
		if IsReactivation(p.Text) {
			changed, err := g.Set(ctx, p.ConversationID, false)
			if err != nil {
				return Decision{Consumed: true}, err
			}
			return Decision{Consumed: true, Reply: AckReply, Changed: changed}, nil
		}
		if p.Role == config.RoleAdmin {
			return Decision{}, nil
		}
		changed, err := g.Set(ctx, p.ConversationID, true)
		return Decision{Consumed: true, Changed: changed}, err
	default:
		return Decision{}, nil
	}
}
