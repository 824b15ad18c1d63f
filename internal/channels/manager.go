package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
)

const stopTimeout = 10 * time.Second

// Manager owns the registered channels. It satisfies scheduler.Sender.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewManager() *Manager {
	return &Manager{channels: make(map[string]Channel)}
}

// Register adds ch. A later registration with the same name replaces it.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[ch.Name()] = ch
}

func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// Names returns the registered channel names, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send routes msg to the channel it names.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	ch, ok := m.Get(msg.Channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, msg.Channel)
	}
	return ch.Send(ctx, msg)
}

// SendTyping shows a typing indicator in chatID on the named channel.
func (m *Manager) SendTyping(ctx context.Context, channel, chatID string) error {
	ch, ok := m.Get(channel)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return ch.SendTyping(ctx, chatID)
}

// Run starts every channel, blocks until ctx is done, then stops them.
// If any channel fails to start, the ones already started are stopped and
// the error is returned.
func (m *Manager) Run(ctx context.Context) error {
	var started []Channel
	for _, name := range m.Names() {
		ch, _ := m.Get(name)
		if err := ch.Start(ctx); err != nil {
			m.stopAll(started)
			return fmt.Errorf("start channel %s: %w", name, err)
		}
		slog.Info("channels: started", "channel", name)
		started = append(started, ch)
	}
	if len(started) == 0 {
		slog.Warn("channels: none enabled")
	}

	<-ctx.Done()
	m.stopAll(started)
	return nil
}

func (m *Manager) stopAll(chs []Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	for _, ch := range chs {
		if err := ch.Stop(ctx); err != nil {
			slog.Warn("channels: stop failed", "channel", ch.Name(), "error", err)
			continue
		}
		slog.Info("channels: stopped", "channel", ch.Name())
	}
}
