package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
)

type fakeChannel struct {
	name     string
	startErr error

	mu      sync.Mutex
	started bool
	stopped bool
	sent    []bus.OutboundMessage
	typing  []string
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = true
	return nil
}

func (f *fakeChannel) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) SendTyping(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, chatID)
	return nil
}

func (f *fakeChannel) state() (started, stopped bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

func TestManager_Routes(t *testing.T) {
	tg := &fakeChannel{name: "telegram"}
	dc := &fakeChannel{name: "discord"}
	m := NewManager()
	m.Register(tg)
	m.Register(dc)

	ctx := context.Background()
	if err := m.Send(ctx, bus.OutboundMessage{Channel: "discord", ChatID: "c1", Content: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := m.SendTyping(ctx, "telegram", "42"); err != nil {
		t.Fatalf("SendTyping: %v", err)
	}
	if len(dc.sent) != 1 || len(tg.sent) != 0 {
		t.Errorf("discord sent %d, telegram sent %d", len(dc.sent), len(tg.sent))
	}
	if len(tg.typing) != 1 || tg.typing[0] != "42" {
		t.Errorf("typing = %v", tg.typing)
	}

	err := m.Send(ctx, bus.OutboundMessage{Channel: "slack"})
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("got %v, want ErrUnknownChannel", err)
	}
	if got := strings.Join(m.Names(), ","); got != "discord,telegram" {
		t.Errorf("Names = %s", got)
	}
}

func TestManager_RunStartsAndStops(t *testing.T) {
	a := &fakeChannel{name: "a"}
	b := &fakeChannel{name: "b"}
	m := NewManager()
	m.Register(a)
	m.Register(b)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	deadline := time.Now().Add(time.Second)
	for {
		sa, _ := a.state()
		sb, _ := b.state()
		if sa && sb {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("channels not started")
		}
		time.Sleep(time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, ch := range []*fakeChannel{a, b} {
		if _, stopped := ch.state(); !stopped {
			t.Errorf("%s not stopped", ch.name)
		}
	}
}

func TestManager_StartFailureStopsStarted(t *testing.T) {
	a := &fakeChannel{name: "a"}
	b := &fakeChannel{name: "b", startErr: errors.New("bad token")}
	m := NewManager()
	m.Register(a)
	m.Register(b)

	err := m.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "bad token") {
		t.Fatalf("got %v, want start error", err)
	}
	if _, stopped := a.state(); !stopped {
		t.Error("started channel was not stopped")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := SplitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("short: %q", got)
	}

	text := strings.Repeat("word ", 30) + "\n\n" + strings.Repeat("next ", 30)
	parts := SplitMessage(text, 100)
	if len(parts) < 2 {
		t.Fatalf("expected several parts, got %d", len(parts))
	}
	for i, p := range parts {
		if n := utf8.RuneCountInString(p); n > 100 {
			t.Errorf("part %d has %d runes", i, n)
		}
		if strings.HasPrefix(p, " ") || strings.HasSuffix(p, " ") {
			t.Errorf("part %d not trimmed: %q", i, p)
		}
	}
	joined := strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
	if joined != strings.Join(strings.Fields(text), " ") {
		t.Error("words lost while splitting")
	}
}

func TestSplitMessage_NoBreaks(t *testing.T) {
	text := strings.Repeat("я", 250)
	parts := SplitMessage(text, 100)
	if len(parts) != 3 {
		t.Fatalf("got %d parts, want 3", len(parts))
	}
	if utf8.RuneCountInString(parts[2]) != 50 {
		t.Errorf("last part has %d runes", utf8.RuneCountInString(parts[2]))
	}
}
