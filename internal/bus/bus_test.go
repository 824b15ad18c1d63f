package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(time.Minute, 100)
	if d.IsDuplicate("telegram:42:1") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.IsDuplicate("telegram:42:1") {
		t.Error("second sighting not reported as duplicate")
	}
	if d.IsDuplicate("telegram:42:2") {
		t.Error("different key reported as duplicate")
	}
	if d.IsDuplicate("") || d.IsDuplicate("") {
		t.Error("empty key must never dedupe")
	}
}

func TestDedupeCache_Expiry(t *testing.T) {
	d := NewDedupeCache(20*time.Millisecond, 100)
	d.IsDuplicate("a")
	time.Sleep(40 * time.Millisecond)
	if d.IsDuplicate("a") {
		t.Error("expired key reported as duplicate")
	}
}

func TestDedupeCache_MaxSize(t *testing.T) {
	d := NewDedupeCache(time.Hour, 10)
	for i := 0; i < 50; i++ {
		d.IsDuplicate(string(rune('a' + i)))
	}
	if n := d.Len(); n > 10 {
		t.Errorf("len = %d, want <= 10", n)
	}
}

func TestMessageBus_ConsumeCancelled(t *testing.T) {
	mb := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := mb.ConsumeInbound(ctx); ok {
		t.Error("ConsumeInbound returned a message on a cancelled context")
	}
}

func TestMessageBus_RoundTrip(t *testing.T) {
	mb := New()
	mb.PublishInbound(InboundMessage{Channel: "telegram", SenderID: "7", Content: "hi"})
	msg, ok := mb.ConsumeInbound(context.Background())
	if !ok {
		t.Fatal("no message")
	}
	if msg.UserKey() != "telegram:7" {
		t.Errorf("UserKey = %q, want telegram:7", msg.UserKey())
	}
}

func TestMessageBus_Broadcast(t *testing.T) {
	mb := New()
	var got atomic.Int32
	mb.Subscribe("a", func(Event) { got.Add(1) })
	mb.Subscribe("b", func(Event) { got.Add(1) })
	mb.Broadcast(Event{Name: "kb.rebuilt"})
	mb.Unsubscribe("b")
	mb.Broadcast(Event{Name: "kb.rebuilt"})
	if n := got.Load(); n != 3 {
		t.Errorf("deliveries = %d, want 3", n)
	}
}
