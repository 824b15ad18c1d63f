package gateway

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/assistant"
	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/kb"
	"github.com/nextlevelbuilder/replydesk/internal/scheduler"
	"github.com/nextlevelbuilder/replydesk/internal/silence"
	"github.com/nextlevelbuilder/replydesk/internal/source"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

// --- fakes ---

type fakeSender struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (f *fakeSender) Send(_ context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) SendTyping(context.Context, string, string) error { return nil }

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Content
	}
	return out
}

func (f *fakeSender) last() string {
	t := f.texts()
	if len(t) == 0 {
		return ""
	}
	return t[len(t)-1]
}

type askFunc func(ctx context.Context, userID, text string) (string, error)

func (f askFunc) Ask(ctx context.Context, userID, text string) (string, error) {
	return f(ctx, userID, text)
}

type staticSource struct{ docs []source.Document }

func (s staticSource) Fetch(context.Context) ([]source.Document, error) { return s.docs, nil }

type env struct {
	consumer *Consumer
	sched    *scheduler.Scheduler
	sender   *fakeSender
	gate     *silence.Gate
	bus      *bus.MessageBus
	events   chan bus.Event
}

var testRoles = config.RolesConfig{
	Admins:   []string{"telegram:1"},
	Managers: []string{"2"},
}

func newEnv(t *testing.T, debounce time.Duration, withKB bool) *env {
	t.Helper()
	dir := t.TempDir()
	sender := &fakeSender{}
	gate, err := silence.NewGate(context.Background(), silence.NewFileStore(filepath.Join(dir, "silenced.json")))
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	sched := scheduler.New(scheduler.Config{Debounce: debounce},
		askFunc(func(_ context.Context, _, text string) (string, error) { return "answer: " + text, nil }),
		sender, gate)
	t.Cleanup(sched.Stop)

	mb := bus.New()
	events := make(chan bus.Event, 16)
	mb.Subscribe("test", func(ev bus.Event) {
		select {
		case events <- ev:
		default:
		}
	})

	deps := Deps{
		Bus:       mb,
		Scheduler: sched,
		Sender:    sender,
		Gate:      gate,
		Roles:     testRoles,
	}
	if withKB {
		layout := kb.Layout{Root: filepath.Join(dir, "kb")}
		src := staticSource{docs: []source.Document{
			{Name: "policy.md", Text: "# Returns\n\nOur refund policy: money back within 14 days."},
			{Name: "hours.txt", Text: "We are open from nine to six on weekdays."},
		}}
		deps.Rebuilder = kb.NewRebuilder(layout, src, nil, kb.Options{ChunkSize: 500, ChunkOverlap: 50})
		retriever, err := kb.NewRetriever(layout, nil, 3, 2)
		if err != nil {
			t.Fatalf("NewRetriever: %v", err)
		}
		t.Cleanup(func() { retriever.Close() })
		deps.Searcher = retriever
		deps.ContextLog = assistant.NewContextLog(filepath.Join(dir, "logs"), time.Hour)
	}
	return &env{consumer: NewConsumer(deps), sched: sched, sender: sender, gate: gate, bus: mb, events: events}
}

func inbound(sender, chat, id, text string) bus.InboundMessage {
	return bus.InboundMessage{Channel: "telegram", SenderID: sender, ChatID: chat, MessageID: id, Content: text}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// --- tests ---

func TestConsumer_ClientMessageReachesScheduler(t *testing.T) {
	e := newEnv(t, 10*time.Millisecond, false)
	ctx := context.Background()
	e.consumer.Handle(ctx, inbound("100", "100", "1", "hi"))
	e.consumer.Handle(ctx, inbound("100", "100", "2", "any news?"))

	waitFor(t, 2*time.Second, func() bool { return len(e.sender.texts()) == 1 })
	if got := e.sender.last(); got != "answer: hi\nany news?" {
		t.Errorf("reply = %q", got)
	}
}

func TestConsumer_DuplicateDropped(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	ctx := context.Background()
	e.consumer.Handle(ctx, inbound("100", "100", "7", "hi"))
	e.consumer.Handle(ctx, inbound("100", "100", "7", "hi"))
	e.consumer.Handle(ctx, inbound("100", "100", "", "no id"))

	if got := e.sched.Pending("telegram:100"); len(got) != 2 {
		t.Errorf("pending = %v, want 2 messages", got)
	}
}

func TestConsumer_Run(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.consumer.Run(ctx) }()

	e.bus.PublishInbound(inbound("100", "100", "1", "queued"))
	waitFor(t, 2*time.Second, func() bool { return len(e.sched.Pending("telegram:100")) == 1 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConsumer_HelpDependsOnRole(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	ctx := context.Background()

	e.consumer.Handle(ctx, inbound("100", "100", "1", "/help"))
	client := e.sender.last()
	if !strings.Contains(client, "/clear") || strings.Contains(client, "/reset_all") || strings.Contains(client, "/update") {
		t.Errorf("client help = %q", client)
	}

	e.consumer.Handle(ctx, inbound("1", "1", "2", "/help@desk_bot"))
	admin := e.sender.last()
	if !strings.Contains(admin, "/reset_all") || !strings.Contains(admin, "/debug_context") {
		t.Errorf("admin help = %q", admin)
	}
}

func TestConsumer_PrivilegedCommandDenied(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	e.sched.OnMessage(inbound("200", "200", "", "pending"))

	e.consumer.Handle(context.Background(), inbound("100", "100", "1", "/reset_all"))
	if got := e.sender.last(); !strings.Contains(got, "not allowed") {
		t.Errorf("reply = %q", got)
	}
	if got := e.sched.Pending("telegram:200"); len(got) != 1 {
		t.Errorf("pending reset by a client: %v", got)
	}
}

func TestConsumer_ClearAndResetAll(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	ctx := context.Background()
	e.consumer.Handle(ctx, inbound("100", "100", "1", "one"))
	e.consumer.Handle(ctx, inbound("101", "101", "2", "two"))

	e.consumer.Handle(ctx, inbound("100", "100", "3", "/clear"))
	if got := e.sched.Pending("telegram:100"); len(got) != 0 {
		t.Errorf("pending after /clear = %v", got)
	}
	if got := e.sched.Pending("telegram:101"); len(got) != 1 {
		t.Errorf("other user's pending = %v", got)
	}

	e.consumer.Handle(ctx, inbound("1", "1", "4", "/reset_all"))
	if got := e.sched.Pending("telegram:101"); len(got) != 0 {
		t.Errorf("pending after /reset_all = %v", got)
	}
	if got := e.sender.last(); !strings.Contains(got, "All conversations reset") {
		t.Errorf("reply = %q", got)
	}
}

func TestConsumer_ManagerSilencesAndSpeakReactivates(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	ctx := context.Background()
	conv := "telegram:500"

	e.consumer.Handle(ctx, inbound("2", "500", "1", "I'll take it from here"))
	if !e.gate.IsSilent(conv) {
		t.Fatal("manager message did not silence the conversation")
	}
	if len(e.sched.Pending("telegram:2")) != 0 {
		t.Error("manager message was buffered")
	}
	select {
	case ev := <-e.events:
		if ev.Name != protocol.EventSilence {
			t.Errorf("event = %s", ev.Name)
		}
	case <-time.After(time.Second):
		t.Error("no silence event broadcast")
	}

	e.consumer.Handle(ctx, inbound("500", "500", "2", "hello?"))
	if len(e.sched.Pending("telegram:500")) != 0 {
		t.Error("client message buffered while silenced")
	}

	e.consumer.Handle(ctx, inbound("2", "500", "3", "/speak"))
	if e.gate.IsSilent(conv) {
		t.Error("/speak did not reactivate")
	}
	if got := e.sender.last(); got != silence.AckReply {
		t.Errorf("reply = %q, want %q", got, silence.AckReply)
	}

	e.consumer.Handle(ctx, inbound("500", "500", "4", "hello again"))
	if len(e.sched.Pending("telegram:500")) != 1 {
		t.Error("client message not buffered after reactivation")
	}
}

func TestConsumer_AdminTreatedAsClient(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	e.consumer.Handle(context.Background(), inbound("1", "1", "1", "what are your hours?"))
	if e.gate.IsSilent("telegram:1") {
		t.Error("admin message silenced the conversation")
	}
	if len(e.sched.Pending("telegram:1")) != 1 {
		t.Error("admin message not buffered")
	}
}

func TestConsumer_SilentCommand(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	ctx := context.Background()
	e.consumer.Handle(ctx, inbound("1", "600", "1", "/silent"))
	if !e.gate.IsSilent("telegram:600") {
		t.Error("/silent did not silence")
	}

	e.consumer.Handle(ctx, inbound("600", "600", "2", "/silent"))
	if got := e.sender.last(); !strings.Contains(got, "not allowed") {
		t.Errorf("client /silent reply = %q", got)
	}
}

func TestConsumer_ClientSpeakIsText(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	e.consumer.Handle(context.Background(), inbound("100", "100", "1", "/speak"))
	if got := e.sched.Pending("telegram:100"); len(got) != 1 || got[0] != "/speak" {
		t.Errorf("pending = %v", got)
	}
}

func TestConsumer_RateLimit(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	e.consumer.SetRateLimit(1)
	ctx := context.Background()
	for i := 0; i < rateLimitBurst+3; i++ {
		e.consumer.Handle(ctx, inbound("100", "100", "", "spam"))
	}
	if got := len(e.sched.Pending("telegram:100")); got != rateLimitBurst {
		t.Errorf("pending = %d, want %d", got, rateLimitBurst)
	}

	// Staff are never limited.
	for i := 0; i < rateLimitBurst+3; i++ {
		e.consumer.Handle(ctx, inbound("1", "1", "", "admin"))
	}
	if got := len(e.sched.Pending("telegram:1")); got != rateLimitBurst+3 {
		t.Errorf("admin pending = %d", got)
	}
}

func TestConsumer_SetRoles(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	if e.consumer.RoleOf("discord", "42") != config.RoleClient {
		t.Fatal("unexpected initial role")
	}
	e.consumer.SetRoles(config.RolesConfig{Managers: []string{"discord:42"}})
	if got := e.consumer.RoleOf("discord", "42"); got != config.RoleManager {
		t.Errorf("role = %s after reload", got)
	}
}

func TestConsumer_UpdateAndInspect(t *testing.T) {
	e := newEnv(t, time.Hour, true)
	ctx := context.Background()

	e.consumer.Handle(ctx, inbound("100", "100", "0", "/db_time"))
	if got := e.sender.last(); !strings.Contains(got, "Could not determine") {
		t.Errorf("db_time before rebuild = %q", got)
	}

	e.consumer.Handle(ctx, inbound("2", "2", "1", "/update"))
	if got := e.sender.last(); !strings.Contains(got, "in the background") {
		t.Errorf("ack = %q", got)
	}
	e.consumer.Wait()
	if got := e.sender.last(); !strings.Contains(got, "Knowledge base updated.") || !strings.Contains(got, "Total chunks: 2") {
		t.Fatalf("result = %q", got)
	}
	select {
	case ev := <-e.events:
		res, ok := ev.Payload.(kb.Result)
		if ev.Name != "kb" || !ok || !res.Success {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Error("no kb event broadcast")
	}

	e.consumer.Handle(ctx, inbound("2", "2", "2", "/check_db"))
	if got := e.sender.last(); !strings.Contains(got, "(2 chunks)") || !strings.Contains(got, "index.db") {
		t.Errorf("check_db = %q", got)
	}

	e.consumer.Handle(ctx, inbound("100", "100", "3", "/db_time"))
	if got := e.sender.last(); !strings.HasPrefix(got, "Knowledge base updated: ") {
		t.Errorf("db_time = %q", got)
	}

	e.consumer.Handle(ctx, inbound("1", "1", "4", "/debug_context refund"))
	if got := e.sender.last(); !strings.Contains(got, "Context from document 'policy.md'") {
		t.Errorf("debug_context = %q", got)
	}
}

func TestConsumer_DebugContextLatest(t *testing.T) {
	e := newEnv(t, time.Hour, true)
	ctx := context.Background()

	e.consumer.Handle(ctx, inbound("1", "1", "1", "/debug_context"))
	if got := e.sender.last(); !strings.Contains(got, "No logged context") {
		t.Errorf("reply = %q", got)
	}

	if err := e.consumer.deps.ContextLog.Record("telegram:1", "hours?", "Context from document 'hours.txt'", "v1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	e.consumer.Handle(ctx, inbound("1", "1", "2", "/debug_context"))
	if got := e.sender.last(); !strings.Contains(got, "hours.txt") {
		t.Errorf("reply = %q", got)
	}
}

func TestConsumer_KBCommandsWithoutKB(t *testing.T) {
	e := newEnv(t, time.Hour, false)
	ctx := context.Background()
	for _, cmd := range []string{"/update", "/check_db", "/db_time"} {
		e.consumer.Handle(ctx, inbound("1", "1", "", cmd))
		if got := e.sender.last(); !strings.Contains(got, "not configured") {
			t.Errorf("%s reply = %q", cmd, got)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in, name, args string
		ok             bool
	}{
		{"/help", "help", "", true},
		{"  /Debug_Context@desk_bot  where is it ", "debug_context", "where is it", true},
		{"/", "", "", false},
		{"/@bot", "", "", false},
		{"hello /help", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		name, args, ok := parseCommand(tt.in)
		if name != tt.name || args != tt.args || ok != tt.ok {
			t.Errorf("parseCommand(%q) = %q, %q, %v", tt.in, name, args, ok)
		}
	}
}

func TestFormatRebuildResult(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	failed := FormatRebuildResult(kb.Result{Reason: "kb: source returned no documents"}, kb.ErrNoDocuments, at)
	if !strings.Contains(failed, "failed") || !strings.Contains(failed, "no documents") || !strings.Contains(failed, "previous version") {
		t.Errorf("failure = %q", failed)
	}

	busy := FormatRebuildResult(kb.Result{}, kb.ErrRebuildInProgress, at)
	if !strings.Contains(busy, "already running") {
		t.Errorf("busy = %q", busy)
	}

	ok := FormatRebuildResult(kb.Result{Success: true, VersionID: "v1", Added: 3, Total: 3, Duration: 1500 * time.Millisecond}, nil, at)
	for _, want := range []string{"Version: v1", "Chunks added: 3", "Took: 1.5s"} {
		if !strings.Contains(ok, want) {
			t.Errorf("success %q missing %q", ok, want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	disabled := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !disabled.Allow("k") {
			t.Fatal("disabled limiter rejected")
		}
	}
	if disabled.Enabled() {
		t.Error("Enabled() = true for rpm 0")
	}

	rl := NewRateLimiter(60, 2)
	if !rl.Allow("a") || !rl.Allow("a") || rl.Allow("a") {
		t.Error("burst of 2 not enforced")
	}
	if !rl.Allow("b") {
		t.Error("keys are not independent")
	}

	if n := rl.Cleanup(time.Now()); n != 0 {
		t.Errorf("fresh entries dropped: %d", n)
	}
	if n := rl.Cleanup(time.Now().Add(staleLimiterAge + time.Minute)); n != 2 {
		t.Errorf("Cleanup dropped %d, want 2", n)
	}
}

func TestAccess(t *testing.T) {
	if !AccessStaff.allows(config.RoleManager) || AccessStaff.allows(config.RoleClient) {
		t.Error("staff access wrong")
	}
	if AccessAdmin.allows(config.RoleManager) || !AccessAdmin.allows(config.RoleAdmin) {
		t.Error("admin access wrong")
	}
}
