package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/locks"
	"github.com/nextlevelbuilder/replydesk/internal/tracing"
)

// Asker turns one combined user request into a reply. It may be slow and
// may fail; it is called at most once per drained burst.
type Asker interface {
	Ask(ctx context.Context, userID, text string) (string, error)
}

// Sender delivers replies and typing indicators to a chat platform.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
	SendTyping(ctx context.Context, channel, chatID string) error
}

// SilenceGate reports whether automatic replies to a conversation are suppressed.
type SilenceGate interface {
	IsSilent(conversationID string) bool
}

// Config tunes the scheduler.
type Config struct {
	Debounce   time.Duration      // quiet period before a burst is flushed
	HistoryTTL time.Duration      // idle sessions older than this are pruned (0 keeps forever)
	MaxHistory int                // turns kept per user (0 keeps all)
	Typing     bool               // send a typing indicator before asking
	Apology    func(error) string // reply text when the pipeline fails
}

const defaultApology = "Sorry, something went wrong while preparing an answer. Please try again."

// Scheduler coalesces bursts of messages per user into single requests.
//
// Every inbound message is appended to the user's buffer and re-arms the
// user's debounce timer. When a timer fires and is still the user's current
// timer, the buffer is drained and handed to the Asker exactly once. A
// per-user try-lock keeps two flushes for one user from overlapping; the
// loser simply leaves its messages buffered for the next timer.
type Scheduler struct {
	cfg      Config
	debounce atomic.Int64 // nanoseconds; adjustable at runtime
	asker    Asker
	sender   Sender
	gate     SilenceGate

	mu       sync.RWMutex
	sessions map[string]*session

	ctx    context.Context
	cancel context.CancelFunc

	// lifeMu orders flush registration against Stop so wg.Add never
	// runs concurrently with wg.Wait.
	lifeMu sync.Mutex
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates a scheduler. gate may be nil when silence is not used.
func New(cfg Config, asker Asker, sender Sender, gate SilenceGate) *Scheduler {
	if cfg.Apology == nil {
		cfg.Apology = func(error) string { return defaultApology }
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		asker:    asker,
		sender:   sender,
		gate:     gate,
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.debounce.Store(int64(cfg.Debounce))
	return s
}

// SetDebounce changes the debounce window for timers armed from now on.
func (s *Scheduler) SetDebounce(d time.Duration) {
	if d < 0 {
		d = 0
	}
	old := time.Duration(s.debounce.Swap(int64(d)))
	if old != d {
		slog.Info("scheduler: debounce changed", "from", old, "to", d)
	}
}

// Debounce returns the current debounce window.
func (s *Scheduler) Debounce() time.Duration {
	return time.Duration(s.debounce.Load())
}

// OnMessage buffers msg for its user and (re)arms the user's debounce timer.
// It never blocks on downstream work.
func (s *Scheduler) OnMessage(msg bus.InboundMessage) {
	if s.closed.Load() {
		slog.Warn("scheduler: message after shutdown dropped", "user", msg.UserKey())
		return
	}

	userID := msg.UserKey()
	sess := s.getOrCreate(userID)

	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.buffer = append(sess.buffer, msg.Content)
	sess.channel = msg.Channel
	sess.chatID = msg.ChatID
	sess.lastSeen = time.Now()

	if sess.timer != nil {
		sess.timer.t.Stop()
	}
	h := &timerHandle{}
	h.t = time.AfterFunc(s.Debounce(), func() { s.onTimerFire(userID, h) })
	sess.timer = h

	slog.Debug("scheduler: message buffered", "user", userID, "pending", len(sess.buffer))
}

// onTimerFire runs on the timer goroutine. Stopping a timer can race with
// it firing, so the handle is compared against the session's current one:
// any mismatch means a newer message re-armed the timer and this firing is
// stale.
func (s *Scheduler) onTimerFire(userID string, h *timerHandle) {
	sess := s.lookup(userID)
	if sess == nil {
		slog.Debug("scheduler: timer fired for removed session", "user", userID)
		return
	}

	sess.mu.Lock()
	if sess.timer != h {
		sess.mu.Unlock()
		slog.Debug("scheduler: stale timer ignored", "user", userID)
		return
	}
	sess.timer = nil
	sess.mu.Unlock()

	s.lifeMu.Lock()
	if s.closed.Load() {
		s.lifeMu.Unlock()
		return
	}
	s.wg.Add(1)
	s.lifeMu.Unlock()
	go func() {
		defer s.wg.Done()
		s.Flush(s.ctx, userID)
	}()
}

// Flush drains the user's buffer and asks for a single reply. If a flush
// for the same user is already running it returns without touching the
// buffer: whatever arrives meanwhile re-arms a timer of its own.
func (s *Scheduler) Flush(ctx context.Context, userID string) {
	sess := s.lookup(userID)
	if sess == nil {
		return
	}

	if !sess.flushLock.TryAcquire() {
		slog.Debug("scheduler: flush already in progress, leaving buffer", "user", userID)
		return
	}
	defer sess.flushLock.Release()

	sess.mu.Lock()
	messages := sess.buffer
	sess.buffer = nil
	channel, chatID := sess.channel, sess.chatID
	epoch := sess.epoch
	sess.mu.Unlock()

	if len(messages) == 0 {
		return
	}

	ctx, span := tracing.Start(locks.WithOwner(withEpoch(ctx, epoch)), "scheduler.flush",
		attribute.String("user", userID),
		attribute.Int("messages", len(messages)),
	)
	var flushErr error
	defer func() { tracing.End(span, flushErr) }()

	combined := strings.Join(messages, "\n")
	slog.Info("scheduler: flushing burst", "user", userID, "messages", len(messages), "chars", len(combined))

	if s.cfg.Typing {
		if err := s.sender.SendTyping(ctx, channel, chatID); err != nil {
			slog.Debug("scheduler: typing indicator failed", "user", userID, "error", err)
		}
	}

	reply, err := s.ask(ctx, sess, userID, combined)
	switch {
	case err != nil && errors.Is(err, context.Canceled):
		flushErr = err
		slog.Info("scheduler: flush cancelled", "user", userID)
		return
	case err != nil:
		flushErr = err
		slog.Error("scheduler: request pipeline failed", "user", userID, "error", err)
		reply = s.cfg.Apology(err)
	}
	if strings.TrimSpace(reply) == "" {
		return
	}

	// Silence may have been switched on while the request was in flight.
	if s.gate != nil && s.gate.IsSilent(bus.ConversationKey(channel, chatID)) {
		slog.Info("scheduler: reply suppressed, conversation silenced", "user", userID, "chat", chatID)
		return
	}

	if err := s.sender.Send(ctx, bus.OutboundMessage{Channel: channel, ChatID: chatID, Content: reply}); err != nil {
		slog.Warn("scheduler: send reply failed", "user", userID, "channel", channel, "error", err)
	}
}

// ask calls the Asker while holding the user's history lock, so history
// updates made by the Asker with the same ctx re-enter instead of
// deadlocking. Panics are contained here so one user's failure never
// reaches another user's work.
func (s *Scheduler) ask(ctx context.Context, sess *session, userID, text string) (reply string, err error) {
	if err := sess.history.Acquire(ctx); err != nil {
		return "", fmt.Errorf("acquire history lock: %w", err)
	}
	defer func() {
		if rerr := sess.history.Release(ctx); rerr != nil {
			slog.Error("scheduler: history lock release failed", "user", userID, "error", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("request pipeline panic: %v", r)
		}
	}()

	return s.asker.Ask(ctx, userID, text)
}

// Run prunes idle sessions until ctx is cancelled, then shuts the
// scheduler down: pending timers are stopped, in-flight flushes are
// cancelled and waited for.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return nil
		case <-ticker.C:
			if n := s.prune(time.Now()); n > 0 {
				slog.Debug("scheduler: pruned idle sessions", "count", n)
			}
		}
	}
}

// Stop cancels every armed timer and in-flight flush and waits for the
// flushes to return. Buffered messages that were never flushed are dropped.
func (s *Scheduler) Stop() {
	s.lifeMu.Lock()
	if !s.closed.CompareAndSwap(false, true) {
		s.lifeMu.Unlock()
		return
	}
	s.lifeMu.Unlock()

	dropped := 0
	s.mu.RLock()
	for _, sess := range s.sessions {
		sess.mu.Lock()
		if sess.timer != nil {
			sess.timer.t.Stop()
			sess.timer = nil
		}
		dropped += len(sess.buffer)
		sess.mu.Unlock()
	}
	s.mu.RUnlock()

	s.cancel()
	s.wg.Wait()
	slog.Info("scheduler stopped", "dropped_pending", dropped)
}
