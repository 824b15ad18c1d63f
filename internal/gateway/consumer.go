// Package gateway turns inbound chat messages into scheduler work.
//
// The Consumer is the single reader of the message bus. For each message
// it drops duplicates, resolves the sender's role, runs commands, applies
// the silence rules and finally hands client text to the scheduler.
package gateway

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/assistant"
	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/kb"
	"github.com/nextlevelbuilder/replydesk/internal/scheduler"
	"github.com/nextlevelbuilder/replydesk/internal/silence"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

const (
	dedupeTTL      = 20 * time.Minute
	dedupeMaxSize  = 5000
	rateLimitBurst = 5
	cleanupEvery   = 5 * time.Minute
)

// Searcher is the retrieval side used by /debug_context.
type Searcher interface {
	Search(ctx context.Context, query string) ([]kb.SearchResult, string, error)
}

// Deps are the collaborators of a Consumer. Rebuilder, Searcher and
// ContextLog may be nil; the commands that need them then say so.
type Deps struct {
	Bus        *bus.MessageBus
	Scheduler  *scheduler.Scheduler
	Sender     scheduler.Sender
	Gate       *silence.Gate
	Rebuilder  *kb.Rebuilder
	Searcher   Searcher
	ContextLog *assistant.ContextLog
	Roles      config.RolesConfig
	RateLimit  int // messages per minute per sender, 0 disables
}

// Consumer reads the bus until its context is cancelled.
type Consumer struct {
	deps    Deps
	dedupe  *bus.DedupeCache
	router  *CommandRouter
	roles   atomic.Pointer[config.RolesConfig]
	limiter atomic.Pointer[RateLimiter]

	ctx context.Context // set by Run before the first message; parent of background work
	bg  sync.WaitGroup
}

func NewConsumer(deps Deps) *Consumer {
	c := &Consumer{
		deps:   deps,
		dedupe: bus.NewDedupeCache(dedupeTTL, dedupeMaxSize),
		ctx:    context.Background(),
	}
	c.SetRoles(deps.Roles)
	c.SetRateLimit(deps.RateLimit)
	c.router = c.registerCommands()
	return c
}

// SetRoles replaces the privileged participant lists.
func (c *Consumer) SetRoles(roles config.RolesConfig) {
	c.roles.Store(&roles)
}

// SetRateLimit replaces the per-sender limiter. Existing buckets are
// discarded.
func (c *Consumer) SetRateLimit(perMinute int) {
	c.limiter.Store(NewRateLimiter(perMinute, rateLimitBurst))
}

// RoleOf resolves the current role of a sender.
func (c *Consumer) RoleOf(channel, senderID string) config.Role {
	return c.roles.Load().RoleOf(channel, senderID)
}

// Run consumes inbound messages until ctx is done, then waits for
// background command work to finish.
func (c *Consumer) Run(ctx context.Context) error {
	c.ctx = ctx
	defer c.bg.Wait()

	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		ticker := time.NewTicker(cleanupEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := c.limiter.Load().Cleanup(now); n > 0 {
					slog.Debug("gateway: rate limiter cleanup", "dropped", n)
				}
			}
		}
	}()

	slog.Info("gateway: consumer started")
	for {
		msg, ok := c.deps.Bus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("gateway: consumer stopped")
			return nil
		}
		c.Handle(ctx, msg)
	}
}

// Handle processes one inbound message.
func (c *Consumer) Handle(ctx context.Context, msg bus.InboundMessage) {
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	if msg.MessageID != "" && c.dedupe.IsDuplicate(msg.ConversationKey()+":"+msg.MessageID) {
		slog.Debug("gateway: duplicate message dropped", "chat", msg.ConversationKey(), "message", msg.MessageID)
		return
	}

	role := c.RoleOf(msg.Channel, msg.SenderID)
	conv := msg.ConversationKey()
	privileged := role == config.RoleAdmin || role == config.RoleManager

	if !(privileged && silence.IsReactivation(msg.Content)) {
		if name, args, ok := parseCommand(msg.Content); ok && c.router.Lookup(name) {
			reply := c.router.Handle(ctx, Request{Msg: msg, Role: role, Name: name, Args: args})
			c.reply(ctx, msg, reply)
			return
		}
	}

	if c.deps.Gate != nil {
		decision, err := c.deps.Gate.Observe(ctx, silence.Participant{
			ConversationID: conv,
			Role:           role,
			Text:           msg.Content,
		})
		if err != nil {
			slog.Error("gateway: silence update failed", "chat", conv, "error", err)
		}
		if decision.Changed {
			c.deps.Bus.Broadcast(bus.Event{Name: protocol.EventSilence, Payload: map[string]any{
				"conversation": conv,
				"silent":       c.deps.Gate.IsSilent(conv),
			}})
		}
		c.reply(ctx, msg, decision.Reply)
		if decision.Consumed {
			return
		}
		if c.deps.Gate.IsSilent(conv) {
			slog.Info("gateway: conversation silenced, message ignored", "chat", conv, "user", msg.UserKey())
			return
		}
	}

	if role == config.RoleClient && !c.limiter.Load().Allow(msg.UserKey()) {
		return
	}

	c.deps.Scheduler.OnMessage(msg)
}

func (c *Consumer) reply(ctx context.Context, msg bus.InboundMessage, text string) {
	if text == "" {
		return
	}
	out := bus.OutboundMessage{Channel: msg.Channel, ChatID: msg.ChatID, Content: text}
	if err := c.deps.Sender.Send(ctx, out); err != nil {
		slog.Warn("gateway: reply failed", "chat", msg.ConversationKey(), "error", err)
	}
}

// background runs fn on the consumer's context and tracks it so Run can
// wait for it on shutdown.
func (c *Consumer) background(fn func(ctx context.Context)) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn(c.ctx)
	}()
}

// Wait blocks until background command work has finished.
func (c *Consumer) Wait() {
	c.bg.Wait()
}
