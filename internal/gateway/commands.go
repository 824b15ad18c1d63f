package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/kb"
	"github.com/nextlevelbuilder/replydesk/pkg/protocol"
)

const timeFormat = "02.01.2006 15:04:05"

func (c *Consumer) registerCommands() *CommandRouter {
	r := NewCommandRouter()
	r.Register("start", "Start chatting with the bot", AccessEveryone, c.cmdStart)
	r.Register("help", "Show this help message", AccessEveryone, func(_ context.Context, req Request) string {
		return r.Help(req.Role)
	})
	r.Register("clear", "Forget this conversation and any unsent messages", AccessEveryone, c.cmdClear)
	r.Register("reset", "Start a completely new conversation", AccessEveryone, c.cmdReset)
	r.Register("db_time", "When the knowledge base was last updated", AccessEveryone, c.cmdDBTime)
	r.Register("reset_all", "Reset every user's conversation", AccessAdmin, c.cmdResetAll)
	r.Register("update", "Rebuild the knowledge base in the background", AccessStaff, c.cmdUpdate)
	r.Register("check_db", "Show the active knowledge base version", AccessStaff, c.cmdCheckDB)
	r.Register("silent", "Stop automatic replies in this conversation", AccessStaff, c.cmdSilent)
	r.Register("debug_context", "Show retrieved context for a query, or your last one", AccessAdmin, c.cmdDebugContext)
	return r
}

func (c *Consumer) cmdStart(_ context.Context, req Request) string {
	return "Hello! Ask me anything and I will answer from the knowledge base. Send /help to see what else I can do."
}

func (c *Consumer) cmdClear(_ context.Context, req Request) string {
	c.deps.Scheduler.Reset(req.Msg.UserKey())
	return "Conversation history and pending messages cleared."
}

func (c *Consumer) cmdReset(_ context.Context, req Request) string {
	c.deps.Scheduler.Reset(req.Msg.UserKey())
	return "Conversation fully reset. Your next question starts a new dialogue."
}

func (c *Consumer) cmdResetAll(_ context.Context, req Request) string {
	n := c.deps.Scheduler.ResetAll()
	slog.Warn("gateway: all conversations reset", "by", req.Msg.UserKey(), "sessions", n)
	return fmt.Sprintf("All conversations reset (%d sessions).", n)
}

func (c *Consumer) cmdUpdate(_ context.Context, req Request) string {
	if c.deps.Rebuilder == nil {
		return "Knowledge base updates are not configured."
	}
	if c.deps.Rebuilder.Running() {
		return "A knowledge base update is already running."
	}

	msg := req.Msg
	c.background(func(ctx context.Context) {
		res, err := c.deps.Rebuilder.Rebuild(ctx)
		c.deps.Bus.Broadcast(bus.Event{Name: protocol.EventKB, Payload: res})
		c.reply(ctx, msg, FormatRebuildResult(res, err, time.Now()))
	})
	return "Updating the knowledge base in the background..."
}

// FormatRebuildResult renders a rebuild outcome for a chat reply.
func FormatRebuildResult(res kb.Result, err error, at time.Time) string {
	if errors.Is(err, kb.ErrRebuildInProgress) {
		return "A knowledge base update is already running."
	}
	if err != nil || !res.Success {
		reason := res.Reason
		if reason == "" && err != nil {
			reason = err.Error()
		}
		return fmt.Sprintf("Knowledge base update failed.\nTime: %s\nThe previous version stays active.\nReason: %s",
			at.Format(timeFormat), reason)
	}
	return fmt.Sprintf("Knowledge base updated.\nTime: %s\nVersion: %s\nChunks added: %d\nTotal chunks: %d\nTook: %s",
		at.Format(timeFormat), res.VersionID, res.Added, res.Total, res.Duration.Round(time.Millisecond))
}

func (c *Consumer) cmdCheckDB(_ context.Context, req Request) string {
	if c.deps.Rebuilder == nil {
		return "Knowledge base is not configured."
	}
	layout := c.deps.Rebuilder.Layout()
	active, err := layout.Active()
	switch {
	case errors.Is(err, kb.ErrNoActiveVersion):
		return "No active knowledge base version."
	case errors.Is(err, kb.ErrIncompleteVersion):
		return fmt.Sprintf("Active version %s is incomplete (no completeness marker).", active.ID)
	case err != nil:
		return "Could not read the active version: " + err.Error()
	}

	var files []string
	if entries, err := os.ReadDir(active.Path); err == nil {
		for _, e := range entries {
			files = append(files, e.Name())
		}
	}
	versions, _ := layout.Versions()
	return fmt.Sprintf("Active version: %s (%d chunks)\nCompleted: %s\nFiles: %s\nVersions on disk: %d",
		active.ID, active.Count, active.CompletedAt.Local().Format(timeFormat), strings.Join(files, ", "), len(versions))
}

func (c *Consumer) cmdDBTime(_ context.Context, req Request) string {
	if c.deps.Rebuilder == nil {
		return "Knowledge base is not configured."
	}
	t, err := c.deps.Rebuilder.Layout().LastUpdate()
	if err != nil {
		return "Could not determine when the knowledge base was updated."
	}
	return "Knowledge base updated: " + t.Local().Format(timeFormat)
}

func (c *Consumer) cmdSilent(ctx context.Context, req Request) string {
	if c.deps.Gate == nil {
		return "Silence is not configured."
	}
	conv := req.Msg.ConversationKey()
	changed, err := c.deps.Gate.Set(ctx, conv, true)
	if err != nil {
		slog.Error("gateway: silence update failed", "chat", conv, "error", err)
		return "Could not silence this conversation."
	}
	if changed {
		c.deps.Bus.Broadcast(bus.Event{Name: protocol.EventSilence, Payload: map[string]any{"conversation": conv, "silent": true}})
	}
	return "Automatic replies are off here. Send /speak to turn them back on."
}

func (c *Consumer) cmdDebugContext(ctx context.Context, req Request) string {
	if req.Args == "" {
		if c.deps.ContextLog == nil {
			return "Usage: /debug_context <question>"
		}
		entry, err := c.deps.ContextLog.Latest(req.Msg.UserKey())
		if err != nil {
			entry = "No logged context yet. Usage: /debug_context <question>"
		}
		if pending := c.deps.Scheduler.Pending(req.Msg.UserKey()); len(pending) > 0 {
			entry += fmt.Sprintf("\n\nBuffered, not yet sent (%d):\n%s", len(pending), strings.Join(pending, "\n"))
		}
		return entry
	}

	if c.deps.Searcher == nil {
		return "Knowledge base is not configured."
	}
	results, version, err := c.deps.Searcher.Search(ctx, req.Args)
	if err != nil {
		return "Context lookup failed: " + err.Error()
	}
	if len(results) == 0 {
		return "No context found in the knowledge base."
	}
	return fmt.Sprintf("Context from version %s:\n\n%s", version, kb.FormatContext(results))
}
