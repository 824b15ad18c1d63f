// Package assistant turns a user's combined request into a reply: it
// retrieves knowledge-base context, calls the chat model, runs any
// actions the model asks for and records the exchange in the user's
// history.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/nextlevelbuilder/replydesk/internal/kb"
	"github.com/nextlevelbuilder/replydesk/internal/scheduler"
	"github.com/nextlevelbuilder/replydesk/internal/tracing"
)

// maxActionRounds bounds model→action→model loops per request.
const maxActionRounds = 4

// History is the per-user conversation store. The scheduler implements it
// and holds the history lock while Ask runs; calls made with Ask's ctx
// re-enter that lock.
type History interface {
	History(ctx context.Context, userID string) ([]scheduler.Turn, error)
	AppendHistory(ctx context.Context, userID string, turns ...scheduler.Turn) error
}

// Pipeline implements scheduler.Asker.
type Pipeline struct {
	model        Completer
	searcher     Searcher // nil disables retrieval
	history      History
	tools        *Registry
	contextLog   *ContextLog // nil disables context logging
	systemPrompt string
	now          func() time.Time
}

type PipelineConfig struct {
	Model        Completer
	Searcher     Searcher
	Tools        *Registry
	ContextLog   *ContextLog
	SystemPrompt string
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	tools := cfg.Tools
	if tools == nil {
		tools = NewRegistry()
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	return &Pipeline{
		model:        cfg.Model,
		searcher:     cfg.Searcher,
		tools:        tools,
		contextLog:   cfg.ContextLog,
		systemPrompt: prompt,
		now:          time.Now,
	}
}

// AttachHistory wires the history store. The scheduler needs the pipeline
// to be constructed and the pipeline needs the scheduler's history, so
// this is set after both exist.
func (p *Pipeline) AttachHistory(h History) {
	p.history = h
}

// Ask answers one combined request for userID.
func (p *Pipeline) Ask(ctx context.Context, userID, text string) (reply string, err error) {
	ctx, span := tracing.Start(ctx, "assistant.ask", attribute.String("user", userID))
	defer func() { tracing.End(span, err) }()

	kbContext, version := p.retrieve(ctx, userID, text)
	if version != "" {
		span.SetAttributes(attribute.String("kb.version", version))
	}

	messages := []Message{{Role: "system", Content: p.systemPrompt}}
	if p.history != nil {
		turns, err := p.history.History(ctx, userID)
		if err != nil {
			return "", fmt.Errorf("load history: %w", err)
		}
		for _, t := range turns {
			messages = append(messages, Message{Role: t.Role, Content: t.Text})
		}
	}
	if kbContext != "" {
		messages = append(messages, Message{Role: "system", Content: "Knowledge base context:\n\n" + kbContext})
	}
	messages = append(messages, Message{Role: "user", Content: text})

	reply, err = p.complete(ctx, messages)
	if err != nil {
		return "", err
	}

	if p.history != nil {
		now := p.now()
		if err := p.history.AppendHistory(ctx, userID,
			scheduler.Turn{Role: "user", Text: text, At: now},
			scheduler.Turn{Role: "assistant", Text: reply, At: now},
		); err != nil {
			slog.Warn("assistant: failed to record history", "user", userID, "error", err)
		}
	}
	return reply, nil
}

func (p *Pipeline) retrieve(ctx context.Context, userID, text string) (string, string) {
	if p.searcher == nil {
		return "", ""
	}

	var kbContext, version string
	results, version, err := p.searcher.Search(ctx, text)
	switch {
	case errors.Is(err, kb.ErrNoActiveVersion):
		slog.Warn("assistant: knowledge base not built yet", "user", userID)
	case err != nil:
		slog.Warn("assistant: context retrieval failed", "user", userID, "error", err)
	default:
		kbContext = kb.FormatContext(results)
		slog.Debug("assistant: context retrieved", "user", userID, "version", version, "results", len(results))
	}

	if p.contextLog != nil {
		if err := p.contextLog.Record(userID, text, kbContext, version); err != nil {
			slog.Warn("assistant: failed to log context", "user", userID, "error", err)
		}
	}
	return kbContext, version
}

// complete calls the model until it produces text, running requested
// actions in between.
func (p *Pipeline) complete(ctx context.Context, messages []Message) (string, error) {
	defs := p.tools.Definitions()
	for round := 0; round < maxActionRounds; round++ {
		r, err := p.model.Complete(ctx, messages, defs)
		if err != nil {
			return "", err
		}

		switch r.Kind {
		case ReplyText:
			text := strings.TrimSpace(r.Text)
			if text == "" {
				return "", ErrEmptyReply
			}
			return text, nil
		case ReplyFailure:
			return "", fmt.Errorf("%w: %s", ErrReplyFailed, r.Reason)
		case ReplyAction:
			messages = append(messages, assistantCallMessage(r.Actions))
			for _, a := range r.Actions {
				slog.Info("assistant: running action", "action", a.Name, "round", round+1)
				messages = append(messages, Message{
					Role:       "tool",
					ToolCallID: a.ID,
					Content:    p.tools.Execute(ctx, a),
				})
			}
		default:
			return "", fmt.Errorf("assistant: unknown reply kind %d", r.Kind)
		}
	}
	return "", ErrTooManyActions
}
