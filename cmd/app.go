package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/nextlevelbuilder/replydesk/internal/assistant"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/kb"
	"github.com/nextlevelbuilder/replydesk/internal/scheduler"
	"github.com/nextlevelbuilder/replydesk/internal/silence"
	"github.com/nextlevelbuilder/replydesk/internal/source"
)

// services are the long-lived components shared by the gateway and the
// local chat.
type services struct {
	cfg        *config.Config
	gate       *silence.Gate
	rebuilder  *kb.Rebuilder // nil when no document source is configured
	retriever  *kb.Retriever
	contextLog *assistant.ContextLog
	pipeline   *assistant.Pipeline
	scheduler  *scheduler.Scheduler
}

// newEmbedder returns nil when no embedding key is set; the index is then
// searched by full text only.
func newEmbedder(cfg *config.Config) kb.Embedder {
	if cfg.KB.Embedding.APIKey == "" {
		slog.Info("kb: no embedding api key, building text-only index")
		return nil
	}
	return kb.NewOpenAIEmbedder(cfg.KB.Embedding)
}

// newRebuilder opens the document source and wraps it in a rebuilder.
func newRebuilder(ctx context.Context, cfg *config.Config, embedder kb.Embedder) (*kb.Rebuilder, error) {
	src, err := source.Open(ctx, cfg.Source)
	if err != nil {
		return nil, err
	}
	return kb.NewRebuilder(kb.Layout{Root: cfg.KB.Root}, src, embedder, kb.OptionsFromConfig(cfg.KB)), nil
}

func contextLogDir(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "context_logs")
}

func cronStatePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "cron.json")
}

// buildServices wires silence, the knowledge base, the assistant and the
// scheduler. sender receives every reply.
func buildServices(ctx context.Context, cfg *config.Config, sender scheduler.Sender) (*services, error) {
	store, err := silence.OpenStore(ctx, cfg.Silence)
	if err != nil {
		return nil, fmt.Errorf("open silence store: %w", err)
	}
	gate, err := silence.NewGate(ctx, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("load silence state: %w", err)
	}

	embedder := newEmbedder(cfg)
	rebuilder, err := newRebuilder(ctx, cfg, embedder)
	if err != nil {
		slog.Warn("kb: document source unavailable, /update disabled", "error", err)
		rebuilder = nil
	}
	retriever, err := kb.NewRetriever(kb.Layout{Root: cfg.KB.Root}, embedder, cfg.KB.TopK, cfg.KB.CacheSize)
	if err != nil {
		gate.Close()
		return nil, err
	}

	prompt, err := assistant.LoadSystemPrompt(cfg.Assistant)
	if err != nil {
		gate.Close()
		retriever.Close()
		return nil, err
	}

	contextLog := assistant.NewContextLog(contextLogDir(cfg), cfg.Assistant.ContextLogTTL())
	tools := assistant.NewRegistry()
	tools.Register(assistant.NewKnowledgeSearchTool(retriever))
	pipeline := assistant.NewPipeline(assistant.PipelineConfig{
		Model:        assistant.NewClient(cfg.Assistant),
		Searcher:     retriever,
		Tools:        tools,
		ContextLog:   contextLog,
		SystemPrompt: prompt,
	})

	sched := scheduler.New(scheduler.Config{
		Debounce:   cfg.Debounce(),
		HistoryTTL: cfg.HistoryTTL(),
		MaxHistory: cfg.Gateway.MaxHistory,
		Typing:     cfg.Gateway.Typing,
		Apology:    formatReplyError,
	}, pipeline, sender, gate)
	pipeline.AttachHistory(sched)

	return &services{
		cfg:        cfg,
		gate:       gate,
		rebuilder:  rebuilder,
		retriever:  retriever,
		contextLog: contextLog,
		pipeline:   pipeline,
		scheduler:  sched,
	}, nil
}

// close releases stores after every goroutine using them has returned.
func (s *services) close() error {
	var errs []error
	if s.rebuilder != nil {
		errs = append(errs, s.rebuilder.Close())
	}
	errs = append(errs, s.retriever.Close(), s.gate.Close())
	return errors.Join(errs...)
}
