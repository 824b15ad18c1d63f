package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/replydesk/internal/assistant"
	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/channels/discord"
	"github.com/nextlevelbuilder/replydesk/internal/channels/telegram"
	"github.com/nextlevelbuilder/replydesk/internal/channels/webchat"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/cron"
	"github.com/nextlevelbuilder/replydesk/internal/gateway"
	"github.com/nextlevelbuilder/replydesk/internal/kb"
)

const (
	jobKBRebuild      = "kb-rebuild"
	jobContextCleanup = "context-cleanup"

	contextCleanupEvery = time.Hour
	shutdownTimeout     = 10 * time.Second
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the chat channels, scheduler and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runGateway(ctx, cfg)
		},
	}
}

func runGateway(ctx context.Context, cfg *config.Config) error {
	shutdownTracing := initTracing(ctx, cfg)
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	msgBus := bus.New()
	manager, err := buildChannels(cfg, msgBus)
	if err != nil {
		return err
	}

	svc, err := buildServices(ctx, cfg, manager)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.close(); err != nil {
			slog.Warn("gateway: close services", "error", err)
		}
	}()

	consumer := gateway.NewConsumer(gateway.Deps{
		Bus:        msgBus,
		Scheduler:  svc.scheduler,
		Sender:     manager,
		Gate:       svc.gate,
		Rebuilder:  svc.rebuilder,
		Searcher:   svc.retriever,
		ContextLog: svc.contextLog,
		Roles:      cfg.Roles,
		RateLimit:  cfg.Gateway.RateLimitPerMin,
	})

	jobs, err := buildCron(cfg, svc.rebuilder, svc.contextLog)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.scheduler.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return manager.Run(gctx) })
	g.Go(func() error { return jobs.Run(gctx) })

	if watcher := buildWatcher(svc, consumer); watcher != nil {
		g.Go(func() error { return watcher.Run(gctx) })
	}

	slog.Info("gateway: running",
		"channels", manager.Names(),
		"debounce", cfg.Debounce(),
		"silenced", len(svc.gate.List()),
	)
	err = g.Wait()
	slog.Info("gateway: stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// buildChannels registers every enabled channel. At least one is required.
func buildChannels(cfg *config.Config, msgBus *bus.MessageBus) (*channels.Manager, error) {
	manager := channels.NewManager()
	if cfg.Channels.Telegram.Enabled {
		ch, err := telegram.New(cfg.Channels.Telegram, msgBus)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		manager.Register(ch)
	}
	if cfg.Channels.Discord.Enabled {
		ch, err := discord.New(cfg.Channels.Discord, msgBus)
		if err != nil {
			return nil, fmt.Errorf("discord: %w", err)
		}
		manager.Register(ch)
	}
	if cfg.Channels.WebChat.Enabled {
		manager.Register(webchat.New(cfg.Channels.WebChat, msgBus))
	}
	if len(manager.Names()) == 0 {
		return nil, errors.New("no channel enabled: set channels.telegram, channels.discord or channels.webchat")
	}
	return manager, nil
}

// buildCron registers the periodic rebuild (when scheduled) and the
// context-log cleanup.
func buildCron(cfg *config.Config, rebuilder *kb.Rebuilder, contextLog *assistant.ContextLog) (*cron.Service, error) {
	jobs := cron.NewService(cronStatePath(cfg))

	if cfg.KB.Schedule != "" && rebuilder != nil {
		err := jobs.Add(jobKBRebuild, cron.Expr(cfg.KB.Schedule), func(ctx context.Context) (string, error) {
			res, err := rebuilder.Rebuild(ctx)
			if err != nil {
				if !kb.IsRetryable(err) {
					return "", cron.Permanent(err)
				}
				return "", err
			}
			return fmt.Sprintf("version %s, %d chunks", res.VersionID, res.Total), nil
		})
		if err != nil {
			return nil, err
		}
	}

	err := jobs.Add(jobContextCleanup, cron.Every(contextCleanupEvery), func(context.Context) (string, error) {
		n, err := contextLog.Cleanup()
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("removed %d entries", n), nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// buildWatcher returns nil when there is no config file to watch.
func buildWatcher(svc *services, consumer *gateway.Consumer) *config.Watcher {
	path := config.ExpandHome(resolveConfigPath())
	if _, err := os.Stat(path); err != nil {
		slog.Debug("config watcher disabled", "path", path, "error", err)
		return nil
	}
	watcher, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
		return nil
	}
	watcher.OnChange(func(cfg *config.Config) {
		svc.scheduler.SetDebounce(cfg.Debounce())
		consumer.SetRoles(cfg.Roles)
		consumer.SetRateLimit(cfg.Gateway.RateLimitPerMin)
		slog.Info("gateway: config reloaded",
			"debounce", cfg.Debounce(),
			"admins", len(cfg.Roles.Admins),
			"managers", len(cfg.Roles.Managers),
		)
	})
	return watcher
}
