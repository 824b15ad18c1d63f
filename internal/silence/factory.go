package silence

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/replydesk/internal/config"
)

// OpenStore builds the Store selected by cfg.Backend.
func OpenStore(ctx context.Context, cfg config.SilenceConfig) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Path), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, fmt.Errorf("silence: redis backend needs redis_addr")
		}
		return NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisKey), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("silence: postgres backend needs postgres_dsn")
		}
		return OpenPostgresStore(ctx, cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("silence: unknown backend %q", cfg.Backend)
	}
}
