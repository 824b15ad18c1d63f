package cmd

import (
	"context"
	"log/slog"

	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/tracing"
)

// initTracing installs the OTLP exporter when telemetry is configured.
// Exporter failures are logged and spans stay no-ops.
func initTracing(ctx context.Context, cfg *config.Config) tracing.ShutdownFunc {
	shutdown, err := tracing.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("failed to create OTel exporter", "error", err)
		return shutdown
	}
	if cfg.Telemetry.Endpoint == "" {
		slog.Debug("OTel export not enabled (set telemetry.endpoint)")
		return shutdown
	}
	slog.Info("OpenTelemetry OTLP export enabled",
		"endpoint", cfg.Telemetry.Endpoint,
		"protocol", cfg.Telemetry.Protocol,
	)
	return shutdown
}
