package tracing

import (
	"context"

	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/tracing/otelexport"
)

// ShutdownFunc flushes and stops span export.
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// Setup installs an OTLP exporter as the global tracer provider when
// cfg.Endpoint is set. With no endpoint spans stay no-ops and the returned
// shutdown does nothing.
func Setup(ctx context.Context, cfg config.TelemetryConfig) (ShutdownFunc, error) {
	if cfg.Endpoint == "" {
		return noopShutdown, nil
	}
	exp, err := otelexport.New(ctx, otelexport.Config{
		Endpoint:    cfg.Endpoint,
		Protocol:    cfg.Protocol,
		Insecure:    cfg.Insecure,
		ServiceName: cfg.ServiceName,
	})
	if err != nil {
		return noopShutdown, err
	}
	exp.Install()
	return exp.Shutdown, nil
}
