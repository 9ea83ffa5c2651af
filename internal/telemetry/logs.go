package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

func newLoggerProvider(ctx context.Context, endpoint string) (*sdklog.LoggerProvider, error) {
	exporter, err := otlploggrpc.New(ctx,
		otlploggrpc.WithEndpoint(endpoint),
		otlploggrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create otlp log exporter: %w", err)
	}

	return sdklog.NewLoggerProvider(sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter))), nil
}

// LogHandler fans records out to base and, when an OTLP endpoint is
// configured, to the collector as well.
func (t *Telemetry) LogHandler(base slog.Handler) slog.Handler {
	if t == nil || t.logs == nil {
		return base
	}

	return slogmulti.Fanout(
		base,
		otelslog.NewHandler(t.serviceName, otelslog.WithLoggerProvider(t.logs)),
	)
}
