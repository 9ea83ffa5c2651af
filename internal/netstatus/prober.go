package netstatus

import (
	"context"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/italolelis/asset_uploader/internal/logctx"
	"github.com/italolelis/asset_uploader/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Prober polls a URL and publishes Online while it answers below 500.
type Prober struct {
	broadcaster

	url      string
	interval time.Duration
	timeout  time.Duration
	client   *http.Client
	tel      *telemetry.Telemetry
}

func NewProber(url string, interval, timeout time.Duration, tel *telemetry.Telemetry) *Prober {
	return &Prober{
		url:      url,
		interval: interval,
		timeout:  timeout,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		tel:      tel,
	}
}

// Run probes immediately and then on every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) (err error) {
	logger := logctx.LoggerFromContext(ctx).With("probe_url", p.url)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("connectivity prober panic",
				"operation", "probe",
				"panic", r,
				"stack", string(debug.Stack()))

			err = fmt.Errorf("connectivity prober panic: %v", r)
		}
	}()

	p.check(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("connectivity prober shutdown", "reason", "context_cancelled")

			return nil
		case <-ticker.C:
			p.check(ctx)
		}
	}
}

func (p *Prober) check(ctx context.Context) {
	status := Offline

	if err := p.probe(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}

		logctx.LoggerFromContext(ctx).Debug("connectivity probe failed", "err", err)
	} else {
		status = Online
	}

	if p.publish(status) {
		logctx.LoggerFromContext(ctx).Info("connectivity changed", "status", status.String())
		p.tel.RecordConnectivityChange(ctx, status.String())
	}
}

func (p *Prober) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe returned HTTP %d", resp.StatusCode)
	}

	return nil
}
