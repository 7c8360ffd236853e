// Package otel bridges progress events into OpenTelemetry log records.
package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"apex-test-suite/backend/internal/progress"
)

// NewLogPublisher returns a progress.Publisher that emits each event as an OTel
// log record via the given LoggerProvider. If provider is nil, a no-op publisher
// is returned.
func NewLogPublisher(provider *sdklog.LoggerProvider) progress.Publisher {
	if provider == nil {
		return noopPublisher{}
	}
	return &logPublisher{logger: provider.Logger("apexsuite.progress")}
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, *progress.Event) error { return nil }
func (noopPublisher) Close() error                                           { return nil }

type logPublisher struct {
	logger otellog.Logger
}

func (p *logPublisher) Publish(ctx context.Context, topic string, ev *progress.Event) error {
	if ev == nil {
		return nil
	}
	rec := otellog.Record{}
	if !ev.CreatedAt.IsZero() {
		rec.SetTimestamp(ev.CreatedAt)
	} else {
		rec.SetTimestamp(time.Now().UTC())
	}
	if body, err := json.Marshal(ev); err == nil {
		rec.SetBody(otellog.BytesValue(body))
	}
	rec.AddAttributes(
		otellog.String("topic", topic),
		otellog.String("test_run_id", ev.TestRunID),
		otellog.Int64("run_id", ev.RunID),
		otellog.String("status", ev.Status),
		otellog.Float64("percent_complete", ev.PercentComplete),
	)
	p.logger.Emit(ctx, rec)
	return nil
}

func (p *logPublisher) Close() error { return nil }
