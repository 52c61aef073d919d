package controller

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// metrics holds the controller's instruments. All fields may be nil when
// instrument registration fails; recording then becomes a no-op.
type metrics struct {
	inferences metric.Int64Counter
	timeouts   metric.Int64Counter
	fallbacks  metric.Int64Counter
	tokens     metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("github.com/scrybelabs/scrybe-core/controller")
	m := &metrics{}
	var err error
	if m.inferences, err = meter.Int64Counter("scrybe.inferences",
		metric.WithDescription("Completed inference runs by mode and outcome")); err != nil {
		return nil, err
	}
	if m.timeouts, err = meter.Int64Counter("scrybe.watchdog.timeouts",
		metric.WithDescription("Inference runs aborted by the watchdog")); err != nil {
		return nil, err
	}
	if m.fallbacks, err = meter.Int64Counter("scrybe.pretranscribe.fallbacks",
		metric.WithDescription("Sessions that fell back from chunked pretranscription to full transcription")); err != nil {
		return nil, err
	}
	if m.tokens, err = meter.Int64Counter("scrybe.tokens",
		metric.WithDescription("Stream tokens accepted across all inference runs")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) recordInference(ctx context.Context, mode, outcome string) {
	if m == nil || m.inferences == nil {
		return
	}
	m.inferences.Add(ctx, 1, metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}

func (m *metrics) recordTimeout(ctx context.Context) {
	if m == nil || m.timeouts == nil {
		return
	}
	m.timeouts.Add(ctx, 1)
}

func (m *metrics) recordFallback(ctx context.Context) {
	if m == nil || m.fallbacks == nil {
		return
	}
	m.fallbacks.Add(ctx, 1)
}

func (m *metrics) recordToken(ctx context.Context) {
	if m == nil || m.tokens == nil {
		return
	}
	m.tokens.Add(ctx, 1)
}
