package orchestrator

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-voice/internal/orchestrator"

type metrics struct {
	turns      metric.Int64Counter
	sentences  metric.Int64Counter
	degraded   metric.Int64Counter
	firstAudio metric.Float64Histogram
}

func newMetrics(logger *slog.Logger) *metrics {
	meter := otel.Meter(instrumentationName)
	var errs []error
	m := &metrics{}
	var err error
	m.turns, err = meter.Int64Counter("loqa.turns", metric.WithDescription("Turns by outcome"))
	errs = append(errs, err)
	m.sentences, err = meter.Int64Counter("loqa.sentences", metric.WithDescription("Sentences by synthesis result"))
	errs = append(errs, err)
	m.degraded, err = meter.Int64Counter("loqa.retrieval.degraded", metric.WithDescription("Turns answered without web context"))
	errs = append(errs, err)
	m.firstAudio, err = meter.Float64Histogram("loqa.turn.first_audio", metric.WithUnit("s"), metric.WithDescription("Time from input to first enqueued audio"))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		logger.Warn("failed to create orchestrator instruments", slogError(err))
	}
	return m
}

func (m *metrics) turn(ctx context.Context, outcome string) {
	if m.turns != nil {
		m.turns.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

func (m *metrics) sentence(ctx context.Context, ok bool) {
	if m.sentences == nil {
		return
	}
	result := "synthesized"
	if !ok {
		result = "skipped"
	}
	m.sentences.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *metrics) retrievalDegraded(ctx context.Context) {
	if m.degraded != nil {
		m.degraded.Add(ctx, 1)
	}
}

func (m *metrics) firstAudioLatency(ctx context.Context, seconds float64) {
	if m.firstAudio != nil {
		m.firstAudio.Record(ctx, seconds)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
