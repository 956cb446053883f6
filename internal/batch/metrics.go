package batch

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-batch/internal/batch"

type pollMetrics struct {
	polls     metric.Int64Counter
	latency   metric.Float64Histogram
	inFlight  metric.Int64UpDownCounter
	abandoned metric.Int64Counter
}

func newPollMetrics(meter metric.Meter) (*pollMetrics, error) {
	polls, err := meter.Int64Counter("loqa.batch.polls",
		metric.WithDescription("Status queries issued, by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("loqa.batch.poll.duration",
		metric.WithDescription("Status query latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("loqa.batch.polls.in_flight",
		metric.WithDescription("Status queries currently in flight"))
	if err != nil {
		return nil, err
	}
	abandoned, err := meter.Int64Counter("loqa.batch.jobs.abandoned",
		metric.WithDescription("Jobs whose tracking was abandoned after repeated poll failures"))
	if err != nil {
		return nil, err
	}
	return &pollMetrics{polls: polls, latency: latency, inFlight: inFlight, abandoned: abandoned}, nil
}

func (m *pollMetrics) started(ctx context.Context) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, 1)
}

func (m *pollMetrics) finished(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.inFlight.Add(ctx, -1)
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.polls.Add(ctx, 1, attrs)
	m.latency.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *pollMetrics) abandon(ctx context.Context) {
	if m == nil {
		return
	}
	m.abandoned.Add(ctx, 1)
}

// registerJobGauge reports tracked jobs per status from the store.
func registerJobGauge(meter metric.Meter, store *Store) error {
	gauge, err := meter.Int64ObservableGauge("loqa.batch.jobs",
		metric.WithDescription("Tracked batch jobs by status"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		counts := map[Status]int64{
			StatusQueued:     0,
			StatusProcessing: 0,
			StatusCompleted:  0,
			StatusFailed:     0,
		}
		for _, rec := range store.List() {
			counts[rec.Status]++
		}
		for status, n := range counts {
			obs.ObserveInt64(gauge, n, metric.WithAttributes(attribute.String("status", string(status))))
		}
		return nil
	}, gauge)
	return err
}

// meterFrom falls back to the global provider when mp is nil.
func meterFrom(mp metric.MeterProvider) metric.Meter {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return mp.Meter(instrumentationName)
}
