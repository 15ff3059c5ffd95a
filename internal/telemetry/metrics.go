package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the synthesis counters and histograms.
type Instruments struct {
	requests   metric.Int64Counter
	latency    metric.Float64Histogram
	iterations metric.Int64Histogram
	cacheHits  metric.Int64Counter
	cacheMiss  metric.Int64Counter
}

// NewInstruments creates the instruments on mp, or on the global meter
// provider when mp is nil.
func NewInstruments(mp metric.MeterProvider) (*Instruments, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}

	meter := mp.Meter(instrumentationName)

	requests, err := meter.Int64Counter("tacotron.synthesis.requests",
		metric.WithDescription("Synthesis calls by outcome"))
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("tacotron.synthesis.duration",
		metric.WithDescription("Synthesis wall time"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	iterations, err := meter.Int64Histogram("tacotron.synthesis.iterations",
		metric.WithDescription("Decoder steps per synthesis"))
	if err != nil {
		return nil, err
	}

	hits, err := meter.Int64Counter("tacotron.cache.hits")
	if err != nil {
		return nil, err
	}

	miss, err := meter.Int64Counter("tacotron.cache.misses")
	if err != nil {
		return nil, err
	}

	return &Instruments{
		requests:   requests,
		latency:    latency,
		iterations: iterations,
		cacheHits:  hits,
		cacheMiss:  miss,
	}, nil
}

// RecordSynthesis records one finished call. Nil receivers are no-ops.
func (i *Instruments) RecordSynthesis(ctx context.Context, outcome string, elapsed time.Duration, iterations int) {
	if i == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	i.requests.Add(ctx, 1, attrs)
	i.latency.Record(ctx, elapsed.Seconds(), attrs)

	if iterations > 0 {
		i.iterations.Record(ctx, int64(iterations))
	}
}

func (i *Instruments) RecordCache(ctx context.Context, hit bool) {
	if i == nil {
		return
	}

	if hit {
		i.cacheHits.Add(ctx, 1)
		return
	}

	i.cacheMiss.Add(ctx, 1)
}
