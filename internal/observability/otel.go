package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "challenge-ingest/pipeline"

// OtelMetrics records pipeline counters as OpenTelemetry instruments.
type OtelMetrics struct {
	received      metric.Int64Counter
	processed     metric.Int64Counter
	failed        metric.Int64Counter
	retried       metric.Int64Counter
	sentToDLQ     metric.Int64Counter
	requeued      metric.Int64Counter
	published     metric.Int64Counter
	publishFailed metric.Int64Counter
}

// NewOtelMetrics creates the counters on provider, or on the global provider
// when provider is nil.
func NewOtelMetrics(provider metric.MeterProvider) (*OtelMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(meterName)

	m := &OtelMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.received, "ingest.messages.received", "Deliveries received from the inbound queue"},
		{&m.processed, "ingest.messages.processed", "Deliveries acknowledged after a successful upsert"},
		{&m.failed, "ingest.messages.failed", "Deliveries whose processing failed"},
		{&m.retried, "ingest.messages.retried", "Deliveries republished for another attempt"},
		{&m.sentToDLQ, "ingest.messages.dead_lettered", "Deliveries routed to the dead-letter exchange"},
		{&m.requeued, "ingest.messages.requeued", "Deliveries rejected back to the broker"},
		{&m.published, "ingest.publish.succeeded", "Messages published to the broker"},
		{&m.publishFailed, "ingest.publish.failed", "Publish attempts that failed"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("{message}"),
		)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

func (m *OtelMetrics) IncReceived()      { m.received.Add(context.Background(), 1) }
func (m *OtelMetrics) IncProcessed()     { m.processed.Add(context.Background(), 1) }
func (m *OtelMetrics) IncFailed()        { m.failed.Add(context.Background(), 1) }
func (m *OtelMetrics) IncRetried()       { m.retried.Add(context.Background(), 1) }
func (m *OtelMetrics) IncSentToDLQ()     { m.sentToDLQ.Add(context.Background(), 1) }
func (m *OtelMetrics) IncRequeued()      { m.requeued.Add(context.Background(), 1) }
func (m *OtelMetrics) IncPublished()     { m.published.Add(context.Background(), 1) }
func (m *OtelMetrics) IncPublishFailed() { m.publishFailed.Add(context.Background(), 1) }
