package instrument

import (
	"context"

	"github.com/onkernel/classifyd/lib/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Recorder exports measurements as OTel metrics. A nil Recorder is valid and
// records nothing.
type Recorder struct {
	metrics *otel.ClassifyMetrics
}

// NewRecorder creates a recorder on the given meter.
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	m, err := otel.NewClassifyMetrics(meter)
	if err != nil {
		return nil, err
	}
	return &Recorder{metrics: m}, nil
}

// Record counts one request and, when m is non-nil, records its metrics.
func (r *Recorder) Record(ctx context.Context, transport, operation, status string, m *Metrics) {
	if r == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("transport", transport),
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	r.metrics.RequestsTotal.Add(ctx, 1, attrs)
	if m == nil {
		return
	}
	r.metrics.Duration.Record(ctx, m.DurationMillis/1000, attrs)
	r.metrics.PayloadBytes.Record(ctx, m.PayloadSizeBytes, attrs)
}
