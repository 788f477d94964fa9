package otel

import (
	"go.opentelemetry.io/otel/metric"
)

// ClassifyMetrics holds metrics for the serving bindings.
type ClassifyMetrics struct {
	Duration      metric.Float64Histogram
	PayloadBytes  metric.Int64Histogram
	RequestsTotal metric.Int64Counter
}

// NewClassifyMetrics creates metrics for the serving bindings.
func NewClassifyMetrics(meter metric.Meter) (*ClassifyMetrics, error) {
	duration, err := meter.Float64Histogram(
		"classifyd_classify_duration_seconds",
		metric.WithDescription("Time from decoded request to serialized response body"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	payloadBytes, err := meter.Int64Histogram(
		"classifyd_response_payload_bytes",
		metric.WithDescription("Serialized response body size"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	requestsTotal, err := meter.Int64Counter(
		"classifyd_classify_requests_total",
		metric.WithDescription("Total number of classification requests"),
	)
	if err != nil {
		return nil, err
	}

	return &ClassifyMetrics{
		Duration:      duration,
		PayloadBytes:  payloadBytes,
		RequestsTotal: requestsTotal,
	}, nil
}

// GatewayMetrics holds metrics for the gateway forwarding hop.
type GatewayMetrics struct {
	HopDuration    metric.Float64Histogram
	UpstreamErrors metric.Int64Counter
}

// NewGatewayMetrics creates metrics for the gateway forwarding hop.
func NewGatewayMetrics(meter metric.Meter) (*GatewayMetrics, error) {
	hopDuration, err := meter.Float64Histogram(
		"classifyd_gateway_hop_duration_seconds",
		metric.WithDescription("Time spent waiting on the model executor"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	upstreamErrors, err := meter.Int64Counter(
		"classifyd_gateway_upstream_errors_total",
		metric.WithDescription("Total number of failed calls to the model executor"),
	)
	if err != nil {
		return nil, err
	}

	return &GatewayMetrics{
		HopDuration:    hopDuration,
		UpstreamErrors: upstreamErrors,
	}, nil
}

// UploadMetrics holds metrics for the upload buffer.
type UploadMetrics struct {
	Pending  metric.Int64ObservableGauge
	Consumed metric.Int64Counter
	Expired  metric.Int64Counter
}

// NewUploadMetrics creates metrics for the upload buffer. The caller registers
// a callback observing Pending.
func NewUploadMetrics(meter metric.Meter) (*UploadMetrics, error) {
	pending, err := meter.Int64ObservableGauge(
		"classifyd_uploads_pending",
		metric.WithDescription("Uploads waiting to be classified"),
	)
	if err != nil {
		return nil, err
	}

	consumed, err := meter.Int64Counter(
		"classifyd_uploads_consumed_total",
		metric.WithDescription("Total number of uploads consumed by a classify call"),
	)
	if err != nil {
		return nil, err
	}

	expired, err := meter.Int64Counter(
		"classifyd_uploads_expired_total",
		metric.WithDescription("Total number of uploads expired before being classified"),
	)
	if err != nil {
		return nil, err
	}

	return &UploadMetrics{
		Pending:  pending,
		Consumed: consumed,
		Expired:  expired,
	}, nil
}
