package instrument

import (
	"context"
	"time"
)

// Metrics are the per-response measurements every binding surfaces.
type Metrics struct {
	DurationMillis   float64 `json:"durationMillis"`
	PayloadSizeBytes int64   `json:"payloadSizeBytes"`
}

// Measurement is a result, its serialized response body, and the metrics of
// producing both.
type Measurement[T any] struct {
	Value   T
	Body    []byte
	Metrics Metrics
}

// Measure times call followed by encode. The window spans "decoded request
// ready" to "response body serialized"; transport framing outside these two
// functions is excluded. PayloadSizeBytes is the length of the encoded body.
//
// When either step fails, no measurement is produced.
func Measure[T any](ctx context.Context, call func(context.Context) (T, error), encode func(T) ([]byte, error)) (*Measurement[T], error) {
	start := time.Now()

	value, err := call(ctx)
	if err != nil {
		return nil, err
	}

	body, err := encode(value)
	if err != nil {
		return nil, err
	}

	return &Measurement[T]{
		Value: value,
		Body:  body,
		Metrics: Metrics{
			DurationMillis:   Millis(time.Since(start)),
			PayloadSizeBytes: int64(len(body)),
		},
	}, nil
}

// Millis converts a duration to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
