package instrument

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	HeaderResponseTime = "X-Response-Time"
	HeaderPayloadSize  = "X-Payload-Size"
)

const unmeasured = "-"

var errMissingHeader = errors.New("missing metrics header")

// FormatDuration renders DurationMillis as "<ms>ms".
func FormatDuration(m Metrics) string {
	return strconv.FormatFloat(m.DurationMillis, 'f', 3, 64) + "ms"
}

// FormatPayloadSize renders PayloadSizeBytes as "<n> bytes".
func FormatPayloadSize(m Metrics) string {
	return strconv.FormatInt(m.PayloadSizeBytes, 10) + " bytes"
}

// SetHeaders attaches metrics to an HTTP response. Must be called before the
// status line is written.
func SetHeaders(h http.Header, m Metrics) {
	h.Set(HeaderResponseTime, FormatDuration(m))
	h.Set(HeaderPayloadSize, FormatPayloadSize(m))
}

// SetBatchHeaders attaches per-item metrics as comma-separated lists, in item
// order. Items that produced no metrics are written as "-".
func SetBatchHeaders(h http.Header, ms []*Metrics) {
	durations := make([]string, len(ms))
	sizes := make([]string, len(ms))
	for i, m := range ms {
		if m == nil {
			durations[i], sizes[i] = unmeasured, unmeasured
			continue
		}
		durations[i] = FormatDuration(*m)
		sizes[i] = FormatPayloadSize(*m)
	}
	h.Set(HeaderResponseTime, strings.Join(durations, ", "))
	h.Set(HeaderPayloadSize, strings.Join(sizes, ", "))
}

// ParseHeaders reads metrics written by SetHeaders.
func ParseHeaders(h http.Header) (Metrics, error) {
	ms, err := parseListHeaders(h)
	if err != nil {
		return Metrics{}, err
	}
	if len(ms) != 1 {
		return Metrics{}, fmt.Errorf("expected one metrics entry, got %d", len(ms))
	}
	return ms[0], nil
}

// parseListHeaders reads a list of fully measured entries.
func parseListHeaders(h http.Header) ([]Metrics, error) {
	rawTimes := h.Get(HeaderResponseTime)
	rawSizes := h.Get(HeaderPayloadSize)
	if rawTimes == "" || rawSizes == "" {
		return nil, errMissingHeader
	}

	times := strings.Split(rawTimes, ",")
	sizes := strings.Split(rawSizes, ",")
	if len(times) != len(sizes) {
		return nil, fmt.Errorf("metrics header length mismatch: %d vs %d", len(times), len(sizes))
	}

	out := make([]Metrics, len(times))
	for i := range times {
		d, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(times[i]), "ms"), 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", HeaderResponseTime, err)
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimSpace(sizes[i]), " bytes"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", HeaderPayloadSize, err)
		}
		out[i] = Metrics{DurationMillis: d, PayloadSizeBytes: n}
	}
	return out, nil
}

// ParseBatchHeaders reads metrics written by SetBatchHeaders. Unmeasured
// items are nil.
func ParseBatchHeaders(h http.Header) ([]*Metrics, error) {
	rawTimes := h.Get(HeaderResponseTime)
	rawSizes := h.Get(HeaderPayloadSize)
	if rawTimes == "" || rawSizes == "" {
		return nil, errMissingHeader
	}

	times := strings.Split(rawTimes, ",")
	sizes := strings.Split(rawSizes, ",")
	if len(times) != len(sizes) {
		return nil, fmt.Errorf("metrics header length mismatch: %d vs %d", len(times), len(sizes))
	}

	out := make([]*Metrics, len(times))
	for i := range times {
		if strings.TrimSpace(times[i]) == unmeasured {
			continue
		}
		h := http.Header{}
		h.Set(HeaderResponseTime, times[i])
		h.Set(HeaderPayloadSize, sizes[i])
		m, err := ParseHeaders(h)
		if err != nil {
			return nil, err
		}
		out[i] = &m
	}
	return out, nil
}
