package rpc

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
	"storj.io/drpc"
)

// Field numbers shared by ClassifyResponse and BatchResponse for the
// out-of-band metrics trailer.
const (
	fieldDurationMs   protowire.Number = 3
	fieldPayloadSize  protowire.Number = 4
	fieldGatewayHopMs protowire.Number = 15
)

// message is implemented by every RPC message.
type message interface {
	marshal(b []byte) []byte
	unmarshal(b []byte) error
}

// ClassifyRequest carries one image.
type ClassifyRequest struct {
	ImageData []byte
	Filename  string
}

func (m *ClassifyRequest) marshal(b []byte) []byte {
	b = appendBytes(b, 1, m.ImageData)
	b = appendString(b, 2, m.Filename)
	return b
}

func (m *ClassifyRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			m.ImageData = append([]byte(nil), v...)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Filename = v
			return n, nil
		}
		return skip(num, typ, b)
	})
}

// ClassifyResponse is one classification. Label and Confidence form the
// measured body; DurationMs and PayloadSize are appended after it, and
// GatewayHopMs is appended by a gateway when the call crossed one.
type ClassifyResponse struct {
	Label        string
	Confidence   float64
	DurationMs   float64
	PayloadSize  int64
	Filename     string
	GatewayHopMs float64
}

func (m *ClassifyResponse) marshalResult(b []byte) []byte {
	b = appendString(b, 1, m.Label)
	b = appendDouble(b, 2, m.Confidence)
	return b
}

func (m *ClassifyResponse) marshal(b []byte) []byte {
	b = m.marshalResult(b)
	b = appendMetrics(b, m.DurationMs, m.PayloadSize)
	b = appendString(b, 5, m.Filename)
	b = appendDouble(b, fieldGatewayHopMs, m.GatewayHopMs)
	return b
}

func (m *ClassifyResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Label = v
			return n, nil
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := consumeDouble(b)
			m.Confidence = v
			return n, nil
		case num == fieldDurationMs && typ == protowire.Fixed64Type:
			v, n := consumeDouble(b)
			m.DurationMs = v
			return n, nil
		case num == fieldPayloadSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.PayloadSize = int64(v)
			return n, nil
		case num == 5 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Filename = v
			return n, nil
		case num == fieldGatewayHopMs && typ == protowire.Fixed64Type:
			v, n := consumeDouble(b)
			m.GatewayHopMs = v
			return n, nil
		}
		return skip(num, typ, b)
	})
}

// BatchRequest carries up to the configured batch limit of images.
type BatchRequest struct {
	Images []*ClassifyRequest
	Policy string
}

func (m *BatchRequest) marshal(b []byte) []byte {
	for _, img := range m.Images {
		b = appendMessage(b, 1, img)
	}
	b = appendString(b, 2, m.Policy)
	return b
}

func (m *BatchRequest) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			img := &ClassifyRequest{}
			if err := img.unmarshal(v); err != nil {
				return 0, err
			}
			m.Images = append(m.Images, img)
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			m.Policy = v
			return n, nil
		}
		return skip(num, typ, b)
	})
}

// BatchResponse is a positionally aligned list of classifications.
type BatchResponse struct {
	Results      []*ClassifyResponse
	Count        int64
	DurationMs   float64
	PayloadSize  int64
	GatewayHopMs float64
}

func (m *BatchResponse) marshalResult(b []byte) []byte {
	for _, r := range m.Results {
		// Per-item results carry label, confidence and filename only.
		item := &ClassifyResponse{Label: r.Label, Confidence: r.Confidence, Filename: r.Filename}
		b = appendMessage(b, 1, item)
	}
	b = appendVarint(b, 2, uint64(m.Count))
	return b
}

func (m *BatchResponse) marshal(b []byte) []byte {
	b = m.marshalResult(b)
	b = appendMetrics(b, m.DurationMs, m.PayloadSize)
	b = appendDouble(b, fieldGatewayHopMs, m.GatewayHopMs)
	return b
}

func (m *BatchResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			r := &ClassifyResponse{}
			if err := r.unmarshal(v); err != nil {
				return 0, err
			}
			m.Results = append(m.Results, r)
			return n, nil
		case num == 2 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.Count = int64(v)
			return n, nil
		case num == fieldDurationMs && typ == protowire.Fixed64Type:
			v, n := consumeDouble(b)
			m.DurationMs = v
			return n, nil
		case num == fieldPayloadSize && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			m.PayloadSize = int64(v)
			return n, nil
		case num == fieldGatewayHopMs && typ == protowire.Fixed64Type:
			v, n := consumeDouble(b)
			m.GatewayHopMs = v
			return n, nil
		}
		return skip(num, typ, b)
	})
}

// ModelInfoRequest is empty.
type ModelInfoRequest struct{}

func (m *ModelInfoRequest) marshal(b []byte) []byte { return b }
func (m *ModelInfoRequest) unmarshal(b []byte) error {
	return walk(b, skip)
}

// ModelInfoResponse describes the served model.
type ModelInfoResponse struct {
	Name        string
	Version     string
	Categories  []string
	Description string
}

func (m *ModelInfoResponse) marshal(b []byte) []byte {
	b = appendString(b, 1, m.Name)
	b = appendString(b, 2, m.Version)
	for _, c := range m.Categories {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	b = appendString(b, 4, m.Description)
	return b
}

func (m *ModelInfoResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeString(b)
		switch num {
		case 1:
			m.Name = v
		case 2:
			m.Version = v
		case 3:
			m.Categories = append(m.Categories, v)
		case 4:
			m.Description = v
		}
		return n, nil
	})
}

// HealthRequest is empty.
type HealthRequest struct{}

func (m *HealthRequest) marshal(b []byte) []byte { return b }
func (m *HealthRequest) unmarshal(b []byte) error {
	return walk(b, skip)
}

// HealthResponse is the liveness marker.
type HealthResponse struct {
	Status  string
	Service string
}

func (m *HealthResponse) marshal(b []byte) []byte {
	b = appendString(b, 1, m.Status)
	b = appendString(b, 2, m.Service)
	return b
}

func (m *HealthResponse) unmarshal(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if typ != protowire.BytesType {
			return skip(num, typ, b)
		}
		v, n := protowire.ConsumeString(b)
		switch num {
		case 1:
			m.Status = v
		case 2:
			m.Service = v
		}
		return n, nil
	})
}

// walk iterates over the fields of b. fn returns the number of value bytes it
// consumed, or a negative protowire error length.
func walk(b []byte, fn func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		n, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil
}

func skip(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
	return protowire.ConsumeFieldValue(num, typ, b), nil
}

// peekDouble scans b for a top-level fixed64 field without decoding the rest
// of the message.
func peekDouble(b []byte, field protowire.Number) (float64, bool) {
	var (
		out   float64
		found bool
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == field && typ == protowire.Fixed64Type {
			v, n := consumeDouble(b)
			out, found = v, true
			return n, nil
		}
		return skip(num, typ, b)
	})
	if err != nil {
		return 0, false
	}
	return out, found
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	return appendFixedDouble(b, num, v)
}

func appendFixedDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, m message) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m.marshal(nil))
}

// appendMetrics writes the metrics trailer. Nothing is written when both
// values are zero.
func appendMetrics(b []byte, durationMs float64, payloadSize int64) []byte {
	if durationMs == 0 && payloadSize == 0 {
		return b
	}
	b = appendFixedDouble(b, fieldDurationMs, durationMs)
	b = appendVarint(b, fieldPayloadSize, uint64(payloadSize))
	return b
}

func consumeDouble(b []byte) (float64, int) {
	v, n := protowire.ConsumeFixed64(b)
	if n < 0 {
		return 0, n
	}
	return math.Float64frombits(v), n
}

// encoding implements drpc.Encoding for the messages above.
type encoding struct{}

func (encoding) Marshal(msg drpc.Message) ([]byte, error) {
	m, ok := msg.(message)
	if !ok {
		return nil, fmt.Errorf("rpc: cannot marshal %T", msg)
	}
	return m.marshal(nil), nil
}

func (encoding) Unmarshal(buf []byte, msg drpc.Message) error {
	m, ok := msg.(message)
	if !ok {
		return fmt.Errorf("rpc: cannot unmarshal into %T", msg)
	}
	return m.unmarshal(buf)
}
