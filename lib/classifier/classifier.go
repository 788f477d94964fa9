package classifier

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// Categories is the fixed, ordered label set. The order is part of the output
// contract: labels are selected by index.
var Categories = []string{
	"cat", "dog", "bird", "car", "tree",
	"person", "building", "food", "flower", "digit",
}

const (
	DefaultMinDelay = 50 * time.Millisecond
	DefaultMaxDelay = 150 * time.Millisecond
)

// Result is the outcome of classifying one image
type Result struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// ModelInfo describes the (static) model served by the engine
type ModelInfo struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Categories  []string `json:"categories"`
	Description string   `json:"description"`
}

// Options tunes the synthetic processing delay.
type Options struct {
	MinDelay time.Duration
	MaxDelay time.Duration

	// Logger receives per-classification debug records. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns the delay range of the reference service.
func DefaultOptions() Options {
	return Options{MinDelay: DefaultMinDelay, MaxDelay: DefaultMaxDelay}
}

// Engine is a deterministic stand-in classifier. It holds no mutable state and
// is safe for concurrent use.
type Engine struct {
	minDelay time.Duration
	maxDelay time.Duration
	log      *slog.Logger
}

// New creates an engine. A zero Options disables the synthetic delay.
func New(opts Options) *Engine {
	if opts.MaxDelay < opts.MinDelay {
		opts.MaxDelay = opts.MinDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		minDelay: opts.MinDelay,
		maxDelay: opts.MaxDelay,
		log:      opts.Logger,
	}
}

// Classify derives a label and confidence from the payload content after a
// random processing delay. The delay never influences the result.
func (e *Engine) Classify(ctx context.Context, payload []byte) (Result, error) {
	if len(payload) == 0 {
		return Result{}, ErrInvalidInput
	}

	delay, err := e.sleep(ctx)
	if err != nil {
		e.log.DebugContext(ctx, "classification aborted", "bytes", len(payload), "error", err)
		return Result{}, err
	}

	r := Derive(payload)
	e.log.DebugContext(ctx, "classified payload",
		"bytes", len(payload),
		"label", r.Label,
		"confidence", r.Confidence,
		"delay_ms", delay.Milliseconds(),
	)
	return r, nil
}

// ModelInfo returns the static model descriptor.
func (e *Engine) ModelInfo() ModelInfo {
	categories := make([]string, len(Categories))
	copy(categories, Categories)
	return ModelInfo{
		Name:        "ImageClassifier-v1",
		Version:     "1.0.0",
		Categories:  categories,
		Description: "AI classification model for testing",
	}
}

// Derive is the pure content-hash derivation behind Classify.
//
// The first 4 bytes of the MD5 digest, read big-endian, select the label
// (h mod 10) and the confidence (0.75 + (h mod 10000)/10000 * 0.24, rounded to
// 4 decimals). Stored results depend on this exact derivation.
func Derive(payload []byte) Result {
	digest := md5.Sum(payload)
	h := binary.BigEndian.Uint32(digest[:4])

	label := Categories[h%uint32(len(Categories))]
	confidence := 0.75 + float64(h%10000)/10000*0.24

	return Result{
		Label:      label,
		Confidence: math.Round(confidence*10000) / 10000,
	}
}

func (e *Engine) sleep(ctx context.Context) (time.Duration, error) {
	d := e.minDelay
	if spread := e.maxDelay - e.minDelay; spread > 0 {
		d += rand.N(spread + 1)
	}
	if d <= 0 {
		return 0, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return d, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
