package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive_KnownVectors(t *testing.T) {
	tests := []struct {
		input      string
		label      string
		confidence float64
	}{
		{"hello", "tree", 0.9265},
		{"cat picture", "cat", 0.8659},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			res := Derive([]byte(tt.input))
			assert.Equal(t, tt.label, res.Label)
			assert.Equal(t, tt.confidence, res.Confidence)
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	engine := New(Options{})
	ctx := context.Background()
	payload := []byte("the same bytes every time")

	first, err := engine.Classify(ctx, payload)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := engine.Classify(ctx, payload)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	// A second engine (different delay settings) derives the same result
	other := New(Options{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	res, err := other.Classify(ctx, payload)
	require.NoError(t, err)
	assert.Equal(t, first, res)
}

func TestClassify_RangeInvariant(t *testing.T) {
	engine := New(Options{})
	ctx := context.Background()

	for i := 0; i < 2000; i++ {
		res, err := engine.Classify(ctx, []byte(fmt.Sprintf("image-%d", i)))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, res.Confidence, 0.75)
		assert.LessOrEqual(t, res.Confidence, 0.99)
		assert.Contains(t, Categories, res.Label)
	}
}

func TestClassify_EmptyPayload(t *testing.T) {
	engine := New(DefaultOptions())

	start := time.Now()
	_, err := engine.Classify(context.Background(), nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = engine.Classify(context.Background(), []byte{})
	require.ErrorIs(t, err, ErrInvalidInput)

	// Rejected before the synthetic delay
	assert.Less(t, time.Since(start), DefaultMinDelay)
}

func TestClassify_DelayWithinRange(t *testing.T) {
	engine := New(Options{MinDelay: 20 * time.Millisecond, MaxDelay: 30 * time.Millisecond})

	start := time.Now()
	_, err := engine.Classify(context.Background(), []byte("x"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestClassify_ContextCanceled(t *testing.T) {
	engine := New(Options{MinDelay: time.Second, MaxDelay: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := engine.Classify(ctx, []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestModelInfo(t *testing.T) {
	engine := New(Options{})
	info := engine.ModelInfo()

	assert.Equal(t, "ImageClassifier-v1", info.Name)
	assert.Equal(t, "1.0.0", info.Version)
	assert.Len(t, info.Categories, 10)

	// Mutating the returned copy does not leak into later calls
	info.Categories[0] = "changed"
	assert.Equal(t, "cat", engine.ModelInfo().Categories[0])
}

func TestClassify_Logs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	e := New(Options{Logger: log})

	_, err := e.Classify(context.Background(), []byte("hello"))
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "classified payload", line["msg"])
	assert.Equal(t, "tree", line["label"])
	assert.EqualValues(t, 5, line["bytes"])
}
