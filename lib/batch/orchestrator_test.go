package batch

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onkernel/classifyd/lib/classifier"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// jitterClassifier wraps the real derivation with a random delay so parallel
// completions arrive out of order, and tracks peak concurrency.
type jitterClassifier struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (c *jitterClassifier) Classify(ctx context.Context, payload []byte) (classifier.Result, error) {
	c.calls.Add(1)
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}

	time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
	if len(payload) == 0 {
		return classifier.Result{}, classifier.ErrInvalidInput
	}
	return classifier.Derive(payload), nil
}

func payloads(n int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = []byte(fmt.Sprintf("payload-%d", i))
	}
	return out
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("Parallel")
	require.NoError(t, err)
	assert.Equal(t, Parallel, p)

	p, err = ParsePolicy(" sequential ")
	require.NoError(t, err)
	assert.Equal(t, Sequential, p)

	_, err = ParsePolicy("random")
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestClassifyAll_OrderPreserved(t *testing.T) {
	orch := New(&jitterClassifier{}, 0)
	inputs := payloads(25)
	ctx := context.Background()

	seq, err := orch.ClassifyAll(ctx, inputs, Sequential)
	require.NoError(t, err)
	par, err := orch.ClassifyAll(ctx, inputs, Parallel)
	require.NoError(t, err)

	require.Len(t, seq, len(inputs))
	require.Len(t, par, len(inputs))
	for i, in := range inputs {
		assert.Equal(t, classifier.Derive(in), seq[i], "sequential item %d", i)
		assert.Equal(t, classifier.Derive(in), par[i], "parallel item %d", i)
	}
	assert.Equal(t, seq, par)
}

func TestClassifyAll_ConcurrencyCap(t *testing.T) {
	c := &jitterClassifier{}
	orch := New(c, 3)

	_, err := orch.ClassifyAll(context.Background(), payloads(20), Parallel)
	require.NoError(t, err)
	assert.LessOrEqual(t, c.peak.Load(), int32(3))
	assert.Equal(t, int32(20), c.calls.Load())
}

func TestClassifyAll_SequentialNeverOverlaps(t *testing.T) {
	c := &jitterClassifier{}
	orch := New(c, 0)

	_, err := orch.ClassifyAll(context.Background(), payloads(10), Sequential)
	require.NoError(t, err)
	assert.Equal(t, int32(1), c.peak.Load())
}

func TestClassifyAll_AtomicFailure(t *testing.T) {
	inputs := [][]byte{[]byte("one"), {}, []byte("three")}

	for _, policy := range []Policy{Sequential, Parallel} {
		t.Run(string(policy), func(t *testing.T) {
			orch := New(&jitterClassifier{}, 0)
			results, err := orch.ClassifyAll(context.Background(), inputs, policy)
			require.ErrorIs(t, err, classifier.ErrInvalidInput)
			assert.Nil(t, results)
		})
	}
}

func TestClassifyAll_UnknownPolicy(t *testing.T) {
	orch := New(&jitterClassifier{}, 0)
	_, err := orch.ClassifyAll(context.Background(), payloads(1), Policy("bogus"))
	require.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestClassifyAll_ParallelBoundedBySlowestItem(t *testing.T) {
	engine := classifier.New(classifier.Options{MinDelay: 40 * time.Millisecond, MaxDelay: 40 * time.Millisecond})
	orch := New(engine, 0)

	start := time.Now()
	_, err := orch.ClassifyAll(context.Background(), payloads(5), Parallel)
	require.NoError(t, err)

	// Five sequential items would take at least 200ms
	assert.Less(t, time.Since(start), 180*time.Millisecond)
}
