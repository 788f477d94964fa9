package batch

import (
	"context"
	"fmt"
	"strings"

	"github.com/onkernel/classifyd/lib/classifier"
	"golang.org/x/sync/errgroup"
)

// Policy selects how a batch is executed
type Policy string

const (
	// Sequential classifies item i only after item i-1 has completed.
	Sequential Policy = "sequential"
	// Parallel classifies all items concurrently, bounded by the concurrency cap.
	Parallel Policy = "parallel"
)

// ParsePolicy parses a policy name (case-insensitive).
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case Sequential:
		return Sequential, nil
	case Parallel:
		return Parallel, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Classifier classifies one payload
type Classifier interface {
	Classify(ctx context.Context, payload []byte) (classifier.Result, error)
}

// Orchestrator applies a Classifier to a batch of payloads
type Orchestrator struct {
	classifier     Classifier
	maxConcurrency int
}

// New creates an orchestrator. maxConcurrency caps in-flight classifications
// for the parallel policy; values < 1 mean unbounded.
func New(c Classifier, maxConcurrency int) *Orchestrator {
	return &Orchestrator{
		classifier:     c,
		maxConcurrency: maxConcurrency,
	}
}

// MaxConcurrency returns the parallel fan-out cap (< 1 means unbounded).
func (o *Orchestrator) MaxConcurrency() int {
	return o.maxConcurrency
}

// ClassifyAll classifies every payload and returns results aligned with the
// input order. The batch is atomic: if any item fails, no results are returned.
func (o *Orchestrator) ClassifyAll(ctx context.Context, payloads [][]byte, policy Policy) ([]classifier.Result, error) {
	switch policy {
	case Sequential:
		return o.sequential(ctx, payloads)
	case Parallel:
		return o.parallel(ctx, payloads)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, policy)
	}
}

func (o *Orchestrator) sequential(ctx context.Context, payloads [][]byte) ([]classifier.Result, error) {
	results := make([]classifier.Result, 0, len(payloads))
	for i, payload := range payloads {
		res, err := o.classifier.Classify(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("classify item %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (o *Orchestrator) parallel(ctx context.Context, payloads [][]byte) ([]classifier.Result, error) {
	results := make([]classifier.Result, len(payloads))

	grp, gctx := errgroup.WithContext(ctx)
	if o.maxConcurrency > 0 {
		grp.SetLimit(o.maxConcurrency)
	}

	for i, payload := range payloads {
		grp.Go(func() error {
			res, err := o.classifier.Classify(gctx, payload)
			if err != nil {
				return fmt.Errorf("classify item %d: %w", i, err)
			}
			// Each goroutine owns exactly one slot, so completion order is irrelevant.
			results[i] = res
			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
