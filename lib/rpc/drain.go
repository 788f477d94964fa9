package rpc

import (
	"context"
	"errors"
	"sync"

	"storj.io/drpc"
	"storj.io/drpc/drpcerr"
)

// ErrShuttingDown is returned to calls that arrive after Drain has started.
var ErrShuttingDown = errors.New("server shutting down")

// Drainer wraps a handler so shutdown can stop admitting calls and wait for
// the ones already running.
type Drainer struct {
	next drpc.Handler

	mu       sync.Mutex
	draining bool
	inflight int
	wg       sync.WaitGroup
}

func NewDrainer(next drpc.Handler) *Drainer {
	return &Drainer{next: next}
}

func (d *Drainer) HandleRPC(stream drpc.Stream, rpc string) error {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		return drpcerr.WithCode(ErrShuttingDown, CodeUpstream)
	}
	d.inflight++
	d.wg.Add(1)
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.inflight--
		d.mu.Unlock()
		d.wg.Done()
	}()
	return d.next.HandleRPC(stream, rpc)
}

// InFlight reports how many calls are currently running.
func (d *Drainer) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inflight
}

// Drain rejects new calls and blocks until running calls finish or ctx is
// done, whichever comes first.
func (d *Drainer) Drain(ctx context.Context) error {
	d.mu.Lock()
	d.draining = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
