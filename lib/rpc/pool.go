package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"storj.io/drpc"
	"storj.io/drpc/drpcconn"
	"storj.io/drpc/drpcerr"
)

const DefaultPoolSize = 8

// ErrPoolClosed is returned by Invoke after Close.
var ErrPoolClosed = errors.New("rpc: pool closed")

// Invoker issues unary RPCs. Both *drpcconn.Conn and *Pool implement it.
type Invoker interface {
	Invoke(ctx context.Context, rpc string, enc drpc.Encoding, in, out drpc.Message) error
}

// DialFunc opens a connection to the executor.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Pool keeps idle drpc connections to one address. A drpc connection carries
// one stream at a time, so concurrent calls each borrow their own connection;
// at most size connections are kept idle and extra ones are closed on return.
type Pool struct {
	dial DialFunc
	idle chan *drpcconn.Conn

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool dialing addr over TCP.
func NewPool(addr string, size int) *Pool {
	var d net.Dialer
	return NewPoolWithDialer(func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "tcp", addr)
	}, size)
}

// NewPoolWithDialer creates a pool using dial to open connections.
func NewPoolWithDialer(dial DialFunc, size int) *Pool {
	if size < 1 {
		size = DefaultPoolSize
	}
	return &Pool{
		dial: dial,
		idle: make(chan *drpcconn.Conn, size),
	}
}

// Invoke runs one unary RPC on a pooled connection. Connections that fail
// at the transport level are discarded; connections that carried an
// application error are reused.
func (p *Pool) Invoke(ctx context.Context, rpc string, enc drpc.Encoding, in, out drpc.Message) error {
	conn, err := p.get(ctx)
	if err != nil {
		return err
	}

	err = conn.Invoke(ctx, rpc, enc, in, out)
	if err != nil && (drpcerr.Code(err) == 0 || ctx.Err() != nil) {
		_ = conn.Close()
		return err
	}
	p.put(conn)
	return err
}

// Close closes all idle connections. Connections in use are closed when
// they are returned.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.idle)
	p.mu.Unlock()

	var errs []error
	for conn := range p.idle {
		errs = append(errs, conn.Close())
	}
	return errors.Join(errs...)
}

func (p *Pool) get(ctx context.Context) (*drpcconn.Conn, error) {
	for {
		select {
		case conn, ok := <-p.idle:
			if !ok {
				return nil, ErrPoolClosed
			}
			select {
			case <-conn.Closed():
				continue
			default:
				return conn, nil
			}
		default:
		}

		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, ErrPoolClosed
		}

		raw, err := p.dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("dial executor: %w", err)
		}
		return drpcconn.New(raw), nil
	}
}

func (p *Pool) put(conn *drpcconn.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = conn.Close()
		return
	}
	select {
	case p.idle <- conn:
	default:
		_ = conn.Close()
	}
}
