package uploads

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nrednav/cuid2"
	"github.com/onkernel/classifyd/lib/otel"
	"go.opentelemetry.io/otel/metric"
)

const DefaultTTL = 5 * time.Minute

// Upload is an image held between the upload and classify steps
type Upload struct {
	ID        string
	Filename  string
	Data      []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Store buffers uploaded images until they are consumed or expire. It is the
// only cross-request mutable state in the service and is owned by the
// upload-then-classify handlers.
type Store struct {
	ttl     time.Duration
	now     func() time.Time
	metrics *otel.UploadMetrics
	log     *slog.Logger

	mu      sync.Mutex
	entries map[string]Upload
}

// Option configures a Store
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger for store activity. Apply it before WithMetrics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithMetrics records store activity on meter.
func WithMetrics(meter metric.Meter) Option {
	return func(s *Store) {
		m, err := otel.NewUploadMetrics(meter)
		if err != nil {
			s.log.Warn("upload metrics disabled", "error", err)
			return
		}
		_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.Pending, int64(s.Len()))
			return nil
		}, m.Pending)
		if err != nil {
			s.log.Warn("upload gauge disabled", "error", err)
		}
		s.metrics = m
	}
}

// NewStore creates a store whose entries live for ttl (< 1 means DefaultTTL).
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		ttl:     ttl,
		now:     time.Now,
		log:     slog.Default(),
		entries: make(map[string]Upload),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put stores data and returns the upload with its opaque identifier.
func (s *Store) Put(filename string, data []byte) (Upload, error) {
	if len(data) == 0 {
		return Upload{}, ErrEmpty
	}

	now := s.now()
	u := Upload{
		ID:        cuid2.Generate(),
		Filename:  filename,
		Data:      data,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
	}

	s.mu.Lock()
	s.entries[u.ID] = u
	s.mu.Unlock()

	return u, nil
}

// Take removes and returns an upload. Each identifier can be taken once; a
// second Take, or a Take after expiry, returns ErrNotFound.
func (s *Store) Take(ctx context.Context, id string) (Upload, error) {
	s.mu.Lock()
	u, ok := s.entries[id]
	if ok {
		delete(s.entries, id)
	}
	s.mu.Unlock()

	if !ok {
		return Upload{}, ErrNotFound
	}
	if !s.now().Before(u.ExpiresAt) {
		s.countExpired(ctx, 1)
		s.log.DebugContext(ctx, "upload expired before classify", "upload_id", id, "expired_at", u.ExpiresAt)
		return Upload{}, ErrNotFound
	}

	if s.metrics != nil {
		s.metrics.Consumed.Add(ctx, 1)
	}
	return u, nil
}

// Expire drops an upload without classifying it.
func (s *Store) Expire(ctx context.Context, id string) error {
	s.mu.Lock()
	u, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if !ok || !s.now().Before(u.ExpiresAt) {
		return ErrNotFound
	}
	s.countExpired(ctx, 1)
	return nil
}

// Len returns the number of buffered uploads, including expired ones not yet
// swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes expired uploads and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	removed := 0
	for id, u := range s.entries {
		if !now.Before(u.ExpiresAt) {
			delete(s.entries, id)
			removed++
		}
	}
	s.mu.Unlock()

	s.countExpired(ctx, removed)
	if removed > 0 {
		s.log.InfoContext(ctx, "swept expired uploads", "removed", removed, "pending", s.Len())
	}
	return removed
}

// Run sweeps expired uploads every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = s.ttl / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

func (s *Store) countExpired(ctx context.Context, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.Expired.Add(ctx, int64(n))
	}
}
