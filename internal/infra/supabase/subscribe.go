package supabase

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/cache"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/resilience"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

var errStoreClosed = errors.New("supabase: store closed")

var _ port.Cache[port.Document] = (*cache.InMemory[port.Document])(nil)

// Store implements port.RemoteStore over the documents table.
// Subscriptions poll their query and deliver when the result changes.
type Store struct {
	client   *Client
	cache    *cache.InMemory[port.Document]
	bulkhead *resilience.Bulkhead
	interval time.Duration
	metrics  *observability.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	pollers map[*poller]struct{}
	closed  bool
}

// NewStore creates a Store. cacheTTL bounds the staleness of Get;
// maxConcurrency caps in-flight subscription polls.
func NewStore(client *Client, interval, cacheTTL time.Duration, maxConcurrency int, metrics *observability.Metrics, logger *zap.Logger) *Store {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Store{
		client:   client,
		cache:    cache.New[port.Document](cacheTTL),
		bulkhead: resilience.NewBulkhead(maxConcurrency),
		interval: interval,
		metrics:  metrics,
		logger:   logger,
		pollers:  make(map[*poller]struct{}),
	}
}

// poller owns one subscription's goroutine.
type poller struct {
	cancel context.CancelFunc
	wake   chan struct{}
}

// Subscribe polls q and delivers its result set first and then whenever it
// differs from the previous delivery.
func (s *Store) Subscribe(ctx context.Context, q port.Query, fn port.QueryFunc) (port.Unsubscribe, error) {
	if q.Collection == "" {
		return nil, &domain.ErrValidation{Field: "collection", Message: "is required"}
	}
	if _, err := queryParams(q); err != nil {
		return nil, err
	}
	return s.start(ctx, "query:"+q.Collection, func(ctx context.Context) ([]byte, func(), error) {
		docs, err := s.List(ctx, q)
		if err != nil {
			return nil, nil, err
		}
		return fingerprint(docs), func() { fn(docs, nil) }, nil
	}, func(err error) { fn(nil, err) })
}

// SubscribeDoc polls the document at path. A missing document is delivered
// as nil.
func (s *Store) SubscribeDoc(ctx context.Context, path string, fn port.DocFunc) (port.Unsubscribe, error) {
	if err := validPath(path); err != nil {
		return nil, err
	}
	return s.start(ctx, "doc:"+path, func(ctx context.Context) ([]byte, func(), error) {
		doc, err := s.fetchDoc(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		if doc == nil {
			return []byte{0}, func() { fn(nil, nil) }, nil
		}
		return fingerprint([]port.Document{*doc}), func() { fn(doc, nil) }, nil
	}, func(err error) { fn(nil, err) })
}

// fetchFunc reads the current state and returns its fingerprint and the
// delivery for it.
type fetchFunc func(ctx context.Context) (fp []byte, deliver func(), err error)

func (s *Store) start(parent context.Context, name string, fetch fetchFunc, fail func(error)) (port.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStoreClosed
	}

	ctx, cancel := context.WithCancel(parent)
	p := &poller{cancel: cancel, wake: make(chan struct{}, 1)}
	s.pollers[p] = struct{}{}
	go s.run(ctx, p, name, fetch, fail)

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			delete(s.pollers, p)
			s.mu.Unlock()
		})
	}, nil
}

func (s *Store) run(ctx context.Context, p *poller, name string, fetch fetchFunc, fail func(error)) {
	defer func() {
		s.mu.Lock()
		delete(s.pollers, p)
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var last []byte
	delivered, failing := false, false
	for {
		fp, deliver, err := s.poll(ctx, fetch)
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			// Report an outage once, not on every tick.
			if !failing {
				failing = true
				s.logger.Warn("subscription poll failed", zap.String("subscription", name), zap.Error(err))
				s.safely(name, func() { fail(err) })
			}
		case !delivered || failing || !bytes.Equal(fp, last):
			delivered, failing = true, false
			last = fp
			s.safely(name, deliver)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

func (s *Store) poll(ctx context.Context, fetch fetchFunc) ([]byte, func(), error) {
	if err := s.bulkhead.Acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer s.bulkhead.Release()
	return fetch(ctx)
}

func (s *Store) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscription callback panicked", zap.String("subscription", name), zap.Any("panic", r))
		}
	}()
	fn()
}

// kick makes every poller re-read without waiting for its next tick, so
// writes through this Store are seen promptly by its own subscribers.
func (s *Store) kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.pollers {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
}

// ActiveSubscriptions reports the running pollers.
func (s *Store) ActiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pollers)
}

// Close stops every subscription and the cache janitor.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for p := range s.pollers {
		p.cancel()
	}
	s.mu.Unlock()
	s.cache.Close()
}

func fingerprint(docs []port.Document) []byte {
	var b bytes.Buffer
	for _, d := range docs {
		b.WriteString(d.Path)
		b.WriteByte(0)
		b.Write(d.Data)
		b.WriteByte(0)
	}
	return b.Bytes()
}
