package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

var tracer = otel.Tracer("session")

type entry struct {
	session  *Session
	lastSeen time.Time
	readers  int
}

// Manager holds one Session per signed-in identity and follows the auth
// collaborator's identity events.
type Manager struct {
	store   port.RemoteStore
	auth    port.Authenticator
	metrics *observability.Metrics
	logger  *zap.Logger
	idleTTL time.Duration
	opts    []Option
	now     func() time.Time

	mu         sync.Mutex
	sessions   map[string]*entry
	stopEvents func()
}

// NewManager registers the manager with auth. A zero idleTTL disables
// idle eviction.
func NewManager(store port.RemoteStore, auth port.Authenticator, metrics *observability.Metrics, logger *zap.Logger, idleTTL time.Duration, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		auth:     auth,
		metrics:  metrics,
		logger:   logger,
		idleTTL:  idleTTL,
		opts:     opts,
		now:      time.Now,
		sessions: make(map[string]*entry),
	}
	m.stopEvents = auth.OnIdentityChange(m.HandleIdentityChange)
	return m
}

// Open returns the session of identity, starting one if needed.
func (m *Manager) Open(ctx context.Context, identity domain.Identity) (*Session, error) {
	_, span := tracer.Start(ctx, "Manager.Open")
	defer span.End()
	span.SetAttributes(attribute.String("uid", identity.UID))

	m.mu.Lock()
	if e, ok := m.sessions[identity.UID]; ok {
		e.lastSeen = m.now()
		m.mu.Unlock()
		return e.session, nil
	}
	s := New(m.store, m.auth, m.metrics, m.logger, m.opts...)
	m.sessions[identity.UID] = &entry{session: s, lastSeen: m.now()}
	m.mu.Unlock()

	m.metrics.SessionOpened()
	if err := s.OnIdentityChange(&identity); err != nil {
		m.Close(identity.UID)
		return nil, err
	}
	return s, nil
}

// Get returns the session of uid and marks it as used.
func (m *Manager) Get(uid string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[uid]
	if !ok {
		return nil, false
	}
	e.lastSeen = m.now()
	return e.session, true
}

// Attach marks the session of uid as in use until release is called, so
// long-lived readers such as event streams keep it from idle eviction.
// Releasing counts as a use.
func (m *Manager) Attach(uid string) (release func()) {
	m.mu.Lock()
	e, ok := m.sessions[uid]
	if ok {
		e.readers++
		e.lastSeen = m.now()
	}
	m.mu.Unlock()
	if !ok {
		return func() {}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			e.readers--
			e.lastSeen = m.now()
		})
	}
}

// Close tears down and forgets the session of uid.
func (m *Manager) Close(uid string) {
	m.mu.Lock()
	e, ok := m.sessions[uid]
	delete(m.sessions, uid)
	m.mu.Unlock()
	if !ok {
		return
	}
	e.session.Close()
	m.metrics.SessionClosed()
	m.logger.Info("session closed", zap.String("uid", uid))
}

// Len is the number of held sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// HandleIdentityChange opens a session on sign-in and closes it on sign-out.
func (m *Manager) HandleIdentityChange(ev domain.IdentityEvent) {
	if ev.Identity == nil {
		m.Close(ev.UID)
		return
	}
	if _, err := m.Open(context.Background(), *ev.Identity); err != nil {
		m.logger.Error("open session failed", zap.String("uid", ev.UID), zap.Error(err))
	}
}

// Run evicts idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	if m.idleTTL <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := m.idleTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.EvictIdle()
		}
	}
}

// EvictIdle closes every session unused for longer than the idle TTL.
// Sessions with an attached reader are never idle.
func (m *Manager) EvictIdle() int {
	if m.idleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.Lock()
	var idle []string
	for uid, e := range m.sessions {
		if e.readers == 0 && e.lastSeen.Before(cutoff) {
			idle = append(idle, uid)
		}
	}
	m.mu.Unlock()

	for _, uid := range idle {
		m.logger.Info("evicting idle session", zap.String("uid", uid))
		m.Close(uid)
	}
	return len(idle)
}

// Shutdown stops following identity events and closes every session.
func (m *Manager) Shutdown() {
	if m.stopEvents != nil {
		m.stopEvents()
	}
	m.mu.Lock()
	uids := make([]string, 0, len(m.sessions))
	for uid := range m.sessions {
		uids = append(uids, uid)
	}
	m.mu.Unlock()

	for _, uid := range uids {
		m.Close(uid)
	}
}
