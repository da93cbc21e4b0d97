// Package session is the live synchronization core. A Session follows one
// authenticated identity: it observes the identity's profile, opens the
// tenant-scoped subscriptions that profile implies, derives aggregates,
// hierarchy and license accounting from the raw deliveries and publishes a
// composite SessionState.
//
// Every identity change starts a new epoch. All subscriptions of the
// previous epoch are closed before the next one opens, and a delivery whose
// epoch or scope has ended is discarded without touching state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/boddenberg/salescoach-bfa-go/internal/aggregate"
	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/hierarchy"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
	"github.com/boddenberg/salescoach-bfa-go/internal/license"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

// Partition labels, used for metrics and SyncError entries.
const (
	PartitionProfile      = "profile"
	PartitionSales        = "sales"
	PartitionUsers        = "users"
	PartitionMemberSales  = "memberSales"
	PartitionAppointments = "appointments"
	PartitionInvoices     = "invoices"
)

// Sign-out reasons reported to metrics.
const (
	reasonPending = "pending"
	reasonMissing = "missing"
)

// Listener receives every published state. It runs with the session lock
// held and must not call back into the session.
type Listener func(domain.SessionState)

// Option configures a Session.
type Option func(*Session)

// WithClock replaces time.Now, which drives the aggregation windows.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// innerKey is what the inner subscription set is scoped by. A profile update
// that leaves it unchanged keeps the open set.
type innerKey struct {
	companyID string
	branch    string
	role      domain.Role
}

// Session is safe for concurrent use.
type Session struct {
	store   port.RemoteStore
	auth    port.Authenticator
	metrics *observability.Metrics
	base    *zap.Logger
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	logger   *zap.Logger
	epoch    uint64
	version  uint64
	status   domain.SessionStatus
	identity *domain.Identity
	closed   bool

	outer   *scope
	inner   *scope
	members *scope
	key     innerKey

	profile      *domain.Profile
	ownSales     []domain.Sale
	salesLoaded  bool
	tenant       []domain.Profile
	tenantLoaded bool
	memberSales  map[string][]domain.Sale
	content      map[domain.ContentKind][]domain.ContentItem
	appointments []domain.Appointment
	invoices     []domain.Invoice
	errs         map[string]domain.SyncError

	state        domain.SessionState
	listeners    map[int]Listener
	nextListener int
}

// New creates an unauthenticated session. Call OnIdentityChange to start it
// and Close to release it.
func New(store port.RemoteStore, auth port.Authenticator, metrics *observability.Metrics, logger *zap.Logger, opts ...Option) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		store:     store,
		auth:      auth,
		metrics:   metrics,
		base:      logger,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		status:    domain.SessionUnauthenticated,
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetLocked()
	s.state = s.buildLocked()
	return s
}

// State returns the last published snapshot.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Epoch returns the current subscription generation.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// Subscribe registers fn for every published state and calls it once with
// the current one.
func (s *Session) Subscribe(fn Listener) (cancel func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	fn(s.state)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// OnIdentityChange ends the current epoch and, for a non-nil identity,
// starts a new one by observing that identity's profile.
func (s *Session) OnIdentityChange(identity *domain.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("session closed")
	}

	s.teardownLocked()
	if identity == nil {
		s.logger.Info("session signed out")
		s.publishLocked()
		return nil
	}

	id := *identity
	s.identity = &id
	s.status = domain.SessionLoading
	s.logger = observability.SessionLogger(s.base, id.UID).With(zap.Uint64("epoch", s.epoch))
	s.logger.Info("session loading")

	epoch := s.epoch
	outer := newScope(s.metrics.SubscriptionClosed)
	s.outer = outer

	unsub, err := s.store.SubscribeDoc(s.ctx, port.DocPath("users", id.UID), func(doc *port.Document, err error) {
		s.onProfile(epoch, outer, doc, err)
	})
	if err != nil {
		s.recordErrorLocked(PartitionProfile, err)
		s.publishLocked()
		return err
	}
	s.metrics.SubscriptionOpened(PartitionProfile)
	outer.add(PartitionProfile, PartitionProfile, unsub)
	s.publishLocked()
	return nil
}

// Close ends the current epoch and rejects further identity changes.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.teardownLocked()
	s.closed = true
	s.publishLocked()
	s.cancel()
}

// teardownLocked closes every subscription of the current epoch, clears all
// tenant data and advances the epoch.
func (s *Session) teardownLocked() {
	if s.outer != nil {
		n := s.outer.close()
		s.logger.Debug("session torn down", zap.Int("subscriptions", n))
	}
	s.outer, s.inner, s.members = nil, nil, nil
	s.key = innerKey{}
	s.identity = nil
	s.profile = nil
	s.status = domain.SessionUnauthenticated
	s.resetLocked()
	s.epoch++
	s.metrics.IncrEpoch()
	s.logger = s.base
}

func (s *Session) resetLocked() {
	s.ownSales = nil
	s.salesLoaded = false
	s.tenant = nil
	s.tenantLoaded = false
	s.memberSales = make(map[string][]domain.Sale)
	s.content = make(map[domain.ContentKind][]domain.ContentItem)
	s.appointments = nil
	s.invoices = nil
	s.errs = make(map[string]domain.SyncError)
}

// current reports whether a delivery captured under epoch and sc may still
// change state.
func (s *Session) current(epoch uint64, sc *scope) bool {
	return !s.closed && epoch == s.epoch && sc.alive()
}

// ============================================================
// Profile
// ============================================================

func (s *Session) onProfile(epoch uint64, outer *scope, doc *port.Document, err error) {
	s.mu.Lock()
	if !s.current(epoch, outer) {
		s.mu.Unlock()
		s.stale(PartitionProfile)
		return
	}
	if err != nil {
		s.recordErrorLocked(PartitionProfile, err)
		s.publishLocked()
		s.mu.Unlock()
		return
	}

	var reason string
	var profile domain.Profile
	switch {
	case doc == nil:
		reason = reasonMissing
	default:
		if derr := doc.Decode(&profile); derr != nil {
			s.recordErrorLocked(PartitionProfile, derr)
			s.publishLocked()
			s.mu.Unlock()
			return
		}
		profile.ID = doc.ID
		if profile.Pending() {
			reason = reasonPending
		}
	}

	if reason != "" {
		uid := s.identity.UID
		s.logger.Warn("forcing sign-out", zap.String("reason", reason))
		s.teardownLocked()
		s.publishLocked()
		s.mu.Unlock()

		s.metrics.IncrForcedSignOut(reason)
		if serr := s.auth.SignOut(s.ctx, uid); serr != nil {
			s.base.Error("sign-out failed", zap.String("uid", uid), zap.Error(serr))
		}
		return
	}

	delete(s.errs, PartitionProfile)
	s.profile = &profile
	s.status = domain.SessionActive

	key := innerKey{companyID: profile.CompanyID, branch: profile.BranchName, role: profile.Role}
	if s.inner == nil || key != s.key {
		s.rescopeLocked(epoch, outer, key)
	}
	s.publishLocked()
	s.mu.Unlock()
}

// rescopeLocked replaces the inner subscription set. Data of the previous
// set is kept while the tenant stays the same, so the state never goes
// blank between the two sets' deliveries.
func (s *Session) rescopeLocked(epoch uint64, outer *scope, key innerKey) {
	if s.inner != nil {
		n := s.inner.close()
		s.logger.Debug("inner subscriptions closed", zap.Int("subscriptions", n))
	}
	if s.key.companyID != "" && s.key.companyID != key.companyID {
		s.logger.Warn("profile changed tenant", zap.String("from", s.key.companyID), zap.String("to", key.companyID))
		errs := s.errs
		s.resetLocked()
		s.errs = errs
	}
	if key.role != domain.RoleOwner {
		s.invoices = nil
	}

	s.key = key
	s.inner = outer.child()
	s.members = s.inner.child()
	s.logger = observability.SessionLogger(s.base, s.identity.UID).With(
		zap.Uint64("epoch", s.epoch), zap.String("company_id", key.companyID))
	s.openInnerLocked(epoch, s.inner, key)
	s.logger.Info("session active", zap.String("role", string(key.role)), zap.String("branch", key.branch))
}

func (s *Session) openInnerLocked(epoch uint64, inner *scope, key innerKey) {
	uid := s.profile.ID
	tenant := port.Eq("companyId", key.companyID)

	s.openLocked(inner, PartitionSales, PartitionSales,
		port.Query{Collection: port.DocPath("users", uid, "sales"), OrderBy: "timestamp"},
		s.guard(epoch, inner, PartitionSales, PartitionSales, s.onOwnSales))

	s.openLocked(inner, PartitionUsers, PartitionUsers,
		port.Query{Collection: "users", Filters: []port.Filter{tenant}},
		s.guard(epoch, inner, PartitionUsers, PartitionUsers, func(docs []port.Document) error {
			return s.onTenant(epoch, docs)
		}))

	for _, kind := range domain.ContentKinds {
		kind := kind
		s.openLocked(inner, string(kind), string(kind),
			port.Query{Collection: string(kind), Filters: []port.Filter{tenant}, OrderBy: "createdAt", Descending: true},
			s.guard(epoch, inner, string(kind), string(kind), func(docs []port.Document) error {
				return s.onContent(kind, docs)
			}))
	}

	// One query for "mine or tagged" so the two sides never need merging.
	s.openLocked(inner, PartitionAppointments, PartitionAppointments,
		port.Query{
			Collection: "appointments",
			Filters:    []port.Filter{tenant},
			AnyOf:      []port.Filter{port.Eq("ownerId", uid), port.Contains("taggedUsers", uid)},
			OrderBy:    "startsAt",
		},
		s.guard(epoch, inner, PartitionAppointments, PartitionAppointments, s.onAppointments))

	if key.role == domain.RoleOwner {
		s.openLocked(inner, PartitionInvoices, PartitionInvoices,
			port.Query{Collection: "invoices", Filters: []port.Filter{tenant}, OrderBy: "createdAt", Descending: true},
			s.guard(epoch, inner, PartitionInvoices, PartitionInvoices, s.onInvoices))
	}
}

func (s *Session) openLocked(sc *scope, key, label string, q port.Query, fn port.QueryFunc) {
	unsub, err := s.store.Subscribe(s.ctx, q, fn)
	if err != nil {
		s.recordErrorLocked(key, err)
		return
	}
	s.metrics.SubscriptionOpened(label)
	sc.add(key, label, unsub)
}

// guard wraps a delivery handler with the epoch and scope check, error
// bookkeeping and republishing.
func (s *Session) guard(epoch uint64, sc *scope, key, label string, apply func([]port.Document) error) port.QueryFunc {
	return func(docs []port.Document, err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if !s.current(epoch, sc) {
			s.stale(label)
			return
		}
		if err == nil {
			err = apply(docs)
		}
		if err != nil {
			s.recordErrorLocked(key, err)
		} else {
			delete(s.errs, key)
		}
		s.publishLocked()
	}
}

func (s *Session) stale(label string) {
	s.metrics.IncrStaleDelivery(label)
	s.base.Debug("stale delivery discarded", zap.String("partition", label))
}

func (s *Session) recordErrorLocked(key string, err error) {
	label := key
	if strings.HasPrefix(key, PartitionMemberSales+"/") {
		label = PartitionMemberSales
	}
	s.metrics.IncrSubscriptionError(label)
	s.logger.Warn("subscription error", zap.String("partition", key), zap.Error(err))
	s.errs[key] = domain.SyncError{Partition: key, Message: err.Error(), At: s.now()}
}

// ============================================================
// Partition handlers (called with s.mu held)
// ============================================================

func (s *Session) onOwnSales(docs []port.Document) error {
	sales, err := decodeSales(docs, s.profile.ID)
	if err != nil {
		return err
	}
	s.ownSales = sales
	s.salesLoaded = true
	return nil
}

func (s *Session) onTenant(epoch uint64, docs []port.Document) error {
	profiles := make([]domain.Profile, 0, len(docs))
	for _, d := range docs {
		var p domain.Profile
		if err := d.Decode(&p); err != nil {
			return err
		}
		p.ID = d.ID
		profiles = append(profiles, p)
	}
	s.tenant = profiles
	s.tenantLoaded = true
	s.reconcileMembersLocked(epoch)
	return nil
}

// reconcileMembersLocked keeps exactly one sale-log subscription per
// approved tenant member other than the session's own profile.
func (s *Session) reconcileMembersLocked(epoch uint64) {
	want := make(map[string]bool, len(s.tenant))
	for _, p := range s.tenant {
		if p.ID != s.profile.ID && !p.Pending() {
			want[memberKey(p.ID)] = true
		}
	}

	for _, key := range s.members.keys() {
		if !want[key] {
			s.members.release(key)
			delete(s.memberSales, key[len(PartitionMemberSales)+1:])
			delete(s.errs, key)
		}
	}

	for _, p := range s.tenant {
		key := memberKey(p.ID)
		if !want[key] || s.members.has(key) {
			continue
		}
		uid := p.ID
		s.openLocked(s.members, key, PartitionMemberSales,
			port.Query{Collection: port.DocPath("users", uid, "sales"), OrderBy: "timestamp"},
			s.guard(epoch, s.members, key, PartitionMemberSales, func(docs []port.Document) error {
				sales, err := decodeSales(docs, uid)
				if err != nil {
					return err
				}
				s.memberSales[uid] = sales
				return nil
			}))
	}
}

func memberKey(uid string) string {
	return PartitionMemberSales + "/" + uid
}

func (s *Session) onContent(kind domain.ContentKind, docs []port.Document) error {
	items := make([]domain.ContentItem, 0, len(docs))
	for _, d := range docs {
		item, err := decodeContent(d)
		if err != nil {
			return err
		}
		items = append(items, item)
	}
	s.content[kind] = items
	return nil
}

func (s *Session) onAppointments(docs []port.Document) error {
	out := make([]domain.Appointment, 0, len(docs))
	for _, d := range docs {
		var a domain.Appointment
		if err := d.Decode(&a); err != nil {
			return err
		}
		a.ID = d.ID
		out = append(out, a)
	}
	s.appointments = out
	return nil
}

func (s *Session) onInvoices(docs []port.Document) error {
	out := make([]domain.Invoice, 0, len(docs))
	for _, d := range docs {
		var inv domain.Invoice
		if err := d.Decode(&inv); err != nil {
			return err
		}
		inv.ID = d.ID
		out = append(out, inv)
	}
	s.invoices = out
	return nil
}

func decodeSales(docs []port.Document, owner string) ([]domain.Sale, error) {
	sales := make([]domain.Sale, 0, len(docs))
	for _, d := range docs {
		var sale domain.Sale
		if err := d.Decode(&sale); err != nil {
			return nil, err
		}
		sale.ID = d.ID
		if sale.OwnerID == "" {
			sale.OwnerID = owner
		}
		sales = append(sales, sale)
	}
	return sales, nil
}

var contentFields = []string{"id", "companyId", "title", "body", "createdBy", "createdAt", "extra"}

// decodeContent keeps fields outside the common set in Extra.
func decodeContent(d port.Document) (domain.ContentItem, error) {
	var item domain.ContentItem
	if err := d.Decode(&item); err != nil {
		return item, err
	}
	item.ID = d.ID

	var raw map[string]any
	if err := json.Unmarshal(d.Data, &raw); err != nil {
		return item, err
	}
	for _, f := range contentFields {
		delete(raw, f)
	}
	if len(raw) > 0 {
		if item.Extra == nil {
			item.Extra = make(map[string]any, len(raw))
		}
		for k, v := range raw {
			item.Extra[k] = v
		}
	}
	return item, nil
}

// ============================================================
// Publishing
// ============================================================

func (s *Session) publishLocked() {
	s.version++
	s.state = s.buildLocked()
	for _, fn := range s.listeners {
		fn(s.state)
	}
}

// buildLocked derives the composite state. Derived views appear only once
// their inputs were delivered at least once.
func (s *Session) buildLocked() domain.SessionState {
	now := s.now()
	st := domain.SessionState{
		Status:    s.status,
		Epoch:     s.epoch,
		Version:   s.version,
		UpdatedAt: now,
	}
	if s.identity != nil {
		st.UID = s.identity.UID
	}
	st.Errors = s.errorsLocked()
	if s.profile == nil {
		return st
	}

	profile := *s.profile
	st.Profile = &profile

	if s.salesLoaded {
		agg := aggregate.Compute(s.ownSales, profile.Badges, now)
		st.Aggregates = &agg
		st.Sales = append([]domain.Sale(nil), s.ownSales...)
	}

	if s.tenantLoaded {
		for _, p := range s.tenant {
			if p.Pending() {
				continue
			}
			view := domain.MemberView{Profile: p}
			if p.ID == profile.ID {
				view.Profile = profile
				view.SalesLoaded = s.salesLoaded
				view.Aggregates = aggregate.Compute(s.ownSales, profile.Badges, now)
			} else if sales, ok := s.memberSales[p.ID]; ok {
				view.SalesLoaded = true
				view.Aggregates = aggregate.Compute(sales, p.Badges, now)
			} else {
				view.Aggregates = aggregate.Compute(nil, p.Badges, now)
			}
			st.AllUsers = append(st.AllUsers, view)
			if p.BranchName == profile.BranchName {
				st.Users = append(st.Users, view)
			}
		}

		g := hierarchy.Build(s.tenant)
		if _, ok := g.Profile(profile.ID); ok {
			view := g.Resolve(profile.ID)
			st.Hierarchy = &view
		}
		pool := license.PoolFor(s.tenant, profile.BranchName)
		st.Licenses = &pool
	}

	if len(s.content) > 0 {
		st.Content = make(map[domain.ContentKind][]domain.ContentItem, len(s.content))
		for k, v := range s.content {
			st.Content[k] = v
		}
	}
	st.Appointments = s.appointments
	st.Invoices = s.invoices
	return st
}

func (s *Session) errorsLocked() []domain.SyncError {
	if len(s.errs) == 0 {
		return nil
	}
	out := make([]domain.SyncError, 0, len(s.errs))
	for _, e := range s.errs {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}
