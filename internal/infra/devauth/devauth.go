// Package devauth is a self-contained auth collaborator: bcrypt-hashed
// credentials held in memory and HS256 access tokens. It backs local
// servers and tests; production deployments plug in their identity
// provider behind the same port.Authenticator interface.
package devauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

const (
	issuer   = "salescoach"
	resetTTL = time.Hour
)

var (
	_ port.Authenticator      = (*Authenticator)(nil)
	_ port.CredentialEnroller = (*Authenticator)(nil)
)

// Claims are the access token claims. Version must match the credential's
// current version, so signing out revokes every token issued before.
type Claims struct {
	Email   string `json:"email"`
	Version int    `json:"ver"`
	Type    string `json:"type"`
	jwt.RegisteredClaims
}

type credential struct {
	uid     string
	email   string
	hash    []byte
	version int
}

type resetGrant struct {
	uid     string
	expires time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithBcryptCost overrides the hashing cost (tests use bcrypt.MinCost).
func WithBcryptCost(cost int) Option {
	return func(a *Authenticator) { a.cost = cost }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// Authenticator is safe for concurrent use.
type Authenticator struct {
	secret    []byte
	accessTTL time.Duration
	resetBase string
	cost      int
	decoy     []byte
	now       func() time.Time
	logger    *zap.Logger

	mu        sync.RWMutex
	byEmail   map[string]*credential
	byUID     map[string]*credential
	resets    map[string]resetGrant
	listeners map[int]func(domain.IdentityEvent)
	nextID    int
}

// New creates an empty authenticator.
func New(secret string, accessTTL time.Duration, resetBaseURL string, logger *zap.Logger, opts ...Option) *Authenticator {
	a := &Authenticator{
		secret:    []byte(secret),
		accessTTL: accessTTL,
		resetBase: resetBaseURL,
		cost:      12,
		now:       time.Now,
		logger:    logger,
		byEmail:   make(map[string]*credential),
		byUID:     make(map[string]*credential),
		resets:    make(map[string]resetGrant),
		listeners: make(map[int]func(domain.IdentityEvent)),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.decoy, _ = bcrypt.GenerateFromPassword([]byte(issuer), a.cost)
	return a
}

// ============================================================
// Enrollment
// ============================================================

// Enroll stores the credentials of identity, replacing earlier ones.
func (a *Authenticator) Enroll(_ context.Context, identity domain.Identity, password string) error {
	if len(password) < 6 {
		return &domain.ErrValidation{Field: "password", Message: "must be at least 6 characters"}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.cost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	email := domain.NormalizeEmail(identity.Email)

	a.mu.Lock()
	defer a.mu.Unlock()
	if other, ok := a.byEmail[email]; ok && other.uid != identity.UID {
		return &domain.ErrConflict{Message: "email already enrolled"}
	}
	c := &credential{uid: identity.UID, email: email, hash: hash}
	if old, ok := a.byUID[identity.UID]; ok {
		delete(a.byEmail, old.email)
		c.version = old.version + 1
	}
	a.byEmail[email] = c
	a.byUID[identity.UID] = c
	return nil
}

// ChangeEmail moves the credentials of uid to newEmail.
func (a *Authenticator) ChangeEmail(_ context.Context, uid, newEmail string) error {
	email := domain.NormalizeEmail(newEmail)

	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.byUID[uid]
	if !ok {
		return &domain.ErrNotFound{Resource: "credentials", ID: uid}
	}
	if other, ok := a.byEmail[email]; ok && other.uid != uid {
		return &domain.ErrConflict{Message: "email already enrolled"}
	}
	delete(a.byEmail, c.email)
	c.email = email
	a.byEmail[email] = c
	return nil
}

// Remove drops the credentials of uid and signs it out.
func (a *Authenticator) Remove(ctx context.Context, uid string) error {
	a.mu.Lock()
	c, ok := a.byUID[uid]
	if ok {
		delete(a.byUID, uid)
		delete(a.byEmail, c.email)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	a.emit(domain.IdentityEvent{UID: uid})
	return nil
}

// ============================================================
// Sign-in / sign-out
// ============================================================

// SignIn verifies cred and issues an access token.
func (a *Authenticator) SignIn(_ context.Context, cred domain.Credential) (*domain.SignInResult, error) {
	email := domain.NormalizeEmail(cred.Email)

	a.mu.RLock()
	c, ok := a.byEmail[email]
	var snapshot credential
	if ok {
		snapshot = *c
	}
	a.mu.RUnlock()

	if !ok {
		// Spend the same time as a real comparison.
		_ = bcrypt.CompareHashAndPassword(a.decoy, []byte(cred.Password))
		return nil, &domain.ErrUnauthorized{Message: "invalid email or password"}
	}
	if err := bcrypt.CompareHashAndPassword(snapshot.hash, []byte(cred.Password)); err != nil {
		a.logger.Warn("sign-in: wrong password", zap.String("uid", snapshot.uid))
		return nil, &domain.ErrUnauthorized{Message: "invalid email or password"}
	}

	token, err := a.sign(snapshot)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	identity := domain.Identity{UID: snapshot.uid, Email: snapshot.email}
	a.logger.Info("signed in", zap.String("uid", snapshot.uid))
	a.emit(domain.IdentityEvent{UID: snapshot.uid, Identity: &identity})

	return &domain.SignInResult{
		Identity:    identity,
		AccessToken: token,
		ExpiresIn:   int(a.accessTTL.Seconds()),
	}, nil
}

// SignOut revokes every token of uid and announces the sign-out.
func (a *Authenticator) SignOut(_ context.Context, uid string) error {
	a.mu.Lock()
	if c, ok := a.byUID[uid]; ok {
		c.version++
	}
	a.mu.Unlock()

	a.logger.Info("signed out", zap.String("uid", uid))
	a.emit(domain.IdentityEvent{UID: uid})
	return nil
}

// OnIdentityChange registers fn for every sign-in and sign-out.
func (a *Authenticator) OnIdentityChange(fn func(domain.IdentityEvent)) func() {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// emit runs listeners without holding the lock, so they may call back in.
func (a *Authenticator) emit(ev domain.IdentityEvent) {
	a.mu.RLock()
	fns := make([]func(domain.IdentityEvent), 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.RUnlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// ============================================================
// Tokens
// ============================================================

func (a *Authenticator) sign(c credential) (string, error) {
	now := a.now()
	claims := Claims{
		Email:   c.email,
		Version: c.version,
		Type:    "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   c.uid,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.accessTTL)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// VerifyToken resolves a token issued by SignIn that was not revoked since.
func (a *Authenticator) VerifyToken(tokenString string) (*domain.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(issuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, &domain.ErrUnauthorized{Message: "invalid or expired token"}
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Type != "access" {
		return nil, &domain.ErrUnauthorized{Message: "invalid token"}
	}

	a.mu.RLock()
	c, ok := a.byUID[claims.Subject]
	revoked := !ok || c.version != claims.Version
	email := ""
	if ok {
		email = c.email
	}
	a.mu.RUnlock()
	if revoked {
		return nil, &domain.ErrUnauthorized{Message: "token revoked"}
	}
	return &domain.Identity{UID: claims.Subject, Email: email}, nil
}

// ============================================================
// Password reset
// ============================================================

// SendPasswordResetLink issues a one-time reset link for email. Delivering
// it is the notification collaborator's job; the link is returned.
func (a *Authenticator) SendPasswordResetLink(_ context.Context, email string) (string, error) {
	email = domain.NormalizeEmail(email)

	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	raw := hex.EncodeToString(b)

	a.mu.Lock()
	c, ok := a.byEmail[email]
	if ok {
		a.resets[hashToken(raw)] = resetGrant{uid: c.uid, expires: a.now().Add(resetTTL)}
	}
	a.mu.Unlock()
	if !ok {
		return "", &domain.ErrNotFound{Resource: "account", ID: email}
	}

	link, err := url.Parse(a.resetBase)
	if err != nil {
		return "", fmt.Errorf("parse reset base url: %w", err)
	}
	q := link.Query()
	q.Set("token", raw)
	link.RawQuery = q.Encode()
	a.logger.Info("password reset link issued", zap.String("uid", c.uid))
	return link.String(), nil
}

// ResetPassword consumes a reset token and replaces the password. Existing
// tokens are revoked.
func (a *Authenticator) ResetPassword(ctx context.Context, token, password string) error {
	key := hashToken(token)

	a.mu.Lock()
	grant, ok := a.resets[key]
	delete(a.resets, key)
	a.mu.Unlock()
	if !ok || a.now().After(grant.expires) {
		return &domain.ErrUnauthorized{Message: "invalid or expired reset token"}
	}

	a.mu.RLock()
	c, ok := a.byUID[grant.uid]
	var identity domain.Identity
	if ok {
		identity = domain.Identity{UID: c.uid, Email: c.email}
	}
	a.mu.RUnlock()
	if !ok {
		return &domain.ErrNotFound{Resource: "credentials", ID: grant.uid}
	}
	if err := a.Enroll(ctx, identity, password); err != nil {
		return err
	}
	return a.SignOut(ctx, grant.uid)
}

func hashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}
