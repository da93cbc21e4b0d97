// Package port defines the interfaces (ports) for external collaborators.
// Following hexagonal architecture, these ports decouple the session and
// service layers from the concrete document store and auth provider.
package port

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
)

// ============================================================
// Remote document store
// ============================================================

// Document is one stored record. Path is "<collection>/<id>".
type Document struct {
	ID   string
	Path string
	Data json.RawMessage
}

// Decode unmarshals the document body into v.
func (d Document) Decode(v any) error {
	return json.Unmarshal(d.Data, v)
}

// FilterOp is a supported query predicate.
type FilterOp string

const (
	OpEqual         FilterOp = "=="
	OpArrayContains FilterOp = "array-contains"
)

// Filter compares one top-level document field.
type Filter struct {
	Field string
	Op    FilterOp
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Op: OpEqual, Value: value}
}

// Contains builds an array-membership filter.
func Contains(field string, value any) Filter {
	return Filter{Field: field, Op: OpArrayContains, Value: value}
}

// Query selects documents of one collection.
// All Filters must match; when AnyOf is set at least one of them must match too.
type Query struct {
	Collection string
	Filters    []Filter
	AnyOf      []Filter
	OrderBy    string
	Descending bool
}

// QueryFunc receives the full current result set of a query, or an error.
type QueryFunc func(docs []Document, err error)

// DocFunc receives the current version of a document; doc is nil when it
// does not exist.
type DocFunc func(doc *Document, err error)

// Unsubscribe closes a subscription. Calling it more than once is a no-op,
// and it never waits for a delivery in progress.
type Unsubscribe func()

// WriteKind is the operation of a batched write.
type WriteKind string

const (
	WriteSet         WriteKind = "set"
	WriteUpdate      WriteKind = "update"
	WriteDelete      WriteKind = "delete"
	WriteArrayUnion  WriteKind = "arrayUnion"
	WriteArrayRemove WriteKind = "arrayRemove"
)

// WriteOp is one operation of a batch.
type WriteOp struct {
	Kind   WriteKind
	Path   string
	Data   any            // set
	Fields map[string]any // update
	Field  string         // arrayUnion / arrayRemove
	Values []string       // arrayUnion / arrayRemove
}

// RemoteStore is the document store collaborator: point reads,
// change-notification subscriptions, scoped queries and batched writes.
type RemoteStore interface {
	// Subscribe delivers the result set of q now and after every change.
	Subscribe(ctx context.Context, q Query, fn QueryFunc) (Unsubscribe, error)
	// SubscribeDoc delivers the document at path now and after every change.
	// Deliveries are asynchronous: neither method calls fn before returning.
	SubscribeDoc(ctx context.Context, path string, fn DocFunc) (Unsubscribe, error)

	// Get returns *domain.ErrNotFound when the document is absent.
	Get(ctx context.Context, path string) (*Document, error)
	List(ctx context.Context, q Query) ([]Document, error)

	Set(ctx context.Context, path string, data any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	ArrayUnion(ctx context.Context, path, field string, values ...string) error
	ArrayRemove(ctx context.Context, path, field string, values ...string) error
	Delete(ctx context.Context, path string) error
	// BatchWrite applies every op or none of them.
	BatchWrite(ctx context.Context, ops []WriteOp) error
}

// DocPath joins path segments.
func DocPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitPath splits a document path into its collection and id.
func SplitPath(path string) (collection, id string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ============================================================
// Auth collaborator
// ============================================================

// Authenticator is the external identity provider.
type Authenticator interface {
	SignIn(ctx context.Context, cred domain.Credential) (*domain.SignInResult, error)
	SignOut(ctx context.Context, uid string) error
	// OnIdentityChange registers fn for every sign-in and sign-out.
	OnIdentityChange(fn func(domain.IdentityEvent)) (cancel func())
	SendPasswordResetLink(ctx context.Context, email string) (string, error)
	// VerifyToken resolves an access token to its identity.
	VerifyToken(token string) (*domain.Identity, error)
}

// CredentialEnroller registers credentials for a newly created member and
// follows email renames. Optional: providers that manage credentials
// elsewhere do not implement it.
type CredentialEnroller interface {
	Enroll(ctx context.Context, identity domain.Identity, password string) error
	ChangeEmail(ctx context.Context, uid, newEmail string) error
	Remove(ctx context.Context, uid string) error
}

// ============================================================
// Cache
// ============================================================

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
	DeletePrefix(prefix string)
}
