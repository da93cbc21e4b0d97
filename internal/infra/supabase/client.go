// Package supabase is a RemoteStore backed by Supabase PostgREST.
// Documents live in one generic table:
//
//	documents(collection text, id text, data jsonb, version bigint,
//	          primary key (collection, id))
//
// Batches go through the apply_document_batch RPC, which applies its ops
// in one transaction. Change notification is emulated by polling.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/resilience"
)

var tracer = otel.Tracer("supabase")

const serviceName = "supabase"

// Client wraps HTTP calls to Supabase PostgREST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	cb             *gobreaker.CircuitBreaker
	cfg            resilience.Config
	metrics        *observability.Metrics
	logger         *zap.Logger
}

// NewClient creates a Supabase client.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceRoleKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		serviceRoleKey: serviceRoleKey,
		cb:             cb,
		cfg:            cfg,
		metrics:        metrics,
		logger:         logger,
	}
}

// statusError is a non-2xx PostgREST answer.
type statusError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("supabase %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// call runs fn behind the circuit breaker with retries. Client errors
// (4xx) are not retried and do not trip the breaker. Domain errors returned
// by fn pass through unwrapped; everything else becomes ErrExternalService
// or ErrCircuitOpen.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	defer func() { c.metrics.RecordRequestDuration("supabase."+op, time.Since(start)) }()

	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			err := fn()
			var se *statusError
			var nf *domain.ErrNotFound
			if errors.As(err, &nf) || (errors.As(err, &se) && se.Status >= 400 && se.Status < 500) {
				return resilience.Permanent(err)
			}
			return err
		})
	})
	if err == nil {
		return nil
	}

	var nf *domain.ErrNotFound
	var conflict *domain.ErrConflict
	switch {
	case errors.As(err, &nf):
		return nf
	case errors.As(err, &conflict):
		return conflict
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &domain.ErrCircuitOpen{Service: serviceName}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	c.metrics.IncrExternalError(serviceName)
	return &domain.ErrExternalService{Service: serviceName + "/" + op, Err: err}
}
