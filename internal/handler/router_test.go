package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/handler"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/devauth"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/memstore"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
	"github.com/boddenberg/salescoach-bfa-go/internal/seed"
	"github.com/boddenberg/salescoach-bfa-go/internal/service"
	"github.com/boddenberg/salescoach-bfa-go/internal/session"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type testEnv struct {
	router   http.Handler
	store    *memstore.Store
	sessions *session.Manager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithIdle(t, 0)
}

func newTestEnvWithIdle(t *testing.T, idle time.Duration) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()

	store := memstore.New(logger)
	t.Cleanup(store.Close)
	auth := devauth.New("test-secret", time.Hour, "http://localhost/reset", logger, devauth.WithBcryptCost(bcrypt.MinCost))

	fx, err := seed.Demo()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := seed.Apply(context.Background(), store, auth, fx, logger); err != nil {
		t.Fatalf("apply seed: %v", err)
	}

	sessions := session.NewManager(store, auth, metrics, logger, idle)
	t.Cleanup(sessions.Shutdown)
	members := service.NewMemberService(store, auth, metrics, logger)

	return &testEnv{
		router:   handler.NewRouter(sessions, members, auth, store, metrics, logger),
		store:    store,
		sessions: sessions,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) signIn(t *testing.T, email string) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/auth/sign-in", "", domain.Credential{Email: email, Password: "coach123"})
	if rec.Code != http.StatusOK {
		t.Fatalf("sign-in %s: expected 200, got %d: %s", email, rec.Code, rec.Body.String())
	}
	var res domain.SignInResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	return res.AccessToken
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	health := decode[domain.HealthStatus](t, rec)
	if health.Status != "healthy" || len(health.Services) != 1 {
		t.Errorf("unexpected health %+v", health)
	}
}

func TestReadyz(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/readyz", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t)

	if rec := env.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/v1/metrics/sync", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200 from sync metrics, got %d", rec.Code)
	}
}

func TestSignIn(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed body", "not-an-object", http.StatusBadRequest},
		{"missing password", domain.Credential{Email: "olivia@acme.test"}, http.StatusBadRequest},
		{"wrong password", domain.Credential{Email: "olivia@acme.test", Password: "nope"}, http.StatusUnauthorized},
		{"unknown email", domain.Credential{Email: "ghost@acme.test", Password: "coach123"}, http.StatusUnauthorized},
		{"valid", domain.Credential{Email: "OLIVIA@acme.test", Password: "coach123"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/auth/sign-in", "", tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t)

	for _, token := range []string{"", "garbage"} {
		rec := env.do(t, http.MethodGet, "/v1/session/state", token, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("token %q: expected 401, got %d", token, rec.Code)
		}
	}
}

func TestSessionState_OwnerSeesTenant(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "olivia@acme.test")

	rec := env.do(t, http.MethodGet, "/v1/session/state?wait=2s", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	state := decode[domain.SessionState](t, rec)
	if state.Status != domain.SessionActive {
		t.Fatalf("expected active session, got %q", state.Status)
	}
	if state.Profile == nil || state.Profile.ID != "owner-1" {
		t.Fatalf("unexpected profile %+v", state.Profile)
	}
	if env.sessions.Len() != 1 {
		t.Errorf("expected one held session, got %d", env.sessions.Len())
	}

	// Tenant data arrives in later deliveries; poll until it does.
	deadline := time.Now().Add(2 * time.Second)
	for len(state.Invoices) == 0 || len(state.AllUsers) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tenant data never arrived: %+v", state)
		}
		time.Sleep(10 * time.Millisecond)
		state = decode[domain.SessionState](t, env.do(t, http.MethodGet, "/v1/session/state", token, nil))
	}
	for _, m := range state.AllUsers {
		if m.Profile.Pending() {
			t.Errorf("pending profile %s listed", m.Profile.ID)
		}
	}
}

func TestSessionState_BadWait(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "olivia@acme.test")

	if rec := env.do(t, http.MethodGet, "/v1/session/state?wait=soon", token, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSessionState_SinceWaitsForNextPublish(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "olivia@acme.test")

	state := decode[domain.SessionState](t, env.do(t, http.MethodGet, "/v1/session/state?wait=2s", token, nil))
	deadline := time.Now().Add(2 * time.Second)
	for len(state.AllUsers) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tenant never loaded: %+v", state)
		}
		time.Sleep(10 * time.Millisecond)
		state = decode[domain.SessionState](t, env.do(t, http.MethodGet, "/v1/session/state", token, nil))
	}
	env.store.Quiesce()
	state = decode[domain.SessionState](t, env.do(t, http.MethodGet, "/v1/session/state", token, nil))
	if state.Status != domain.SessionActive {
		t.Fatalf("expected active session, got %q", state.Status)
	}

	// Nothing changes: the wait elapses and the same version comes back.
	path := fmt.Sprintf("/v1/session/state?wait=50ms&since=%d", state.Version)
	idle := decode[domain.SessionState](t, env.do(t, http.MethodGet, path, token, nil))
	if idle.Version != state.Version {
		t.Fatalf("expected version %d after an idle wait, got %d", state.Version, idle.Version)
	}

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodGet, fmt.Sprintf("/v1/session/state?wait=10s&since=%d", state.Version), token, nil)
	}()
	time.Sleep(20 * time.Millisecond)
	if err := env.store.Update(context.Background(), "users/sales-1", map[string]any{"name": "Sam Renamed"}); err != nil {
		t.Fatal(err)
	}

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		next := decode[domain.SessionState](t, rec)
		if next.Version <= state.Version {
			t.Fatalf("expected a newer version than %d, got %d", state.Version, next.Version)
		}
		renamed := false
		for _, m := range next.AllUsers {
			renamed = renamed || (m.Profile.ID == "sales-1" && m.Profile.Name == "Sam Renamed")
		}
		if !renamed {
			t.Errorf("released state does not carry the tenant write")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("long-poll was not released by the tenant write")
	}

	if rec := env.do(t, http.MethodGet, "/v1/session/state?wait=1s&since=latest", token, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad since: expected 400, got %d", rec.Code)
	}
}

func TestSessionStream_KeepsSessionFromIdleEviction(t *testing.T) {
	env := newTestEnvWithIdle(t, 20*time.Millisecond)
	token := env.signIn(t, "olivia@acme.test")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/session/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if n := env.sessions.EvictIdle(); n != 0 {
		t.Errorf("evicted %d sessions while a stream was attached", n)
	}

	cancel()
	resp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for env.sessions.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never became idle after the stream ended")
		}
		time.Sleep(30 * time.Millisecond)
		env.sessions.EvictIdle()
	}
}

func TestSignOut_RevokesTokenAndClosesSession(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "marco@acme.test")
	env.do(t, http.MethodGet, "/v1/session/state", token, nil)

	if rec := env.do(t, http.MethodPost, "/v1/auth/sign-out", token, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if env.sessions.Len() != 0 {
		t.Errorf("expected session closed, %d held", env.sessions.Len())
	}
	if rec := env.do(t, http.MethodGet, "/v1/session/state", token, nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected revoked token to be rejected, got %d", rec.Code)
	}
}

func TestAddMember_CapacityRemediation(t *testing.T) {
	env := newTestEnv(t)
	leader := env.signIn(t, "lena@acme.test")
	manager := env.signIn(t, "marco@acme.test")

	// Alpha holds 4 of 5 seats.
	rec := env.do(t, http.MethodPost, "/v1/members", leader, domain.NewMemberRequest{
		Name: "Nia New", Email: "nia@acme.test", Role: domain.RoleSalesperson,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	created := decode[domain.Profile](t, rec)
	if created.Status != domain.StatusPending || created.BranchName != "Alpha" || created.CompanyID != "acme" {
		t.Errorf("unexpected member %+v", created)
	}

	type capacity struct {
		Remediation domain.Remediation `json:"remediation"`
		Used        int                `json:"used"`
	}
	for _, tc := range []struct {
		token string
		want  domain.Remediation
	}{
		{leader, domain.RemediationRequestPurchase},
		{manager, domain.RemediationSelfPurchase},
	} {
		rec := env.do(t, http.MethodPost, "/v1/members", tc.token, domain.NewMemberRequest{
			Name: "Extra", Email: "extra@acme.test", Role: domain.RoleSalesperson,
		})
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
		}
		if got := decode[capacity](t, rec); got.Remediation != tc.want || got.Used != 5 {
			t.Errorf("expected remediation %q with 5 used, got %+v", tc.want, got)
		}
	}

	// Buying a seat unblocks the manager.
	rec = env.do(t, http.MethodPost, "/v1/licenses/purchase", manager, map[string]any{"amount": 1})
	if rec.Code != http.StatusOK {
		t.Fatalf("purchase: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if pool := decode[domain.LicensePool](t, rec); pool.Purchased != 6 || pool.Available != 1 {
		t.Errorf("unexpected pool %+v", pool)
	}
	rec = env.do(t, http.MethodPost, "/v1/members", manager, domain.NewMemberRequest{
		Name: "Extra", Email: "extra@acme.test", Role: domain.RoleSalesperson,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 after purchase, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestMemberLifecycle(t *testing.T) {
	env := newTestEnv(t)
	owner := env.signIn(t, "olivia@acme.test")
	seller := env.signIn(t, "sam@acme.test")

	if rec := env.do(t, http.MethodPost, "/v1/members/sales-2/approve", seller, nil); rec.Code != http.StatusForbidden {
		t.Errorf("salesperson approve: expected 403, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/v1/members/sales-2/approve", owner, nil); rec.Code != http.StatusOK {
		t.Fatalf("approve: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec := env.do(t, http.MethodPatch, "/v1/members/sales-1/email", owner, map[string]string{"email": "samuel@acme.test"})
	if rec.Code != http.StatusOK {
		t.Fatalf("rename: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = env.do(t, http.MethodGet, "/v1/members/sales-1/superior", owner, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("superior: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	sup := decode[struct {
		Superior *domain.ProfileRef `json:"superior"`
		Via      string             `json:"via"`
	}](t, rec)
	if sup.Superior == nil || sup.Superior.ID != "leader-1" || sup.Via != "explicit" {
		t.Errorf("expected the leader to stay superior after rename, got %+v", sup)
	}

	if rec := env.do(t, http.MethodPatch, "/v1/members/sales-1/role", owner, map[string]string{"role": "owner"}); rec.Code != http.StatusBadRequest && rec.Code != http.StatusForbidden {
		t.Errorf("granting owner: expected 400 or 403, got %d", rec.Code)
	}

	if rec := env.do(t, http.MethodDelete, "/v1/members/sales-1", owner, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodGet, "/v1/members/sales-1/hierarchy", owner, nil); rec.Code != http.StatusNotFound {
		t.Errorf("hierarchy of deleted member: expected 404, got %d", rec.Code)
	}
	if _, err := env.store.Get(context.Background(), "users/sales-1/sales/s-1"); err == nil {
		t.Error("expected owned sales to be deleted")
	}
}

func TestHierarchy_Self(t *testing.T) {
	env := newTestEnv(t)
	leader := env.signIn(t, "lena@acme.test")

	rec := env.do(t, http.MethodGet, "/v1/hierarchy", leader, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	view := decode[domain.HierarchyView](t, rec)
	if view.Superior == nil || view.Superior.ID != "manager-1" {
		t.Errorf("expected manager superior, got %+v", view.Superior)
	}
	if len(view.Subordinates) != 1 || view.Subordinates[0].ID != "sales-1" {
		t.Errorf("expected only the approved subordinate, got %+v", view.Subordinates)
	}
}

func TestRecordSale(t *testing.T) {
	env := newTestEnv(t)
	seller := env.signIn(t, "sam@acme.test")

	if rec := env.do(t, http.MethodPost, "/v1/sales", seller, domain.RecordSaleRequest{Value: -1}); rec.Code != http.StatusBadRequest {
		t.Errorf("negative sale: expected 400, got %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/v1/sales", seller, domain.RecordSaleRequest{Value: 250})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[domain.RecordSaleResult](t, rec)
	if res.Sale.Value != 250 || res.Sale.OwnerID != "sales-1" || res.NewBadges == nil {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestResetLink_DoesNotRevealAccounts(t *testing.T) {
	env := newTestEnv(t)

	for _, email := range []string{"olivia@acme.test", "ghost@acme.test"} {
		rec := env.do(t, http.MethodPost, "/v1/auth/reset-link", "", map[string]string{"email": email})
		if rec.Code != http.StatusAccepted {
			t.Errorf("%s: expected 202, got %d", email, rec.Code)
		}
	}
	rec := env.do(t, http.MethodPost, "/v1/auth/reset-password", "", map[string]string{"token": "bogus", "password": "newpass1"})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bogus reset token: expected 401, got %d", rec.Code)
	}
}

func TestSessionStream(t *testing.T) {
	env := newTestEnv(t)
	token := env.signIn(t, "olivia@acme.test")

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/session/stream", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var st domain.SessionState
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if st.Status == domain.SessionActive && st.Profile != nil && st.Profile.ID == "owner-1" {
			return
		}
	}
	t.Fatalf("no active state streamed: %v", scanner.Err())
}
