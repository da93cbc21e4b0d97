package devauth_test

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/devauth"
)

func newAuth(t *testing.T, opts ...devauth.Option) *devauth.Authenticator {
	t.Helper()
	opts = append([]devauth.Option{devauth.WithBcryptCost(bcrypt.MinCost)}, opts...)
	a := devauth.New("test-secret", 15*time.Minute, "http://localhost:3000/reset", zap.NewNop(), opts...)
	if err := a.Enroll(context.Background(), domain.Identity{UID: "u1", Email: "Ana@Acme.test"}, "secret123"); err != nil {
		t.Fatalf("enroll: %v", err)
	}
	return a
}

func TestSignIn_IssuesVerifiableToken(t *testing.T) {
	a := newAuth(t)
	var events []domain.IdentityEvent
	cancel := a.OnIdentityChange(func(ev domain.IdentityEvent) { events = append(events, ev) })
	defer cancel()

	res, err := a.SignIn(context.Background(), domain.Credential{Email: "ana@acme.test", Password: "secret123"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Identity.UID != "u1" || res.ExpiresIn != 900 {
		t.Errorf("result = %+v", res)
	}
	id, err := a.VerifyToken(res.AccessToken)
	if err != nil || id.UID != "u1" || id.Email != "ana@acme.test" {
		t.Errorf("verify = %+v, %v", id, err)
	}
	if len(events) != 1 || events[0].Identity == nil || events[0].UID != "u1" {
		t.Errorf("events = %+v", events)
	}
}

func TestSignIn_WrongPassword(t *testing.T) {
	a := newAuth(t)
	for _, cred := range []domain.Credential{
		{Email: "ana@acme.test", Password: "wrong"},
		{Email: "nobody@acme.test", Password: "secret123"},
	} {
		_, err := a.SignIn(context.Background(), cred)
		var unauth *domain.ErrUnauthorized
		if !errors.As(err, &unauth) {
			t.Errorf("%s: expected unauthorized, got %v", cred.Email, err)
		}
	}
}

func TestSignOut_RevokesTokens(t *testing.T) {
	a := newAuth(t)
	res, _ := a.SignIn(context.Background(), domain.Credential{Email: "ana@acme.test", Password: "secret123"})

	var signedOut bool
	a.OnIdentityChange(func(ev domain.IdentityEvent) {
		if ev.Identity == nil && ev.UID == "u1" {
			signedOut = true
		}
	})
	if err := a.SignOut(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if !signedOut {
		t.Error("sign-out not announced")
	}
	if _, err := a.VerifyToken(res.AccessToken); err == nil {
		t.Error("token still valid after sign-out")
	}

	again, _ := a.SignIn(context.Background(), domain.Credential{Email: "ana@acme.test", Password: "secret123"})
	if _, err := a.VerifyToken(again.AccessToken); err != nil {
		t.Errorf("fresh token rejected: %v", err)
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	now := time.Now()
	a := newAuth(t, devauth.WithClock(func() time.Time { return now }))
	res, _ := a.SignIn(context.Background(), domain.Credential{Email: "ana@acme.test", Password: "secret123"})

	now = now.Add(time.Hour)
	if _, err := a.VerifyToken(res.AccessToken); err == nil {
		t.Error("expired token accepted")
	}
	if _, err := a.VerifyToken("garbage"); err == nil {
		t.Error("garbage token accepted")
	}
}

func TestListenerMayCallBack(t *testing.T) {
	a := newAuth(t)
	a.OnIdentityChange(func(ev domain.IdentityEvent) {
		if ev.Identity != nil {
			_ = a.SignOut(context.Background(), ev.UID)
		}
	})
	if _, err := a.SignIn(context.Background(), domain.Credential{Email: "ana@acme.test", Password: "secret123"}); err != nil {
		t.Fatal(err)
	}
}

func TestPasswordReset(t *testing.T) {
	a := newAuth(t)
	old, _ := a.SignIn(context.Background(), domain.Credential{Email: "ana@acme.test", Password: "secret123"})

	link, err := a.SendPasswordResetLink(context.Background(), "ANA@acme.test")
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(link)
	if err != nil || u.Host != "localhost:3000" || u.Query().Get("token") == "" {
		t.Fatalf("link = %s", link)
	}
	token := u.Query().Get("token")

	if err := a.ResetPassword(context.Background(), token, "brandnew1"); err != nil {
		t.Fatal(err)
	}
	if err := a.ResetPassword(context.Background(), token, "again123"); err == nil {
		t.Error("reset token reused")
	}
	if _, err := a.VerifyToken(old.AccessToken); err == nil {
		t.Error("token issued before the reset still valid")
	}
	if _, err := a.SignIn(context.Background(), domain.Credential{Email: "ana@acme.test", Password: "brandnew1"}); err != nil {
		t.Errorf("new password rejected: %v", err)
	}

	_, err = a.SendPasswordResetLink(context.Background(), "nobody@acme.test")
	var nf *domain.ErrNotFound
	if !errors.As(err, &nf) {
		t.Errorf("unknown email: %v", err)
	}
}

func TestChangeEmailAndRemove(t *testing.T) {
	a := newAuth(t)
	_ = a.Enroll(context.Background(), domain.Identity{UID: "u2", Email: "bo@acme.test"}, "secret456")

	if err := a.ChangeEmail(context.Background(), "u1", "bo@acme.test"); err == nil {
		t.Error("expected conflict")
	}
	if err := a.ChangeEmail(context.Background(), "u1", "ana2@acme.test"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SignIn(context.Background(), domain.Credential{Email: "ana@acme.test", Password: "secret123"}); err == nil {
		t.Error("old email still signs in")
	}
	res, err := a.SignIn(context.Background(), domain.Credential{Email: "ana2@acme.test", Password: "secret123"})
	if err != nil {
		t.Fatal(err)
	}

	if err := a.Remove(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.VerifyToken(res.AccessToken); err == nil {
		t.Error("token of a removed identity accepted")
	}
}

func TestEnroll_ShortPassword(t *testing.T) {
	a := newAuth(t)
	err := a.Enroll(context.Background(), domain.Identity{UID: "u3", Email: "c@acme.test"}, "123")
	var v *domain.ErrValidation
	if !errors.As(err, &v) {
		t.Errorf("expected validation error, got %v", err)
	}
}
