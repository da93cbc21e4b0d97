package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
	"github.com/boddenberg/salescoach-bfa-go/internal/session"

	"go.uber.org/zap"
)

// passwordResetter is implemented by auth providers that complete resets
// themselves. Hosted providers finish the reset on their own pages.
type passwordResetter interface {
	ResetPassword(ctx context.Context, token, password string) error
}

type resetLinkRequest struct {
	Email string `json:"email"`
}

type resetLinkResponse struct {
	Message string `json:"message"`
}

type resetPasswordRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

func signInHandler(auth port.Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/sign-in")
		defer span.End()

		var cred domain.Credential
		if !decodeJSON(w, r, &cred) {
			return
		}
		if cred.Email == "" || cred.Password == "" {
			writeError(w, http.StatusBadRequest, "email and password are required")
			return
		}

		resp, err := auth.SignIn(ctx, cred)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// signOutHandler revokes the caller's tokens. The auth collaborator's
// sign-out event closes the session; closing it here as well covers
// providers that do not emit one.
func signOutHandler(auth port.Authenticator, sessions *session.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/sign-out")
		defer span.End()

		uid := callerID(r)
		if err := auth.SignOut(ctx, uid); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		sessions.Close(uid)
		w.WriteHeader(http.StatusNoContent)
	}
}

// resetLinkHandler answers the same way whether or not the email is known.
func resetLinkHandler(auth port.Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/reset-link")
		defer span.End()

		var req resetLinkRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Email == "" {
			writeError(w, http.StatusBadRequest, "email is required")
			return
		}

		if _, err := auth.SendPasswordResetLink(ctx, req.Email); err != nil {
			var nf *domain.ErrNotFound
			if !errors.As(err, &nf) {
				handleServiceError(w, err, logger)
				return
			}
			logger.Debug("reset link requested for unknown email")
		}
		writeJSON(w, http.StatusAccepted, resetLinkResponse{
			Message: "if the address is registered, a reset link is on its way",
		})
	}
}

func resetPasswordHandler(auth port.Authenticator, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/auth/reset-password")
		defer span.End()

		resetter, ok := auth.(passwordResetter)
		if !ok {
			writeError(w, http.StatusNotImplemented, "password reset is completed by the identity provider")
			return
		}

		var req resetPasswordRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.Token == "" || req.Password == "" {
			writeError(w, http.StatusBadRequest, "token and password are required")
			return
		}

		if err := resetter.ResetPassword(ctx, req.Token, req.Password); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
