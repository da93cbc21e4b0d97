package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/session"

	"go.uber.org/zap"
)

// maxStateWait caps the ?wait= long-poll of the state endpoint.
const maxStateWait = 30 * time.Second

// sessionStateHandler returns the caller's current composite state.
//
// ?wait=<duration> turns the request into a long-poll. With
// ?since=<version> it is released by the first state published after that
// version; without it, once the session leaves the loading status. Either
// way the wait is capped at maxStateWait and the current state is returned
// when it elapses.
func sessionStateHandler(sessions *session.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/session/state")
		defer span.End()

		query := r.URL.Query()
		var wait time.Duration
		if v := query.Get("wait"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d < 0 {
				writeError(w, http.StatusBadRequest, "wait must be a non-negative duration")
				return
			}
			wait = min(d, maxStateWait)
		}

		ready := func(st domain.SessionState) bool { return st.Status != domain.SessionLoading }
		if v := query.Get("since"); v != "" {
			since, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be a state version")
				return
			}
			ready = func(st domain.SessionState) bool { return st.Version > since }
		}

		identity, _ := IdentityFromContext(ctx)
		s, err := sessions.Open(ctx, identity)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		state := s.State()
		if wait > 0 && !ready(state) {
			state = awaitState(ctx, s, wait, ready)
		}
		writeJSON(w, http.StatusOK, state)
	}
}

// awaitState blocks until s publishes a state accepted by ready, the wait
// elapses or ctx ends, and returns the state at that point.
func awaitState(ctx context.Context, s *session.Session, wait time.Duration, ready func(domain.SessionState) bool) domain.SessionState {
	settled := make(chan domain.SessionState, 1)
	cancel := s.Subscribe(func(st domain.SessionState) {
		if !ready(st) {
			return
		}
		select {
		case settled <- st:
		default:
		}
	})
	defer cancel()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case st := <-settled:
		return st
	case <-timer.C:
	case <-ctx.Done():
	}
	return s.State()
}

// sessionStreamHandler pushes every published state as a server-sent event
// until the client disconnects or the session signs out. Slow clients skip
// intermediate states and always receive the latest one. An attached
// stream keeps its session from being evicted as idle.
func sessionStreamHandler(sessions *session.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming unsupported")
			return
		}

		identity, _ := IdentityFromContext(ctx)
		s, err := sessions.Open(ctx, identity)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}

		release := sessions.Attach(identity.UID)
		defer release()

		updates := make(chan domain.SessionState, 1)
		cancel := s.Subscribe(func(st domain.SessionState) {
			// Listeners run under the session lock: never block here.
			for {
				select {
				case updates <- st:
					return
				default:
				}
				select {
				case <-updates:
				default:
				}
			}
		})
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepAlive := time.NewTicker(15 * time.Second)
		defer keepAlive.Stop()

		seen := false
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				fmt.Fprint(w, ": keep-alive\n\n")
				flusher.Flush()
			case st := <-updates:
				if err := writeEvent(w, st); err != nil {
					logger.Debug("session stream write failed", zap.Error(err))
					return
				}
				flusher.Flush()
				if st.Status != domain.SessionUnauthenticated {
					seen = true
				} else if seen {
					return
				}
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, st domain.SessionState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: state\nid: %d\ndata: %s\n\n", st.Epoch, data)
	return err
}
