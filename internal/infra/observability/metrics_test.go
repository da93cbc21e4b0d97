package observability_test

import (
	"testing"
	"time"

	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
)

func TestGetSyncSnapshot(t *testing.T) {
	m := observability.NewMetrics()

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.SubscriptionOpened("profile")
	m.SubscriptionOpened("sales")
	m.SubscriptionOpened("sales")
	m.SubscriptionClosed("sales")
	m.IncrEpoch()
	m.IncrEpoch()
	m.IncrStaleDelivery("users")
	m.IncrSubscriptionError("invoices")
	m.IncrForcedSignOut("pending")
	m.IncrCascadeFailure()
	m.IncrCacheHit("documents")
	m.IncrCacheHit("documents")
	m.IncrCacheHit("documents")
	m.IncrCacheMiss("documents")
	m.RecordRequestDuration("supabase.get", 5*time.Millisecond)

	got := m.GetSyncSnapshot()
	if got.ActiveSessions != 1 {
		t.Errorf("expected 1 active session, got %d", got.ActiveSessions)
	}
	if got.ActiveSubscriptions != 2 {
		t.Errorf("expected 2 active subscriptions, got %d", got.ActiveSubscriptions)
	}
	if got.EpochsStarted != 2 || got.StaleDeliveries != 1 || got.SubscriptionErrors != 1 {
		t.Errorf("unexpected counters %+v", got)
	}
	if got.ForcedSignOuts != 1 || got.CascadeFailures != 1 {
		t.Errorf("unexpected counters %+v", got)
	}
	if got.CacheHitRate != 0.75 {
		t.Errorf("expected hit rate 0.75, got %v", got.CacheHitRate)
	}
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	a := observability.NewMetrics()
	b := observability.NewMetrics()
	a.IncrEpoch()

	if got := b.GetSyncSnapshot().EpochsStarted; got != 0 {
		t.Errorf("registries share state: %d", got)
	}
}

func TestNewLogger_FallsBackToInfo(t *testing.T) {
	logger := observability.NewLogger("shouting")
	if logger.Core().Enabled(-1) {
		t.Error("debug should be disabled for an unknown level")
	}
	if !observability.NewLogger("debug").Core().Enabled(-1) {
		t.Error("debug should be enabled at debug level")
	}
}
