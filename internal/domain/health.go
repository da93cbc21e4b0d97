package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded
	Services []ServiceHealth `json:"services"`
	Sessions int             `json:"sessions"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// SyncMetrics is returned by GET /v1/metrics/sync.
type SyncMetrics struct {
	ActiveSessions      int64   `json:"activeSessions"`
	ActiveSubscriptions int64   `json:"activeSubscriptions"`
	EpochsStarted       int64   `json:"epochsStarted"`
	StaleDeliveries     int64   `json:"staleDeliveries"`
	SubscriptionErrors  int64   `json:"subscriptionErrors"`
	ForcedSignOuts      int64   `json:"forcedSignOuts"`
	CascadeFailures     int64   `json:"cascadeFailures"`
	CacheHitRate        float64 `json:"cacheHitRate"`
}
