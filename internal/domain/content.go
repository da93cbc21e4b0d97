package domain

import "time"

// ContentKind names a tenant-wide shared content partition.
type ContentKind string

const (
	ContentKnowledgeBase      ContentKind = "knowledgeBase"
	ContentMotivationPosts    ContentKind = "motivationPosts"
	ContentCompetitorNotes    ContentKind = "competitorNotes"
	ContentProductPackages    ContentKind = "productPackages"
	ContentMarketIntelligence ContentKind = "marketIntelligenceNotes"
)

// ContentKinds lists every shared content partition a session observes.
var ContentKinds = []ContentKind{
	ContentKnowledgeBase,
	ContentMotivationPosts,
	ContentCompetitorNotes,
	ContentProductPackages,
	ContentMarketIntelligence,
}

// ContentItem is one entry of a shared content partition.
// Fields beyond the common ones are kept in Extra.
type ContentItem struct {
	ID        string         `json:"id"`
	CompanyID string         `json:"companyId"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	CreatedBy string         `json:"createdBy,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Appointment belongs to OwnerID and is visible to TaggedUsers.
type Appointment struct {
	ID          string    `json:"id"`
	CompanyID   string    `json:"companyId"`
	OwnerID     string    `json:"ownerId"`
	TaggedUsers []string  `json:"taggedUsers,omitempty"`
	Title       string    `json:"title"`
	StartsAt    time.Time `json:"startsAt"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Invoice is a billing record of the tenant; only owners observe them.
type Invoice struct {
	ID        string    `json:"id"`
	CompanyID string    `json:"companyId"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency,omitempty"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}
