package domain

import "time"

// SessionStatus is the lifecycle state of an identity session.
type SessionStatus string

const (
	SessionUnauthenticated SessionStatus = "unauthenticated"
	SessionLoading         SessionStatus = "loading"
	SessionActive          SessionStatus = "active"
)

// Aggregates is the derived, non-persisted performance snapshot of a sale log.
type Aggregates struct {
	TotalSalesToday   float64  `json:"totalSalesToday"`
	TotalSalesWeek    float64  `json:"totalSalesWeek"`
	TotalSalesMonth   float64  `json:"totalSalesMonth"`
	AverageDailyWeek  float64  `json:"averageDailyWeek"`
	AverageDailyMonth float64  `json:"averageDailyMonth"`
	Streak            int      `json:"streak"`
	LifetimeValue     float64  `json:"lifetimeValue"`
	Badges            []string `json:"badges"`
}

// MemberView is a tenant member with its derived aggregates.
// SalesLoaded stays false until the member's sale log was delivered once.
type MemberView struct {
	Profile     Profile    `json:"profile"`
	Aggregates  Aggregates `json:"aggregates"`
	SalesLoaded bool       `json:"salesLoaded"`
}

// HierarchyView is the resolved position of one profile in its tenant.
type HierarchyView struct {
	Superior     *ProfileRef  `json:"superior,omitempty"`
	SuperiorVia  string       `json:"superiorVia,omitempty"`
	Peers        []ProfileRef `json:"peers"`
	Subordinates []ProfileRef `json:"subordinates"`
	// Orphaned lists teamMembers emails that match no profile.
	Orphaned []string `json:"orphaned,omitempty"`
}

// LicensePool is the seat accounting of a branch.
type LicensePool struct {
	Branch    string `json:"branch"`
	Used      int    `json:"used"`
	Purchased int    `json:"purchased"`
	Available int    `json:"available"`
}

// SyncError records the last failure of one subscription partition.
type SyncError struct {
	Partition string    `json:"partition"`
	Message   string    `json:"message"`
	At        time.Time `json:"at"`
}

// SessionState is the composite snapshot published to the UI layer.
// Everything in one snapshot belongs to a single epoch. Version grows with
// every publish of the session, across epochs.
type SessionState struct {
	Status       SessionStatus                 `json:"status"`
	Epoch        uint64                        `json:"epoch"`
	Version      uint64                        `json:"version"`
	UID          string                        `json:"uid,omitempty"`
	Profile      *Profile                      `json:"profile,omitempty"`
	Aggregates   *Aggregates                   `json:"aggregates,omitempty"`
	Sales        []Sale                        `json:"sales,omitempty"`
	AllUsers     []MemberView                  `json:"allUsers,omitempty"`
	Users        []MemberView                  `json:"users,omitempty"`
	Hierarchy    *HierarchyView                `json:"hierarchy,omitempty"`
	Licenses     *LicensePool                  `json:"licenses,omitempty"`
	Content      map[ContentKind][]ContentItem `json:"content,omitempty"`
	Appointments []Appointment                 `json:"appointments,omitempty"`
	Invoices     []Invoice                     `json:"invoices,omitempty"`
	Errors       []SyncError                   `json:"errors,omitempty"`
	UpdatedAt    time.Time                     `json:"updatedAt"`
}

// HasErrors reports whether any partition is currently failing.
func (s SessionState) HasErrors() bool {
	return len(s.Errors) > 0
}
