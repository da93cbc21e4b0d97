package domain

import (
	"strings"
	"time"
)

// ============================================================
// Roles
// ============================================================

// Role is a position in the tenant hierarchy.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleManager     Role = "manager"
	RoleTeamLeader  Role = "team-leader"
	RoleLeader      Role = "leader"
	RoleSalesperson Role = "salesperson"
)

var roleRank = map[Role]int{
	RoleOwner:       0,
	RoleManager:     1,
	RoleTeamLeader:  2,
	RoleLeader:      3,
	RoleSalesperson: 4,
}

// Rank orders roles from owner (0) down to salesperson (4).
// Unknown roles sort after every known one.
func (r Role) Rank() int {
	if rank, ok := roleRank[r]; ok {
		return rank
	}
	return len(roleRank)
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// IsAdmin reports whether the role may administer members and licenses.
func (r Role) IsAdmin() bool {
	return r == RoleOwner || r == RoleManager
}

// Outranks reports whether r sits strictly above other.
func (r Role) Outranks(other Role) bool {
	return r.Rank() < other.Rank()
}

// ============================================================
// Profiles
// ============================================================

// ProfileStatus is the approval state of a profile.
type ProfileStatus string

const (
	StatusPending  ProfileStatus = "pending"
	StatusApproved ProfileStatus = "approved"
)

// Profile is the user record of one identity inside a tenant.
// TeamMembers holds subordinate emails, not identifiers.
type Profile struct {
	ID                string        `json:"id"`
	CompanyID         string        `json:"companyId"`
	BranchName        string        `json:"branchName"`
	Name              string        `json:"name"`
	Email             string        `json:"email"`
	PictureURL        string        `json:"pictureUrl,omitempty"`
	Role              Role          `json:"role"`
	Status            ProfileStatus `json:"status"`
	TeamMembers       []string      `json:"teamMembers,omitempty"`
	PurchasedLicenses int           `json:"purchasedLicenses"`
	Badges            []string      `json:"badges,omitempty"`
	CreatedAt         time.Time     `json:"createdAt"`
}

// Pending reports whether the profile still awaits approval.
func (p Profile) Pending() bool {
	return p.Status == StatusPending
}

// Ref returns the summary used in hierarchy and member lists.
func (p Profile) Ref() ProfileRef {
	return ProfileRef{
		ID:         p.ID,
		Name:       p.Name,
		Email:      p.Email,
		Role:       p.Role,
		BranchName: p.BranchName,
	}
}

// NormalizeEmail is the canonical form used to compare email references.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ProfileRef is a lightweight reference to another profile.
type ProfileRef struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Role       Role   `json:"role"`
	BranchName string `json:"branchName"`
}

// ============================================================
// Identity
// ============================================================

// Identity is an authenticated principal issued by the auth collaborator.
type Identity struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

// IdentityEvent is emitted by the auth collaborator when the identity
// behind UID signs in (Identity set) or signs out (Identity nil).
type IdentityEvent struct {
	UID      string
	Identity *Identity
}

// Credential is what the caller presents to sign in.
type Credential struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignInResult is returned by a successful sign-in.
type SignInResult struct {
	Identity    Identity `json:"identity"`
	AccessToken string   `json:"access_token"`
	ExpiresIn   int      `json:"expires_in"`
}

// ============================================================
// Sales
// ============================================================

// Sale is an append-only event owned by one profile.
type Sale struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	PackageID string    `json:"packageId,omitempty"`
}

// ============================================================
// Requests
// ============================================================

// NewMemberRequest creates a subordinate profile.
type NewMemberRequest struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	Password   string `json:"password,omitempty"`
	Role       Role   `json:"role"`
	BranchName string `json:"branchName,omitempty"`
}

// RecordSaleRequest appends a sale to the caller's log.
type RecordSaleRequest struct {
	Value     float64    `json:"value"`
	PackageID string     `json:"packageId,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// RecordSaleResult carries the stored sale and any badge it unlocked.
type RecordSaleResult struct {
	Sale      Sale     `json:"sale"`
	NewBadges []string `json:"new_badges"`
}
