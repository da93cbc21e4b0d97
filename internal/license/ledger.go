// Package license computes per-branch seat usage.
package license

import (
	"sort"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
)

// Used counts the profiles occupying a seat. Pending profiles hold a seat
// too: the seat is taken when the member is created, not when approved.
func Used(branchProfiles []domain.Profile) int {
	return len(branchProfiles)
}

// InBranch filters profiles down to one branch.
func InBranch(profiles []domain.Profile, branch string) []domain.Profile {
	var out []domain.Profile
	for _, p := range profiles {
		if p.BranchName == branch {
			out = append(out, p)
		}
	}
	return out
}

// Holder returns the profile whose purchasedLicenses funds the branch: its
// manager, or the tenant owner when the branch has none. Among several
// candidates the lowest email wins.
func Holder(profiles []domain.Profile, branch string) (domain.Profile, bool) {
	var managers, owners []domain.Profile
	for _, p := range profiles {
		switch {
		case p.Role == domain.RoleManager && p.BranchName == branch:
			managers = append(managers, p)
		case p.Role == domain.RoleOwner:
			owners = append(owners, p)
		}
	}
	for _, group := range [][]domain.Profile{managers, owners} {
		if len(group) == 0 {
			continue
		}
		sort.SliceStable(group, func(i, j int) bool {
			return domain.NormalizeEmail(group[i].Email) < domain.NormalizeEmail(group[j].Email)
		})
		return group[0], true
	}
	return domain.Profile{}, false
}

// PoolFor computes the seat pool of branch from the full tenant profile set.
func PoolFor(profiles []domain.Profile, branch string) domain.LicensePool {
	pool := domain.LicensePool{
		Branch: branch,
		Used:   Used(InBranch(profiles, branch)),
	}
	if holder, ok := Holder(profiles, branch); ok {
		pool.Purchased = holder.PurchasedLicenses
	}
	pool.Available = pool.Purchased - pool.Used
	if pool.Available < 0 {
		pool.Available = 0
	}
	return pool
}

// CanAddMember reports whether one more member fits.
func CanAddMember(pool domain.LicensePool) bool {
	return pool.Used < pool.Purchased
}

// CheckCapacity returns *domain.ErrCapacity when the pool is full. The
// remediation depends on whether the caller can buy seats itself.
func CheckCapacity(pool domain.LicensePool, caller domain.Role) error {
	if CanAddMember(pool) {
		return nil
	}
	remediation := domain.RemediationRequestPurchase
	if caller.IsAdmin() {
		remediation = domain.RemediationSelfPurchase
	}
	return &domain.ErrCapacity{
		Branch:      pool.Branch,
		Used:        pool.Used,
		Purchased:   pool.Purchased,
		Remediation: remediation,
	}
}

// Decrease returns the purchased count after giving back amount seats:
// max(used, purchased-amount). The result never drops below the seats in
// use, so an oversubscribed pool is raised to its usage. A non-positive
// amount gives nothing back.
func Decrease(pool domain.LicensePool, amount int) int {
	if amount < 0 {
		amount = 0
	}
	return max(pool.Used, pool.Purchased-amount)
}
