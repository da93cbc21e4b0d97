package hierarchy

import "github.com/boddenberg/salescoach-bfa-go/internal/domain"

// RewriteEmail returns, for every profile whose teamMembers references
// oldEmail, its teamMembers with the reference replaced by newEmail.
// Profiles without such a reference are absent from the result.
func RewriteEmail(profiles []domain.Profile, oldEmail, newEmail string) map[string][]string {
	from := domain.NormalizeEmail(oldEmail)
	out := make(map[string][]string)
	for _, p := range profiles {
		var (
			rewritten []string
			changed   bool
			hasNew    bool
		)
		for _, ref := range p.TeamMembers {
			if domain.NormalizeEmail(ref) == domain.NormalizeEmail(newEmail) {
				hasNew = true
			}
		}
		for _, ref := range p.TeamMembers {
			if domain.NormalizeEmail(ref) != from {
				rewritten = append(rewritten, ref)
				continue
			}
			changed = true
			if !hasNew {
				rewritten = append(rewritten, newEmail)
				hasNew = true
			}
		}
		if changed {
			if rewritten == nil {
				rewritten = []string{}
			}
			out[p.ID] = rewritten
		}
	}
	return out
}

// Referrers returns the profiles whose teamMembers contain email.
func Referrers(profiles []domain.Profile, email string) []domain.Profile {
	target := domain.NormalizeEmail(email)
	var out []domain.Profile
	for _, p := range profiles {
		for _, ref := range p.TeamMembers {
			if domain.NormalizeEmail(ref) == target {
				out = append(out, p)
				break
			}
		}
	}
	return out
}
