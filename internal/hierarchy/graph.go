// Package hierarchy resolves superiors, peers and subordinates inside one
// tenant.
//
// Stored profiles reference subordinates by email. Build translates those
// references into an adjacency keyed by profile id once; every query after
// that works on ids only. Branch managers supervise their branch through a
// single implicit edge instead of one explicit edge per member.
package hierarchy

import (
	"sort"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
)

// EdgeKind tags the variants of Edge.
type EdgeKind string

const (
	// EdgeExplicit comes from an email in the superior's teamMembers.
	EdgeExplicit EdgeKind = "explicit"
	// EdgeBranchManager covers every non-manager member of Branch.
	EdgeBranchManager EdgeKind = "branch-manager"
	// EdgeTenantOwner links a branch manager to the tenant owner.
	EdgeTenantOwner EdgeKind = "tenant-owner"
)

// Edge is a manager-of relation. To is empty for branch-manager edges,
// which are expanded against the branch at traversal time.
type Edge struct {
	Kind   EdgeKind `json:"kind"`
	From   string   `json:"from"`
	To     string   `json:"to,omitempty"`
	Branch string   `json:"branch,omitempty"`
}

// Graph is an immutable, resolved view of a tenant's profiles.
type Graph struct {
	byID     map[string]domain.Profile
	order    []string
	byEmail  map[string]string
	known    map[string]struct{}
	down     map[string][]string
	up       map[string][]string
	managers map[string][]string
	owners   []string
	orphaned map[string][]string
}

// less is the stable ordering used for every tie-break: role rank, then
// email, then id.
func less(a, b domain.Profile) bool {
	if a.Role.Rank() != b.Role.Rank() {
		return a.Role.Rank() < b.Role.Rank()
	}
	ea, eb := domain.NormalizeEmail(a.Email), domain.NormalizeEmail(b.Email)
	if ea != eb {
		return ea < eb
	}
	return a.ID < b.ID
}

// Build resolves profiles into a graph. Pending profiles never appear in
// results but still count as known email references.
func Build(profiles []domain.Profile) *Graph {
	g := &Graph{
		byID:     make(map[string]domain.Profile, len(profiles)),
		byEmail:  make(map[string]string, len(profiles)),
		known:    make(map[string]struct{}, len(profiles)),
		down:     make(map[string][]string),
		up:       make(map[string][]string),
		managers: make(map[string][]string),
		orphaned: make(map[string][]string),
	}

	nodes := make([]domain.Profile, 0, len(profiles))
	for _, p := range profiles {
		g.known[domain.NormalizeEmail(p.Email)] = struct{}{}
		if p.Pending() || p.ID == "" {
			continue
		}
		if _, dup := g.byID[p.ID]; dup {
			continue
		}
		g.byID[p.ID] = p
		nodes = append(nodes, p)
	}
	sort.SliceStable(nodes, func(i, j int) bool { return less(nodes[i], nodes[j]) })

	g.order = make([]string, 0, len(nodes))
	for _, p := range nodes {
		g.order = append(g.order, p.ID)
		email := domain.NormalizeEmail(p.Email)
		if _, taken := g.byEmail[email]; !taken {
			g.byEmail[email] = p.ID
		}
		switch p.Role {
		case domain.RoleOwner:
			g.owners = append(g.owners, p.ID)
		case domain.RoleManager:
			g.managers[p.BranchName] = append(g.managers[p.BranchName], p.ID)
		}
	}

	// Superiors are visited in stable order, so both adjacency lists come
	// out sorted without a second pass.
	for _, id := range g.order {
		p := g.byID[id]
		seen := make(map[string]struct{}, len(p.TeamMembers))
		for _, ref := range p.TeamMembers {
			email := domain.NormalizeEmail(ref)
			sub, ok := g.byEmail[email]
			if !ok {
				if _, exists := g.known[email]; !exists {
					g.orphaned[id] = append(g.orphaned[id], ref)
				}
				continue
			}
			if sub == id {
				continue
			}
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			g.down[id] = append(g.down[id], sub)
			g.up[sub] = append(g.up[sub], id)
		}
		sortIDs(g, g.down[id])
	}
	return g
}

func sortIDs(g *Graph, ids []string) {
	sort.SliceStable(ids, func(i, j int) bool { return less(g.byID[ids[i]], g.byID[ids[j]]) })
}

// Profile returns the resolved profile with the given id.
func (g *Graph) Profile(id string) (domain.Profile, bool) {
	p, ok := g.byID[id]
	return p, ok
}

// Lookup finds a profile by email reference.
func (g *Graph) Lookup(email string) (domain.Profile, bool) {
	id, ok := g.byEmail[domain.NormalizeEmail(email)]
	if !ok {
		return domain.Profile{}, false
	}
	return g.byID[id], true
}

// Profiles returns every resolved profile in stable order.
func (g *Graph) Profiles() []domain.Profile {
	out := make([]domain.Profile, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.byID[id])
	}
	return out
}

// Edges lists the explicit edges followed by one implicit edge per branch
// manager.
func (g *Graph) Edges() []Edge {
	var edges []Edge
	for _, from := range g.order {
		for _, to := range g.down[from] {
			edges = append(edges, Edge{Kind: EdgeExplicit, From: from, To: to})
		}
	}
	for _, id := range g.order {
		p := g.byID[id]
		if p.Role == domain.RoleManager {
			edges = append(edges, Edge{Kind: EdgeBranchManager, From: id, Branch: p.BranchName})
		}
	}
	return edges
}

// Orphaned returns the teamMembers emails of id that match no profile.
func (g *Graph) Orphaned(id string) []string {
	return append([]string(nil), g.orphaned[id]...)
}
