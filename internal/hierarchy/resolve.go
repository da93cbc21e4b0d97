package hierarchy

import (
	"sort"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
)

// outEdges are the edges through which p supervises others. A manager
// supervises its branch and, like everyone else, its explicit team.
func (g *Graph) outEdges(p domain.Profile) []Edge {
	edges := make([]Edge, 0, len(g.down[p.ID])+1)
	if p.Role == domain.RoleManager {
		edges = append(edges, Edge{Kind: EdgeBranchManager, From: p.ID, Branch: p.BranchName})
	}
	for _, to := range g.down[p.ID] {
		edges = append(edges, Edge{Kind: EdgeExplicit, From: p.ID, To: to})
	}
	return edges
}

// inEdges are the candidate superior edges of p, highest priority first.
func (g *Graph) inEdges(p domain.Profile) []Edge {
	edges := make([]Edge, 0, len(g.up[p.ID])+1)
	for _, from := range g.up[p.ID] {
		edges = append(edges, Edge{Kind: EdgeExplicit, From: from, To: p.ID})
	}
	switch p.Role {
	case domain.RoleOwner:
	case domain.RoleManager:
		for _, owner := range g.owners {
			if owner != p.ID {
				edges = append(edges, Edge{Kind: EdgeTenantOwner, From: owner, To: p.ID})
			}
		}
	default:
		for _, m := range g.managers[p.BranchName] {
			edges = append(edges, Edge{Kind: EdgeBranchManager, From: m, To: p.ID, Branch: p.BranchName})
		}
	}
	return edges
}

// expand returns the subordinate ids covered by e.
func (g *Graph) expand(e Edge) []string {
	if e.Kind != EdgeBranchManager {
		return []string{e.To}
	}
	var ids []string
	for _, id := range g.order {
		p := g.byID[id]
		if id == e.From || p.BranchName != e.Branch {
			continue
		}
		if p.Role == domain.RoleManager || p.Role == domain.RoleOwner {
			continue
		}
		if g.ledByOther(id, e.From) {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// ledByOther reports whether id has an explicit superior other than
// manager, in which case manager's branch edge does not claim it.
func (g *Graph) ledByOther(id, manager string) bool {
	for _, sup := range g.up[id] {
		if sup != manager {
			return true
		}
	}
	return false
}

// SubordinatesOf returns the direct reports of id in stable order.
func (g *Graph) SubordinatesOf(id string) []domain.Profile {
	p, ok := g.byID[id]
	if !ok {
		return nil
	}
	var out []domain.Profile
	seen := make(map[string]struct{})
	for _, e := range g.outEdges(p) {
		for _, sub := range g.expand(e) {
			if _, dup := seen[sub]; dup {
				continue
			}
			seen[sub] = struct{}{}
			out = append(out, g.byID[sub])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// SuperiorOf returns the direct superior of id and the edge kind that
// produced it. Explicit edges win over implicit ones; among equals the
// stable ordering decides.
func (g *Graph) SuperiorOf(id string) (domain.Profile, EdgeKind, error) {
	p, ok := g.byID[id]
	if !ok {
		return domain.Profile{}, "", &domain.ErrNotFound{Resource: "profile", ID: id}
	}
	edges := g.inEdges(p)
	if len(edges) == 0 {
		return domain.Profile{}, "", &domain.ErrNotFound{Resource: "superior", ID: p.Email}
	}
	return g.byID[edges[0].From], edges[0].Kind, nil
}

// PeersOf returns the other subordinates of a salesperson's superior.
// Other roles have no peers.
func (g *Graph) PeersOf(id string) []domain.Profile {
	p, ok := g.byID[id]
	if !ok || p.Role != domain.RoleSalesperson {
		return nil
	}
	sup, _, err := g.SuperiorOf(id)
	if err != nil {
		return nil
	}
	var peers []domain.Profile
	for _, s := range g.SubordinatesOf(sup.ID) {
		if s.ID != id {
			peers = append(peers, s)
		}
	}
	return peers
}

// Resolve builds the hierarchy view of id.
func (g *Graph) Resolve(id string) domain.HierarchyView {
	view := domain.HierarchyView{
		Peers:        refs(g.PeersOf(id)),
		Subordinates: refs(g.SubordinatesOf(id)),
		Orphaned:     g.Orphaned(id),
	}
	if sup, kind, err := g.SuperiorOf(id); err == nil {
		ref := sup.Ref()
		view.Superior = &ref
		view.SuperiorVia = string(kind)
	}
	return view
}

func refs(profiles []domain.Profile) []domain.ProfileRef {
	out := make([]domain.ProfileRef, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.Ref())
	}
	return out
}
