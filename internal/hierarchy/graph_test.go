package hierarchy_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/hierarchy"
)

func profile(id string, role domain.Role, branch string, team ...string) domain.Profile {
	return domain.Profile{
		ID:          id,
		CompanyID:   "acme",
		BranchName:  branch,
		Name:        id,
		Email:       id + "@acme.test",
		Role:        role,
		Status:      domain.StatusApproved,
		TeamMembers: team,
	}
}

func ids(profiles []domain.Profile) []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.ID)
	}
	return out
}

// alphaTenant is owner O, manager M and leader L leading salesperson S,
// all in branch Alpha.
func alphaTenant() []domain.Profile {
	return []domain.Profile{
		profile("s", domain.RoleSalesperson, "Alpha"),
		profile("l", domain.RoleLeader, "Alpha", "s@acme.test"),
		profile("m", domain.RoleManager, "Alpha"),
		profile("o", domain.RoleOwner, "HQ"),
	}
}

func TestSuperiorOf_ExplicitEdge(t *testing.T) {
	g := hierarchy.Build(alphaTenant())

	sup, kind, err := g.SuperiorOf("s")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sup.ID != "l" || kind != hierarchy.EdgeExplicit {
		t.Errorf("expected l via explicit edge, got %s via %s", sup.ID, kind)
	}
}

func TestSuperiorOf_BranchManagerFallback(t *testing.T) {
	g := hierarchy.Build(alphaTenant())

	sup, kind, err := g.SuperiorOf("l")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sup.ID != "m" || kind != hierarchy.EdgeBranchManager {
		t.Errorf("expected m via branch manager, got %s via %s", sup.ID, kind)
	}
}

func TestSuperiorOf_ManagerFallsBackToOwner(t *testing.T) {
	g := hierarchy.Build(alphaTenant())

	sup, kind, err := g.SuperiorOf("m")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if sup.ID != "o" || kind != hierarchy.EdgeTenantOwner {
		t.Errorf("expected o via tenant owner, got %s via %s", sup.ID, kind)
	}
}

func TestSuperiorOf_NotFound(t *testing.T) {
	g := hierarchy.Build(alphaTenant())

	_, _, err := g.SuperiorOf("o")
	var notFound *domain.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound for the owner, got %v", err)
	}

	lonely := hierarchy.Build([]domain.Profile{profile("x", domain.RoleSalesperson, "Beta")})
	if _, _, err := lonely.SuperiorOf("x"); !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound without a branch manager, got %v", err)
	}

	if _, _, err := lonely.SuperiorOf("missing"); !errors.As(err, &notFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
}

func TestSuperiorOf_DeterministicTieBreak(t *testing.T) {
	profiles := []domain.Profile{
		profile("s", domain.RoleSalesperson, "Alpha"),
		profile("zed", domain.RoleLeader, "Alpha", "s@acme.test"),
		profile("amy", domain.RoleLeader, "Alpha", "s@acme.test"),
		profile("tl", domain.RoleTeamLeader, "Alpha", "s@acme.test"),
	}

	for i := 0; i < 20; i++ {
		g := hierarchy.Build(profiles)
		sup, _, err := g.SuperiorOf("s")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		// team-leader outranks leader, so it wins before email order applies.
		if sup.ID != "tl" {
			t.Fatalf("expected tl, got %s", sup.ID)
		}
	}

	withoutTL := hierarchy.Build(profiles[:3])
	sup, _, _ := withoutTL.SuperiorOf("s")
	if sup.ID != "amy" {
		t.Errorf("expected amy by email order, got %s", sup.ID)
	}
}

func TestSubordinatesOf_ManagerDoesNotDoubleCount(t *testing.T) {
	g := hierarchy.Build(alphaTenant())

	got := ids(g.SubordinatesOf("m"))
	if !reflect.DeepEqual(got, []string{"l"}) {
		t.Errorf("expected [l], got %v", got)
	}

	got = ids(g.SubordinatesOf("l"))
	if !reflect.DeepEqual(got, []string{"s"}) {
		t.Errorf("expected [s], got %v", got)
	}
}

func TestSubordinatesOf_ManagerScopedToBranch(t *testing.T) {
	profiles := append(alphaTenant(),
		profile("b1", domain.RoleSalesperson, "Beta"),
		profile("m2", domain.RoleManager, "Alpha"),
	)
	g := hierarchy.Build(profiles)

	got := ids(g.SubordinatesOf("m"))
	if !reflect.DeepEqual(got, []string{"l"}) {
		t.Errorf("expected [l] (no other branch, no other manager), got %v", got)
	}
}

func TestSubordinatesOf_ExplicitEdgeFromManagerStillCounts(t *testing.T) {
	profiles := []domain.Profile{
		profile("m", domain.RoleManager, "Alpha", "s@acme.test"),
		profile("s", domain.RoleSalesperson, "Alpha"),
	}
	g := hierarchy.Build(profiles)

	got := ids(g.SubordinatesOf("m"))
	if !reflect.DeepEqual(got, []string{"s"}) {
		t.Errorf("expected [s], got %v", got)
	}
}

func TestSubordinatesOf_CrossBranchExplicitEdge(t *testing.T) {
	profiles := []domain.Profile{
		profile("m", domain.RoleManager, "Alpha", "x@acme.test"),
		profile("a", domain.RoleSalesperson, "Alpha"),
		profile("b", domain.RoleManager, "Beta"),
		profile("x", domain.RoleSalesperson, "Beta"),
		profile("y", domain.RoleSalesperson, "Beta"),
	}
	g := hierarchy.Build(profiles)

	sup, kind, err := g.SuperiorOf("x")
	if err != nil || sup.ID != "m" || kind != hierarchy.EdgeExplicit {
		t.Fatalf("expected m via explicit edge, got %s via %s (%v)", sup.ID, kind, err)
	}
	if got := ids(g.SubordinatesOf("m")); !reflect.DeepEqual(got, []string{"a", "x"}) {
		t.Errorf("expected [a x], got %v", got)
	}
	if got := ids(g.SubordinatesOf("b")); !reflect.DeepEqual(got, []string{"y"}) {
		t.Errorf("expected [y], got %v", got)
	}
	if got := ids(g.PeersOf("x")); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected [a], got %v", got)
	}

	// Every subordinate is claimed by exactly the superior it resolves to.
	for _, p := range g.Profiles() {
		for _, sub := range g.SubordinatesOf(p.ID) {
			if s, _, _ := g.SuperiorOf(sub.ID); s.ID != p.ID {
				t.Errorf("%s claims %s whose superior is %s", p.ID, sub.ID, s.ID)
			}
		}
	}
}

func TestPeersOf(t *testing.T) {
	profiles := append(alphaTenant(),
		profile("s2", domain.RoleSalesperson, "Alpha"),
		profile("s3", domain.RoleSalesperson, "Alpha"),
	)
	profiles[1].TeamMembers = []string{"s@acme.test", "s2@acme.test"}
	g := hierarchy.Build(profiles)

	if got := ids(g.PeersOf("s")); !reflect.DeepEqual(got, []string{"s2"}) {
		t.Errorf("expected [s2], got %v", got)
	}
	// s3 has no leader so its superior is the manager, whose reports are l and s3.
	if got := ids(g.PeersOf("s3")); !reflect.DeepEqual(got, []string{"l"}) {
		t.Errorf("expected [l], got %v", got)
	}
	if got := g.PeersOf("l"); got != nil {
		t.Errorf("expected no peers for a leader, got %v", ids(got))
	}
}

func TestBuild_PendingProfilesExcluded(t *testing.T) {
	pending := profile("p", domain.RoleSalesperson, "Alpha")
	pending.Status = domain.StatusPending
	profiles := append(alphaTenant(), pending)
	profiles[1].TeamMembers = append(profiles[1].TeamMembers, "p@acme.test")

	g := hierarchy.Build(profiles)

	if _, ok := g.Profile("p"); ok {
		t.Error("pending profile must not be resolved")
	}
	if got := ids(g.SubordinatesOf("l")); !reflect.DeepEqual(got, []string{"s"}) {
		t.Errorf("expected [s], got %v", got)
	}
	if got := g.Orphaned("l"); len(got) != 0 {
		t.Errorf("pending member is not an orphan, got %v", got)
	}
}

func TestBuild_OrphanedEmail(t *testing.T) {
	profiles := alphaTenant()
	profiles[1].TeamMembers = append(profiles[1].TeamMembers, "renamed@acme.test")
	g := hierarchy.Build(profiles)

	if got := g.Orphaned("l"); !reflect.DeepEqual(got, []string{"renamed@acme.test"}) {
		t.Errorf("expected orphaned reference, got %v", got)
	}
}

func TestBuild_EmailMatchIsCaseInsensitive(t *testing.T) {
	profiles := alphaTenant()
	profiles[1].TeamMembers = []string{"  S@ACME.test "}
	g := hierarchy.Build(profiles)

	if got := ids(g.SubordinatesOf("l")); !reflect.DeepEqual(got, []string{"s"}) {
		t.Errorf("expected [s], got %v", got)
	}
	if p, ok := g.Lookup("S@acme.TEST"); !ok || p.ID != "s" {
		t.Errorf("expected lookup to find s, got %v %v", p.ID, ok)
	}
}

func TestEdges(t *testing.T) {
	g := hierarchy.Build(alphaTenant())

	want := []hierarchy.Edge{
		{Kind: hierarchy.EdgeExplicit, From: "l", To: "s"},
		{Kind: hierarchy.EdgeBranchManager, From: "m", Branch: "Alpha"},
	}
	if got := g.Edges(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %+v, got %+v", want, got)
	}
}

func TestResolve(t *testing.T) {
	g := hierarchy.Build(alphaTenant())

	view := g.Resolve("l")
	if view.Superior == nil || view.Superior.ID != "m" {
		t.Fatalf("expected superior m, got %+v", view.Superior)
	}
	if view.SuperiorVia != string(hierarchy.EdgeBranchManager) {
		t.Errorf("expected branch-manager, got %s", view.SuperiorVia)
	}
	if len(view.Subordinates) != 1 || view.Subordinates[0].ID != "s" {
		t.Errorf("expected subordinate s, got %+v", view.Subordinates)
	}
	if len(view.Peers) != 0 {
		t.Errorf("expected no peers, got %+v", view.Peers)
	}
}
