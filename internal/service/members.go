// Package service holds the request/response use cases that mutate tenant
// data: member administration, license purchases and sale recording.
// Every mutation checks the caller's rights before it writes.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/hierarchy"
	"github.com/boddenberg/salescoach-bfa-go/internal/infra/observability"
	"github.com/boddenberg/salescoach-bfa-go/internal/license"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

var tracer = otel.Tracer("service/members")

// MemberService administers the profiles of a tenant.
type MemberService struct {
	store    port.RemoteStore
	enroller port.CredentialEnroller
	metrics  *observability.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewMemberService creates a member service. enroller may be nil when
// credentials are managed outside this process.
func NewMemberService(store port.RemoteStore, enroller port.CredentialEnroller, metrics *observability.Metrics, logger *zap.Logger) *MemberService {
	return &MemberService{
		store:    store,
		enroller: enroller,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// ============================================================
// Lookups
// ============================================================

func (s *MemberService) profile(ctx context.Context, uid string) (domain.Profile, error) {
	doc, err := s.store.Get(ctx, port.DocPath("users", uid))
	if err != nil {
		var nf *domain.ErrNotFound
		if errors.As(err, &nf) {
			return domain.Profile{}, &domain.ErrNotFound{Resource: "profile", ID: uid}
		}
		return domain.Profile{}, fmt.Errorf("get profile: %w", err)
	}
	var p domain.Profile
	if err := doc.Decode(&p); err != nil {
		return domain.Profile{}, fmt.Errorf("decode profile %s: %w", uid, err)
	}
	p.ID = doc.ID
	return p, nil
}

// caller loads the acting profile. Pending profiles may not act.
func (s *MemberService) caller(ctx context.Context, uid string) (domain.Profile, error) {
	p, err := s.profile(ctx, uid)
	if err != nil {
		return p, err
	}
	if p.Pending() {
		return p, &domain.ErrForbidden{Action: "act while pending approval"}
	}
	return p, nil
}

func (s *MemberService) tenant(ctx context.Context, companyID string) ([]domain.Profile, error) {
	docs, err := s.store.List(ctx, port.Query{Collection: "users", Filters: []port.Filter{port.Eq("companyId", companyID)}})
	if err != nil {
		return nil, fmt.Errorf("list tenant profiles: %w", err)
	}
	out := make([]domain.Profile, 0, len(docs))
	for _, d := range docs {
		var p domain.Profile
		if err := d.Decode(&p); err != nil {
			return nil, fmt.Errorf("decode profile %s: %w", d.ID, err)
		}
		p.ID = d.ID
		out = append(out, p)
	}
	return out, nil
}

func (s *MemberService) emailTaken(ctx context.Context, email string) (bool, error) {
	docs, err := s.store.List(ctx, port.Query{Collection: "users", Filters: []port.Filter{port.Eq("email", email)}})
	if err != nil {
		return false, fmt.Errorf("check email: %w", err)
	}
	return len(docs) > 0, nil
}

// target loads a profile the caller administers. Profiles of other tenants
// are reported as not found.
func (s *MemberService) target(ctx context.Context, caller domain.Profile, uid, action string) (domain.Profile, error) {
	t, err := s.profile(ctx, uid)
	if err != nil {
		return t, err
	}
	if t.CompanyID != caller.CompanyID {
		return t, &domain.ErrNotFound{Resource: "profile", ID: uid}
	}
	if err := canAdminister(caller, t, action); err != nil {
		return t, err
	}
	return t, nil
}

// canAdminister: owners administer everyone below them; managers everyone
// below them in their own branch.
func canAdminister(caller, target domain.Profile, action string) error {
	if !caller.Role.IsAdmin() || !caller.Role.Outranks(target.Role) {
		return &domain.ErrForbidden{Action: action}
	}
	if caller.Role == domain.RoleManager && caller.BranchName != target.BranchName {
		return &domain.ErrForbidden{Action: action + " outside your branch"}
	}
	return nil
}

func validEmail(email string) bool {
	at := strings.Index(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t")
}

// ============================================================
// AddMember
// ============================================================

// AddMember creates a profile below the caller in the caller's tenant.
// Members created by owners and managers start approved; members created
// by leaders start pending and are linked to the leader by an explicit edge.
func (s *MemberService) AddMember(ctx context.Context, callerUID string, req domain.NewMemberRequest) (*domain.Profile, error) {
	ctx, span := tracer.Start(ctx, "MemberService.AddMember")
	defer span.End()

	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	if caller.Role == domain.RoleSalesperson {
		return nil, &domain.ErrForbidden{Action: "add members"}
	}

	email := domain.NormalizeEmail(req.Email)
	switch {
	case strings.TrimSpace(req.Name) == "":
		return nil, &domain.ErrValidation{Field: "name", Message: "is required"}
	case !validEmail(email):
		return nil, &domain.ErrValidation{Field: "email", Message: "is not a valid email address"}
	case !req.Role.Valid() || req.Role == domain.RoleOwner:
		return nil, &domain.ErrValidation{Field: "role", Message: "must be manager, team-leader, leader or salesperson"}
	}
	if !caller.Role.Outranks(req.Role) {
		return nil, &domain.ErrForbidden{Action: "create a " + string(req.Role)}
	}

	branch := caller.BranchName
	if req.BranchName != "" && req.BranchName != caller.BranchName {
		if caller.Role != domain.RoleOwner {
			return nil, &domain.ErrForbidden{Action: "add members to another branch"}
		}
		branch = req.BranchName
	}
	span.SetAttributes(attribute.String("company.id", caller.CompanyID), attribute.String("branch", branch))

	taken, err := s.emailTaken(ctx, email)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, &domain.ErrConflict{Message: "a profile with this email already exists"}
	}

	tenant, err := s.tenant(ctx, caller.CompanyID)
	if err != nil {
		return nil, err
	}
	if err := license.CheckCapacity(license.PoolFor(tenant, branch), caller.Role); err != nil {
		return nil, err
	}

	p := domain.Profile{
		ID:         uuid.NewString(),
		CompanyID:  caller.CompanyID,
		BranchName: branch,
		Name:       strings.TrimSpace(req.Name),
		Email:      email,
		Role:       req.Role,
		Status:     domain.StatusPending,
		CreatedAt:  s.now().UTC(),
	}
	if caller.Role.IsAdmin() {
		p.Status = domain.StatusApproved
	}

	enrolled := false
	if s.enroller != nil && req.Password != "" {
		if err := s.enroller.Enroll(ctx, domain.Identity{UID: p.ID, Email: p.Email}, req.Password); err != nil {
			return nil, fmt.Errorf("enroll credentials: %w", err)
		}
		enrolled = true
	}

	ops := []port.WriteOp{{Kind: port.WriteSet, Path: port.DocPath("users", p.ID), Data: p}}
	if !caller.Role.IsAdmin() {
		ops = append(ops, port.WriteOp{
			Kind:   port.WriteArrayUnion,
			Path:   port.DocPath("users", caller.ID),
			Field:  "teamMembers",
			Values: []string{p.Email},
		})
	}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		if enrolled {
			if rerr := s.enroller.Remove(ctx, p.ID); rerr != nil {
				s.logger.Error("enrollment rollback failed", zap.String("uid", p.ID), zap.Error(rerr))
			}
		}
		return nil, fmt.Errorf("create member: %w", err)
	}

	s.logger.Info("member added",
		zap.String("uid", p.ID),
		zap.String("company_id", p.CompanyID),
		zap.String("branch", branch),
		zap.String("role", string(p.Role)),
		zap.String("status", string(p.Status)),
		zap.String("by", caller.ID),
	)
	return &p, nil
}

// ============================================================
// Approval, role and branch changes
// ============================================================

// ApproveMember approves a pending profile. Approving an approved profile
// is a no-op.
func (s *MemberService) ApproveMember(ctx context.Context, callerUID, targetUID string) (*domain.Profile, error) {
	ctx, span := tracer.Start(ctx, "MemberService.ApproveMember")
	defer span.End()

	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	t, err := s.target(ctx, caller, targetUID, "approve members")
	if err != nil {
		return nil, err
	}
	if !t.Pending() {
		return &t, nil
	}
	if err := s.store.Update(ctx, port.DocPath("users", t.ID), map[string]any{"status": domain.StatusApproved}); err != nil {
		return nil, fmt.Errorf("approve member: %w", err)
	}
	t.Status = domain.StatusApproved
	s.logger.Info("member approved", zap.String("uid", t.ID), zap.String("by", caller.ID))
	return &t, nil
}

// ChangeRole moves a profile to another role below the caller's.
func (s *MemberService) ChangeRole(ctx context.Context, callerUID, targetUID string, role domain.Role) (*domain.Profile, error) {
	ctx, span := tracer.Start(ctx, "MemberService.ChangeRole")
	defer span.End()

	if !role.Valid() || role == domain.RoleOwner {
		return nil, &domain.ErrValidation{Field: "role", Message: "must be manager, team-leader, leader or salesperson"}
	}
	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	t, err := s.target(ctx, caller, targetUID, "change roles")
	if err != nil {
		return nil, err
	}
	if !caller.Role.Outranks(role) {
		return nil, &domain.ErrForbidden{Action: "grant the " + string(role) + " role"}
	}
	if t.Role == role {
		return &t, nil
	}
	if err := s.store.Update(ctx, port.DocPath("users", t.ID), map[string]any{"role": role}); err != nil {
		return nil, fmt.Errorf("change role: %w", err)
	}
	s.logger.Info("role changed", zap.String("uid", t.ID), zap.String("from", string(t.Role)), zap.String("to", string(role)))
	t.Role = role
	return &t, nil
}

// ReassignBranch moves a profile to another branch of the tenant, taking a
// seat there.
func (s *MemberService) ReassignBranch(ctx context.Context, callerUID, targetUID, branch string) (*domain.Profile, error) {
	ctx, span := tracer.Start(ctx, "MemberService.ReassignBranch")
	defer span.End()

	branch = strings.TrimSpace(branch)
	if branch == "" {
		return nil, &domain.ErrValidation{Field: "branchName", Message: "is required"}
	}
	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	t, err := s.target(ctx, caller, targetUID, "reassign branches")
	if err != nil {
		return nil, err
	}
	if t.BranchName == branch {
		return &t, nil
	}

	tenant, err := s.tenant(ctx, caller.CompanyID)
	if err != nil {
		return nil, err
	}
	if err := license.CheckCapacity(license.PoolFor(tenant, branch), caller.Role); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, port.DocPath("users", t.ID), map[string]any{"branchName": branch}); err != nil {
		return nil, fmt.Errorf("reassign branch: %w", err)
	}
	s.logger.Info("branch reassigned", zap.String("uid", t.ID), zap.String("from", t.BranchName), zap.String("to", branch))
	t.BranchName = branch
	return &t, nil
}

// ============================================================
// RenameEmail
// ============================================================

// RenameEmail changes a profile's email and rewrites every teamMembers
// reference to it in the same batch, so no hierarchy edge is orphaned.
// Members may rename themselves; admins may rename the profiles they
// administer.
func (s *MemberService) RenameEmail(ctx context.Context, callerUID, targetUID, newEmail string) (*domain.Profile, error) {
	ctx, span := tracer.Start(ctx, "MemberService.RenameEmail")
	defer span.End()

	newEmail = domain.NormalizeEmail(newEmail)
	if !validEmail(newEmail) {
		return nil, &domain.ErrValidation{Field: "email", Message: "is not a valid email address"}
	}
	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	t := caller
	if targetUID != callerUID {
		if t, err = s.target(ctx, caller, targetUID, "rename members"); err != nil {
			return nil, err
		}
	}
	if domain.NormalizeEmail(t.Email) == newEmail {
		return &t, nil
	}
	taken, err := s.emailTaken(ctx, newEmail)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, &domain.ErrConflict{Message: "a profile with this email already exists"}
	}

	tenant, err := s.tenant(ctx, t.CompanyID)
	if err != nil {
		return nil, err
	}
	ops := []port.WriteOp{{Kind: port.WriteUpdate, Path: port.DocPath("users", t.ID), Fields: map[string]any{"email": newEmail}}}
	rewritten := hierarchy.RewriteEmail(tenant, t.Email, newEmail)
	for id, team := range rewritten {
		ops = append(ops, port.WriteOp{Kind: port.WriteUpdate, Path: port.DocPath("users", id), Fields: map[string]any{"teamMembers": team}})
	}

	// Credentials move first and move back if the batch fails. Members
	// without credentials have nothing to move.
	moved := false
	if s.enroller != nil {
		err := s.enroller.ChangeEmail(ctx, t.ID, newEmail)
		var nf *domain.ErrNotFound
		switch {
		case err == nil:
			moved = true
		case !errors.As(err, &nf):
			return nil, fmt.Errorf("rename credentials: %w", err)
		}
	}
	if err := s.store.BatchWrite(ctx, ops); err != nil {
		if moved {
			if rerr := s.enroller.ChangeEmail(ctx, t.ID, t.Email); rerr != nil {
				s.logger.Error("credential rename rollback failed", zap.String("uid", t.ID), zap.Error(rerr))
			}
		}
		return nil, fmt.Errorf("rename email: %w", err)
	}

	s.logger.Info("email renamed", zap.String("uid", t.ID), zap.Int("edges_rewritten", len(rewritten)))
	t.Email = newEmail
	return &t, nil
}

// ============================================================
// Hierarchy
// ============================================================

// Hierarchy resolves the position of targetUID in the caller's tenant.
func (s *MemberService) Hierarchy(ctx context.Context, callerUID, targetUID string) (*domain.HierarchyView, error) {
	ctx, span := tracer.Start(ctx, "MemberService.Hierarchy")
	defer span.End()

	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	tenant, err := s.tenant(ctx, caller.CompanyID)
	if err != nil {
		return nil, err
	}
	g := hierarchy.Build(tenant)
	if _, ok := g.Profile(targetUID); !ok {
		return nil, &domain.ErrNotFound{Resource: "profile", ID: targetUID}
	}
	view := g.Resolve(targetUID)
	return &view, nil
}

// Superior resolves the direct superior of targetUID. It returns
// *domain.ErrNotFound when the profile has none.
func (s *MemberService) Superior(ctx context.Context, callerUID, targetUID string) (*domain.ProfileRef, hierarchy.EdgeKind, error) {
	ctx, span := tracer.Start(ctx, "MemberService.Superior")
	defer span.End()

	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return nil, "", err
	}
	tenant, err := s.tenant(ctx, caller.CompanyID)
	if err != nil {
		return nil, "", err
	}
	p, kind, err := hierarchy.Build(tenant).SuperiorOf(targetUID)
	if err != nil {
		return nil, "", err
	}
	ref := p.Ref()
	return &ref, kind, nil
}
