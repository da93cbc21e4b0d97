package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/license"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

// ============================================================
// Licenses
// ============================================================

// branchFor resolves the branch an operation targets. Managers are bound to
// their own branch; owners may name any branch.
func branchFor(caller domain.Profile, branch, action string) (string, error) {
	if branch == "" || branch == caller.BranchName {
		return caller.BranchName, nil
	}
	if caller.Role != domain.RoleOwner {
		return "", &domain.ErrForbidden{Action: action + " for another branch"}
	}
	return branch, nil
}

// LicensePool returns the seat pool of branch ("" means the caller's own).
func (s *MemberService) LicensePool(ctx context.Context, callerUID, branch string) (*domain.LicensePool, error) {
	ctx, span := tracer.Start(ctx, "MemberService.LicensePool")
	defer span.End()

	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	if branch, err = branchFor(caller, branch, "view licenses"); err != nil {
		return nil, err
	}
	tenant, err := s.tenant(ctx, caller.CompanyID)
	if err != nil {
		return nil, err
	}
	pool := license.PoolFor(tenant, branch)
	return &pool, nil
}

// PurchaseLicenses adds amount seats to the branch's holder.
func (s *MemberService) PurchaseLicenses(ctx context.Context, callerUID, branch string, amount int) (*domain.LicensePool, error) {
	return s.adjustLicenses(ctx, "MemberService.PurchaseLicenses", callerUID, branch, amount, func(pool domain.LicensePool) int {
		return pool.Purchased + amount
	})
}

// DecreaseLicenses gives back up to amount seats, never below the seats in use.
func (s *MemberService) DecreaseLicenses(ctx context.Context, callerUID, branch string, amount int) (*domain.LicensePool, error) {
	return s.adjustLicenses(ctx, "MemberService.DecreaseLicenses", callerUID, branch, amount, func(pool domain.LicensePool) int {
		return license.Decrease(pool, amount)
	})
}

func (s *MemberService) adjustLicenses(ctx context.Context, op, callerUID, branch string, amount int, next func(domain.LicensePool) int) (*domain.LicensePool, error) {
	ctx, span := tracer.Start(ctx, op)
	defer span.End()
	span.SetAttributes(attribute.Int("amount", amount))

	if amount <= 0 {
		return nil, &domain.ErrValidation{Field: "amount", Message: "must be positive"}
	}
	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return nil, err
	}
	if !caller.Role.IsAdmin() {
		return nil, &domain.ErrForbidden{Action: "manage licenses"}
	}
	if branch, err = branchFor(caller, branch, "manage licenses"); err != nil {
		return nil, err
	}

	tenant, err := s.tenant(ctx, caller.CompanyID)
	if err != nil {
		return nil, err
	}
	holder, ok := license.Holder(tenant, branch)
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "license holder", ID: branch}
	}
	pool := license.PoolFor(tenant, branch)
	purchased := next(pool)

	// Last writer wins; purchasedLicenses is a single-document field.
	if err := s.store.Update(ctx, port.DocPath("users", holder.ID), map[string]any{"purchasedLicenses": purchased}); err != nil {
		return nil, fmt.Errorf("update licenses: %w", err)
	}

	pool.Purchased = purchased
	pool.Available = purchased - pool.Used
	if pool.Available < 0 {
		pool.Available = 0
	}
	s.logger.Info("licenses updated",
		zap.String("company_id", caller.CompanyID),
		zap.String("branch", branch),
		zap.String("holder", holder.ID),
		zap.Int("purchased", purchased),
		zap.Int("used", pool.Used),
	)
	return &pool, nil
}
