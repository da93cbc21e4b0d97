package domain

import (
	"fmt"
	"strings"
)

// Error types for consistent error handling across the service.

// ErrNotFound indicates a referenced profile or document is absent.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrExternalService indicates a failure in a remote collaborator call.
type ErrExternalService struct {
	Service string
	Err     error
}

func (e *ErrExternalService) Error() string {
	return fmt.Sprintf("external service error [%s]: %v", e.Service, e.Err)
}

func (e *ErrExternalService) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}

// ErrValidation indicates a validation error (bad input).
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s': %s", e.Field, e.Message)
}

// ErrForbidden indicates the caller's role lacks rights for the mutation.
type ErrForbidden struct {
	Action string
}

func (e *ErrForbidden) Error() string {
	return fmt.Sprintf("forbidden: %s", e.Action)
}

// ErrUnauthorized indicates invalid credentials or token.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrConflict indicates a resource already exists (e.g. duplicate email).
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// Remediation tells the caller how to get more license seats.
type Remediation string

const (
	RemediationSelfPurchase    Remediation = "self_purchase"
	RemediationRequestPurchase Remediation = "request_purchase"
)

// ErrCapacity indicates the branch has no free license seat.
type ErrCapacity struct {
	Branch      string
	Used        int
	Purchased   int
	Remediation Remediation
}

func (e *ErrCapacity) Error() string {
	if e.Remediation == RemediationSelfPurchase {
		return fmt.Sprintf("no licenses available in branch %s (%d/%d used): purchase more licenses to add members",
			e.Branch, e.Used, e.Purchased)
	}
	return fmt.Sprintf("no licenses available in branch %s (%d/%d used): ask your manager to purchase more licenses",
		e.Branch, e.Used, e.Purchased)
}

// ErrPartialCascade indicates a cascade delete stopped part-way.
// The profile may be only partially removed.
type ErrPartialCascade struct {
	UID    string
	Failed []string
	Err    error
}

func (e *ErrPartialCascade) Error() string {
	return fmt.Sprintf("delete of %s may be incomplete, failed partitions: %s", e.UID, strings.Join(e.Failed, ", "))
}

func (e *ErrPartialCascade) Unwrap() error {
	return e.Err
}
