package handler

import (
	"net/http"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/service"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type changeRoleRequest struct {
	Role domain.Role `json:"role"`
}

type reassignBranchRequest struct {
	BranchName string `json:"branchName"`
}

type renameEmailRequest struct {
	Email string `json:"email"`
}

type superiorResponse struct {
	Superior *domain.ProfileRef `json:"superior"`
	Via      string             `json:"via,omitempty"`
}

func addMemberHandler(members *service.MemberService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/members")
		defer span.End()

		var req domain.NewMemberRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		profile, err := members.AddMember(ctx, callerID(r), req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, profile)
	}
}

func approveMemberHandler(members *service.MemberService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/members/{uid}/approve")
		defer span.End()

		profile, err := members.ApproveMember(ctx, callerID(r), chi.URLParam(r, "uid"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

func changeRoleHandler(members *service.MemberService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /v1/members/{uid}/role")
		defer span.End()

		var req changeRoleRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		profile, err := members.ChangeRole(ctx, callerID(r), chi.URLParam(r, "uid"), req.Role)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

func reassignBranchHandler(members *service.MemberService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /v1/members/{uid}/branch")
		defer span.End()

		var req reassignBranchRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		profile, err := members.ReassignBranch(ctx, callerID(r), chi.URLParam(r, "uid"), req.BranchName)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

func renameEmailHandler(members *service.MemberService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "PATCH /v1/members/{uid}/email")
		defer span.End()

		var req renameEmailRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		profile, err := members.RenameEmail(ctx, callerID(r), chi.URLParam(r, "uid"), req.Email)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, profile)
	}
}

func deleteMemberHandler(members *service.MemberService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "DELETE /v1/members/{uid}")
		defer span.End()

		if err := members.DeleteMember(ctx, callerID(r), chi.URLParam(r, "uid")); err != nil {
			handleServiceError(w, err, logger)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// hierarchyHandler serves both /v1/hierarchy (the caller) and
// /v1/members/{uid}/hierarchy.
func hierarchyHandler(members *service.MemberService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/hierarchy")
		defer span.End()

		caller := callerID(r)
		target := chi.URLParam(r, "uid")
		if target == "" {
			target = caller
		}

		view, err := members.Hierarchy(ctx, caller, target)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func superiorHandler(members *service.MemberService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/members/{uid}/superior")
		defer span.End()

		ref, via, err := members.Superior(ctx, callerID(r), chi.URLParam(r, "uid"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, superiorResponse{Superior: ref, Via: string(via)})
	}
}
