package handler

import (
	"context"
	"net/http"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/service"

	"go.uber.org/zap"
)

type adjustLicensesRequest struct {
	BranchName string `json:"branchName"`
	Amount     int    `json:"amount"`
}

type licenseAdjuster func(ctx context.Context, callerUID, branch string, amount int) (*domain.LicensePool, error)

func licensePoolHandler(members *service.MemberService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "GET /v1/licenses")
		defer span.End()

		pool, err := members.LicensePool(ctx, callerID(r), r.URL.Query().Get("branch"))
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, pool)
	}
}

func adjustLicensesHandler(adjust licenseAdjuster, op string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/licenses/"+op)
		defer span.End()

		var req adjustLicensesRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		pool, err := adjust(ctx, callerID(r), req.BranchName, req.Amount)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusOK, pool)
	}
}
