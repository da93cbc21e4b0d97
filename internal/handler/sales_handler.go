package handler

import (
	"net/http"

	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/service"

	"go.uber.org/zap"
)

func recordSaleHandler(members *service.MemberService, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "POST /v1/sales")
		defer span.End()

		var req domain.RecordSaleRequest
		if !decodeJSON(w, r, &req) {
			return
		}

		res, err := members.RecordSale(ctx, callerID(r), req)
		if err != nil {
			handleServiceError(w, err, logger)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}
