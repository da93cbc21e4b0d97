package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/boddenberg/salescoach-bfa-go/internal/aggregate"
	"github.com/boddenberg/salescoach-bfa-go/internal/domain"
	"github.com/boddenberg/salescoach-bfa-go/internal/port"
)

// RecordSale appends a sale to the caller's log and persists any badge the
// new lifetime value unlocks. Badges are only ever added.
func (s *MemberService) RecordSale(ctx context.Context, callerUID string, req domain.RecordSaleRequest) (*domain.RecordSaleResult, error) {
	ctx, span := tracer.Start(ctx, "MemberService.RecordSale")
	defer span.End()
	span.SetAttributes(attribute.Float64("sale.value", req.Value))

	if req.Value <= 0 {
		return nil, &domain.ErrValidation{Field: "value", Message: "must be positive"}
	}
	caller, err := s.caller(ctx, callerUID)
	if err != nil {
		return nil, err
	}

	sale := domain.Sale{
		ID:        uuid.NewString(),
		OwnerID:   caller.ID,
		Timestamp: s.now(),
		Value:     req.Value,
		PackageID: req.PackageID,
	}
	if req.Timestamp != nil {
		sale.Timestamp = *req.Timestamp
	}
	salesPath := port.DocPath("users", caller.ID, "sales")
	if err := s.store.Set(ctx, port.DocPath(salesPath, sale.ID), sale); err != nil {
		return nil, fmt.Errorf("record sale: %w", err)
	}

	docs, err := s.store.List(ctx, port.Query{Collection: salesPath})
	if err != nil {
		return nil, fmt.Errorf("list sales: %w", err)
	}
	sales := make([]domain.Sale, 0, len(docs))
	for _, d := range docs {
		var sl domain.Sale
		if err := d.Decode(&sl); err != nil {
			return nil, fmt.Errorf("decode sale %s: %w", d.ID, err)
		}
		sales = append(sales, sl)
	}

	earned := aggregate.BadgesEarned(aggregate.LifetimeValue(sales), caller.Badges)
	added := aggregate.NewBadges(caller.Badges, earned)
	if len(added) > 0 {
		if err := s.store.ArrayUnion(ctx, port.DocPath("users", caller.ID), "badges", added...); err != nil {
			return nil, fmt.Errorf("award badges: %w", err)
		}
		s.logger.Info("badges awarded", zap.String("uid", caller.ID), zap.Strings("badges", added))
	}
	if added == nil {
		added = []string{}
	}
	return &domain.RecordSaleResult{Sale: sale, NewBadges: added}, nil
}
