package application

import (
	"context"
	"fmt"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
)

// DefaultOrderMatchWindow bounds how old an unbound pickup order may be to receive a payment
const DefaultOrderMatchWindow = 90 * time.Minute

const unboundCandidateLimit = 20

// LocalOrderService applies platform payments to local orders
type LocalOrderService struct {
	orders ports.OrderRepository
	window time.Duration
	logger zerolog.Logger
	now    func() time.Time
}

// NewLocalOrderService creates the service. A non-positive window falls back to DefaultOrderMatchWindow.
func NewLocalOrderService(orders ports.OrderRepository, window time.Duration, logger zerolog.Logger) *LocalOrderService {
	if window <= 0 {
		window = DefaultOrderMatchWindow
	}
	return &LocalOrderService{
		orders: orders,
		window: window,
		logger: logger,
		now:    time.Now,
	}
}

// MarkPaid moves the local order behind externalOrderID to paid. The order bound to the id wins;
// otherwise, when no order carries the id at all, the newest recent pickup order with no external id
// is bound. An id bound to a cancelled or void order changes nothing. At most one row changes.
func (s *LocalOrderService) MarkPaid(ctx context.Context, businessID int64, externalOrderID string) (domain.PaidUpdate, error) {
	none := domain.PaidUpdate{Method: domain.PaidMethodNone}
	if externalOrderID == "" {
		return none, nil
	}

	localID, updated, err := s.orders.MarkPaidByExternalID(ctx, businessID, externalOrderID)
	if err != nil {
		return none, fmt.Errorf("failed to mark order %s paid: %w", externalOrderID, err)
	}
	if updated {
		return domain.PaidUpdate{Updated: true, Method: domain.PaidMethodExternalID, LocalOrderID: localID}, nil
	}

	bound, err := s.orders.HasExternalOrder(ctx, businessID, externalOrderID)
	if err != nil {
		return none, fmt.Errorf("failed to look up order %s: %w", externalOrderID, err)
	}
	if bound {
		s.logger.Info().
			Int64("businessId", businessID).
			Str("externalOrderId", externalOrderID).
			Msg("Paid platform order is bound to an inactive local order, leaving it unchanged")
		return domain.PaidUpdate{Method: domain.PaidMethodBoundInactive}, nil
	}

	candidates, err := s.orders.RecentUnboundPickupOrders(ctx, businessID, s.now().Add(-s.window), unboundCandidateLimit)
	if err != nil {
		return none, fmt.Errorf("failed to list unbound pickup orders: %w", err)
	}
	if len(candidates) == 0 {
		s.logger.Info().
			Int64("businessId", businessID).
			Str("externalOrderId", externalOrderID).
			Msg("No local order matches paid platform order")
		return none, nil
	}

	chosen := candidates[0]
	if len(candidates) > 1 {
		ids := make([]int64, 0, len(candidates))
		for _, c := range candidates {
			ids = append(ids, c.ID)
		}
		ambiguous := &domain.AmbiguousTargetError{
			BusinessID:      businessID,
			ExternalOrderID: externalOrderID,
			Candidates:      ids,
			Chosen:          chosen.ID,
		}
		s.logger.Warn().
			Err(ambiguous).
			Int64("businessId", businessID).
			Ints64("candidates", ids).
			Int64("chosen", chosen.ID).
			Msg("Several unbound pickup orders could receive this payment, binding the most recent")
	}

	claimed, err := s.orders.MarkPaidAndBind(ctx, businessID, chosen.ID, externalOrderID)
	if err != nil {
		return none, fmt.Errorf("failed to bind order %d to %s: %w", chosen.ID, externalOrderID, err)
	}
	if !claimed {
		return none, nil
	}
	return domain.PaidUpdate{Updated: true, Method: domain.PaidMethodRecentPickup, LocalOrderID: chosen.ID}, nil
}
