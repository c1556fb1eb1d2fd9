package application

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
)

// DefaultOrderTypeAliases are the names accepted as an existing fulfillment order type.
// The first one is used when creating it.
var DefaultOrderTypeAliases = []string{"Pickup (Online)", "Pick Up (Online)"}

var (
	pickupPattern    = regexp.MustCompile(`(?i)pickup|pick\s*up|take\s*out|takeout|to-go|togo|carry\s*out`)
	nonAlphanumeric  = regexp.MustCompile(`[^a-z0-9]+`)
	orderTypeLabels  = []string{"label", "name", "title"}
	systemTypeFields = []string{"id", "label", "name", "type", "title"}
)

// OrderTypeService makes sure each merchant has the fulfillment order type online orders are tagged with
type OrderTypeService struct {
	pos         ports.POSClient
	connections ports.ConnectionRepository
	aliases     []string
	logger      zerolog.Logger
	now         func() time.Time
}

// NewOrderTypeService creates the service. Empty aliases fall back to DefaultOrderTypeAliases.
func NewOrderTypeService(pos ports.POSClient, connections ports.ConnectionRepository, aliases []string, logger zerolog.Logger) *OrderTypeService {
	if len(aliases) == 0 {
		aliases = DefaultOrderTypeAliases
	}
	return &OrderTypeService{
		pos:         pos,
		connections: connections,
		aliases:     aliases,
		logger:      logger,
		now:         time.Now,
	}
}

// normalizeKey folds case, whitespace and punctuation so "Pick-Up (online)" matches "pickup online"
func normalizeKey(s string) string {
	s = strings.ToLower(strings.Join(strings.Fields(s), " "))
	return nonAlphanumeric.ReplaceAllString(s, "")
}

// Ensure returns the fulfillment order type of the session's merchant, creating it when
// missing. With useCache the id stored on the connection is trusted without a lookup.
func (s *OrderTypeService) Ensure(ctx context.Context, session *TokenSession, useCache bool) (*domain.OrderTypeRef, error) {
	conn := session.Connection()
	if useCache && conn.FulfillmentOrderTypeID != "" {
		return &domain.OrderTypeRef{ID: conn.FulfillmentOrderTypeID, Name: conn.FulfillmentOrderTypeName}, nil
	}

	existing, err := CallWithToken(ctx, session, func(ctx context.Context, token string) ([]ports.POSOrderType, error) {
		return s.pos.ListOrderTypes(ctx, conn.MerchantID, token)
	})
	if err != nil {
		return nil, err
	}

	if found := s.matchAlias(existing); found != nil {
		ref := &domain.OrderTypeRef{ID: found.ID(), Name: found.Field(orderTypeLabels...)}
		s.persist(ctx, conn, ref)
		return ref, nil
	}

	systemID := ""
	systemTypes, err := CallWithToken(ctx, session, func(ctx context.Context, token string) ([]ports.POSOrderType, error) {
		return s.pos.ListSystemOrderTypes(ctx, conn.MerchantID, token)
	})
	if err != nil {
		if errors.Is(err, domain.ErrAuthExpired) {
			return nil, err
		}
		s.logger.Warn().Err(err).Str("merchantId", conn.MerchantID).Msg("Failed to list system order types, creating without template")
	} else if tpl := matchPickupTemplate(systemTypes); tpl != nil {
		systemID = tpl.ID()
	}

	name := s.aliases[0]
	for _, body := range candidateBodies(preferredLabelKey(existing), name, systemID) {
		created, err := CallWithToken(ctx, session, func(ctx context.Context, token string) (ports.POSOrderType, error) {
			return s.pos.CreateOrderType(ctx, conn.MerchantID, token, body)
		})
		if err != nil {
			if domain.IsUpstreamStatus(err, http.StatusBadRequest) || domain.IsUpstreamStatus(err, http.StatusUnprocessableEntity) {
				s.logger.Debug().
					Err(err).
					Str("merchantId", conn.MerchantID).
					Interface("body", body).
					Msg("Order type payload rejected, trying next shape")
				continue
			}
			return nil, err
		}
		if created.ID() == "" {
			continue
		}

		ref := &domain.OrderTypeRef{ID: created.ID(), Name: name, Created: true}
		s.logger.Info().
			Str("merchantId", conn.MerchantID).
			Str("orderTypeId", ref.ID).
			Str("systemOrderTypeId", systemID).
			Msg("Created fulfillment order type")
		s.persist(ctx, conn, ref)
		return ref, nil
	}

	return nil, fmt.Errorf("failed to create order type %q: every payload shape was rejected", name)
}

func (s *OrderTypeService) matchAlias(types []ports.POSOrderType) ports.POSOrderType {
	wanted := make(map[string]bool, len(s.aliases))
	for _, a := range s.aliases {
		wanted[normalizeKey(a)] = true
	}
	for _, t := range types {
		if t.ID() == "" {
			continue
		}
		for _, key := range orderTypeLabels {
			if label := t.Field(key); label != "" && wanted[normalizeKey(label)] {
				return t
			}
		}
	}
	return nil
}

func matchPickupTemplate(types []ports.POSOrderType) ports.POSOrderType {
	for _, t := range types {
		for _, key := range systemTypeFields {
			if v := t.Field(key); v != "" && pickupPattern.MatchString(v) {
				return t
			}
		}
	}
	return nil
}

// preferredLabelKey is the label field the merchant's existing order types use
func preferredLabelKey(types []ports.POSOrderType) string {
	for _, t := range types {
		for _, key := range orderTypeLabels {
			if t.Field(key) != "" {
				return key
			}
		}
	}
	return ""
}

// candidateBodies lists create payloads in the order they are tried
func candidateBodies(preferred, name, systemID string) []map[string]any {
	keys := make([]string, 0, len(orderTypeLabels)+1)
	seen := map[string]bool{}
	for _, k := range append([]string{preferred}, orderTypeLabels...) {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keys = append(keys, k)
	}

	var bodies []map[string]any
	for _, k := range keys {
		if systemID != "" {
			bodies = append(bodies, map[string]any{
				k:                   name,
				"taxable":           false,
				"isHidden":          false,
				"systemOrderTypeId": systemID,
			})
		}
		bodies = append(bodies, map[string]any{
			k:          name,
			"taxable":  false,
			"isHidden": false,
		})
	}
	return bodies
}

func (s *OrderTypeService) persist(ctx context.Context, conn *domain.MerchantConnection, ref *domain.OrderTypeRef) {
	if conn.FulfillmentOrderTypeID == ref.ID && conn.FulfillmentOrderTypeName == ref.Name {
		return
	}
	now := s.now()
	if err := s.connections.UpdateOrderType(ctx, conn.BusinessID, ref.ID, ref.Name, now); err != nil {
		s.logger.Error().
			Err(err).
			Int64("businessId", conn.BusinessID).
			Str("orderTypeId", ref.ID).
			Msg("Failed to store fulfillment order type")
		return
	}
	conn.FulfillmentOrderTypeID = ref.ID
	conn.FulfillmentOrderTypeName = ref.Name
	conn.OrderTypeReadyAt = &now
}
