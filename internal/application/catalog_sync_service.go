package application

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// CatalogSyncService imports a merchant's catalog and tax configuration into the local store
type CatalogSyncService struct {
	connections ports.ConnectionRepository
	catalog     ports.CatalogRepository
	pos         ports.POSClient
	tokens      *TokenManager
	orderTypes  *OrderTypeService
	events      ports.EventPublisher
	metrics     ports.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// NewCatalogSyncService creates the sync service
func NewCatalogSyncService(
	connections ports.ConnectionRepository,
	catalog ports.CatalogRepository,
	pos ports.POSClient,
	tokens *TokenManager,
	orderTypes *OrderTypeService,
	events ports.EventPublisher,
	metrics ports.Metrics,
	logger zerolog.Logger,
) *CatalogSyncService {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &CatalogSyncService{
		connections: connections,
		catalog:     catalog,
		pos:         pos,
		tokens:      tokens,
		orderTypes:  orderTypes,
		events:      events,
		metrics:     metrics,
		logger:      logger,
		now:         time.Now,
	}
}

// syncRun holds the state of one sync invocation
type syncRun struct {
	conn    *domain.MerchantConnection
	session *TokenSession
	result  *domain.SyncResult
}

// SyncCatalog runs every stage in order. The first failing stage aborts the run with a
// *domain.SyncError; rows written by earlier stages stay valid.
func (s *CatalogSyncService) SyncCatalog(ctx context.Context, businessID int64) (*domain.SyncResult, error) {
	return s.run(ctx, businessID, domain.ScopeFull, func(ctx context.Context, run *syncRun) error {
		ref, err := s.orderTypes.Ensure(ctx, run.session, false)
		if err != nil {
			return &domain.SyncError{Stage: domain.StageOrderType, Cause: err}
		}
		run.result.PickupOrderType = ref

		sectionIDs, categoryOrder, err := s.syncCategories(ctx, run)
		if err != nil {
			return err
		}
		itemIDs, err := s.syncItems(ctx, run, sectionIDs, categoryOrder)
		if err != nil {
			return err
		}
		if err := s.syncModifiers(ctx, run, itemIDs); err != nil {
			return err
		}
		if err := s.syncTaxes(ctx, run, itemIDs); err != nil {
			return err
		}

		if err := s.connections.MarkImported(ctx, businessID, s.now()); err != nil {
			s.logger.Warn().Err(err).Int64("businessId", businessID).Msg("Failed to stamp last import time")
		}
		return nil
	})
}

// SyncTaxRates refreshes tax rates and maps them onto already imported items
func (s *CatalogSyncService) SyncTaxRates(ctx context.Context, businessID int64) (*domain.SyncResult, error) {
	return s.run(ctx, businessID, domain.ScopeTaxRates, func(ctx context.Context, run *syncRun) error {
		itemIDs, err := s.catalog.ItemIDsByExternalID(ctx, run.conn.MerchantID)
		if err != nil {
			return &domain.SyncError{Stage: domain.StageTaxMappings, Cause: err}
		}
		return s.syncTaxes(ctx, run, itemIDs)
	})
}

func (s *CatalogSyncService) run(ctx context.Context, businessID int64, scope domain.SyncScope, stages func(context.Context, *syncRun) error) (*domain.SyncResult, error) {
	start := s.now()
	logger := s.logger.With().Int64("businessId", businessID).Str("scope", string(scope)).Logger()

	result, err := s.execute(ctx, businessID, scope, stages)
	elapsed := s.now().Sub(start)
	if err != nil {
		outcome := "error"
		if errors.Is(err, domain.ErrAuthExpired) {
			outcome = "auth_expired"
		}
		s.metrics.ObserveSync(scope, outcome, elapsed)

		var syncErr *domain.SyncError
		if errors.As(err, &syncErr) {
			logger.Error().Err(syncErr.Cause).Str("stage", string(syncErr.Stage)).Msg("Catalog sync failed")
		} else {
			logger.Error().Err(err).Msg("Catalog sync failed")
		}
		return nil, err
	}

	s.metrics.ObserveSync(scope, "success", elapsed)
	logger.Info().
		Int("categories", result.Categories).
		Int("items", result.Items).
		Int("modifierGroups", result.ModifierGroups).
		Int("modifierOptions", result.ModifierOptions).
		Int("taxRates", result.TaxRates).
		Int("taxMappings", result.TaxMappings).
		Dur("elapsed", elapsed).
		Msg("Catalog sync completed")

	s.publish(ctx, result)
	return result, nil
}

func (s *CatalogSyncService) execute(ctx context.Context, businessID int64, scope domain.SyncScope, stages func(context.Context, *syncRun) error) (*domain.SyncResult, error) {
	conn, err := s.connections.GetByBusinessID(ctx, businessID)
	if err != nil {
		return nil, &domain.SyncError{Stage: domain.StageConnection, Cause: err}
	}
	if conn == nil {
		return nil, &domain.SyncError{Stage: domain.StageConnection, Cause: domain.ErrConnectionNotFound}
	}

	session, err := s.tokens.Open(ctx, conn)
	if err != nil {
		return nil, &domain.SyncError{Stage: domain.StageConnection, Cause: err}
	}

	run := &syncRun{
		conn:    conn,
		session: session,
		result:  &domain.SyncResult{BusinessID: businessID, MerchantID: conn.MerchantID, Scope: scope},
	}
	if err := stages(ctx, run); err != nil {
		return nil, err
	}
	run.result.CompletedAt = s.now()
	return run.result, nil
}

func (s *CatalogSyncService) syncCategories(ctx context.Context, run *syncRun) (map[string]int64, []string, error) {
	conn := run.conn
	posCategories, err := CallWithToken(ctx, run.session, func(ctx context.Context, token string) ([]ports.POSCategory, error) {
		return s.pos.ListCategories(ctx, conn.MerchantID, token)
	})
	if err != nil {
		return nil, nil, &domain.SyncError{Stage: domain.StageCategories, Cause: err}
	}

	categories := make([]domain.CatalogCategory, 0, len(posCategories))
	order := make([]string, 0, len(posCategories))
	for i, c := range posCategories {
		if c.ID == "" || c.Deleted {
			continue
		}
		title := c.Name
		if title == "" {
			title = "Untitled"
		}
		categories = append(categories, domain.CatalogCategory{
			BusinessID: conn.BusinessID,
			ExternalID: c.ID,
			MerchantID: conn.MerchantID,
			Title:      title,
			SortOrder:  c.Position(i),
			Active:     true,
		})
		order = append(order, c.ID)
	}

	sectionIDs, err := s.catalog.UpsertCategories(ctx, categories)
	if err != nil {
		return nil, nil, &domain.SyncError{Stage: domain.StageCategories, Cause: err}
	}
	run.result.Categories = len(categories)
	return sectionIDs, order, nil
}

// syncItems imports each category's items. An item listed under several categories
// is written once, under the first category that lists it.
func (s *CatalogSyncService) syncItems(ctx context.Context, run *syncRun, sectionIDs map[string]int64, categoryOrder []string) (map[string]int64, error) {
	conn := run.conn

	type placedItem struct {
		item      ports.POSItem
		sectionID int64
		position  int
	}
	var (
		placed []placedItem
		seen   = make(map[string]bool)
	)
	for _, categoryID := range categoryOrder {
		sectionID, ok := sectionIDs[categoryID]
		if !ok {
			continue
		}
		items, err := CallWithToken(ctx, run.session, func(ctx context.Context, token string) ([]ports.POSItem, error) {
			return s.pos.ListCategoryItems(ctx, conn.MerchantID, token, categoryID)
		})
		if err != nil {
			return nil, &domain.SyncError{Stage: domain.StageItems, Cause: err}
		}
		for i, it := range items {
			if it.ID == "" || seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			placed = append(placed, placedItem{item: it, sectionID: sectionID, position: i})
		}
	}

	externalIDs := make([]string, 0, len(placed))
	for _, p := range placed {
		externalIDs = append(externalIDs, p.item.ID)
	}
	existing, err := s.catalog.ExistingItems(ctx, conn.MerchantID, externalIDs)
	if err != nil {
		return nil, &domain.SyncError{Stage: domain.StageItems, Cause: err}
	}

	rows := make([]domain.CatalogItem, 0, len(placed))
	for _, p := range placed {
		it := p.item
		if it.Price == nil {
			full, err := CallWithToken(ctx, run.session, func(ctx context.Context, token string) (*ports.POSItem, error) {
				return s.pos.GetItem(ctx, conn.MerchantID, token, it.ID)
			})
			if err != nil {
				return nil, &domain.SyncError{Stage: domain.StageItems, Cause: err}
			}
			if full != nil {
				it = *full
			}
		}

		row := domain.CatalogItem{
			SectionID:         p.sectionID,
			BusinessID:        conn.BusinessID,
			ExternalID:        p.item.ID,
			MerchantID:        conn.MerchantID,
			Name:              it.Name,
			Description:       it.Description,
			SortOrder:         p.position,
			Active:            true,
			AvailableUpstream: it.Sellable(),
		}
		if row.Name == "" {
			row.Name = it.AlternateName
		}
		if row.Name == "" {
			row.Name = "Untitled"
		}
		if it.Price != nil {
			row.PriceMinorUnits = *it.Price
		}
		if prev, ok := existing[p.item.ID]; ok {
			row.LocalImage = prev.LocalImage
			row.SortOrder = prev.SortOrder
			if row.Description == "" {
				row.Description = prev.Description
			}
		}
		rows = append(rows, row)
	}

	itemIDs, err := s.catalog.UpsertItems(ctx, rows)
	if err != nil {
		return nil, &domain.SyncError{Stage: domain.StageItems, Cause: err}
	}
	run.result.Items = len(rows)
	return itemIDs, nil
}

func (s *CatalogSyncService) syncModifiers(ctx context.Context, run *syncRun, itemIDs map[string]int64) error {
	conn := run.conn

	itemsWithGroups, err := CallWithToken(ctx, run.session, func(ctx context.Context, token string) ([]ports.POSItem, error) {
		return s.pos.ListItemsWithModifierGroups(ctx, conn.MerchantID, token)
	})
	if err != nil {
		return &domain.SyncError{Stage: domain.StageModifierGroups, Cause: err}
	}
	groupDetails, err := CallWithToken(ctx, run.session, func(ctx context.Context, token string) ([]ports.POSModifierGroup, error) {
		return s.pos.ListModifierGroups(ctx, conn.MerchantID, token)
	})
	if err != nil {
		return &domain.SyncError{Stage: domain.StageModifierGroups, Cause: err}
	}
	details := make(map[string]ports.POSModifierGroup, len(groupDetails))
	for _, g := range groupDetails {
		details[g.ID] = g
	}

	var (
		groups     []domain.ModifierGroup
		seen       = make(map[domain.GroupKey]bool)
		byExternal = make(map[string][]domain.GroupKey)
		groupOrder []string
	)
	for _, it := range itemsWithGroups {
		itemID, ok := itemIDs[it.ID]
		if !ok {
			continue
		}
		for _, ref := range it.ModifierGroups {
			if ref.ID == "" {
				continue
			}
			key := domain.GroupKey{ItemID: itemID, ExternalID: ref.ID}
			if seen[key] {
				continue
			}
			seen[key] = true

			d, known := details[ref.ID]
			if known && d.Deleted {
				continue
			}
			g := domain.ModifierGroup{
				ItemID:     itemID,
				BusinessID: conn.BusinessID,
				ExternalID: ref.ID,
				MerchantID: conn.MerchantID,
				Name:       d.Name,
				Active:     true,
			}
			if g.Name == "" {
				g.Name = "Options"
			}
			if d.MinRequired != nil {
				g.MinSelect = *d.MinRequired
			}
			if d.MaxAllowed != nil {
				g.MaxSelect = *d.MaxAllowed
			}
			groups = append(groups, g)

			if _, listed := byExternal[ref.ID]; !listed {
				groupOrder = append(groupOrder, ref.ID)
			}
			byExternal[ref.ID] = append(byExternal[ref.ID], key)
		}
	}

	groupIDs, err := s.catalog.UpsertModifierGroups(ctx, groups)
	if err != nil {
		return &domain.SyncError{Stage: domain.StageModifierGroups, Cause: err}
	}
	run.result.ModifierGroups = len(groups)

	var modifiers []domain.Modifier
	for _, externalGroupID := range groupOrder {
		mods, err := CallWithToken(ctx, run.session, func(ctx context.Context, token string) ([]ports.POSModifier, error) {
			return s.pos.ListModifiers(ctx, conn.MerchantID, token, externalGroupID)
		})
		if err != nil {
			return &domain.SyncError{Stage: domain.StageModifiers, Cause: err}
		}
		for _, key := range byExternal[externalGroupID] {
			groupID, ok := groupIDs[key]
			if !ok {
				continue
			}
			for _, m := range mods {
				if m.ID == "" {
					continue
				}
				mod := domain.Modifier{
					GroupID:    groupID,
					ItemID:     key.ItemID,
					BusinessID: conn.BusinessID,
					ExternalID: m.ID,
					MerchantID: conn.MerchantID,
					Name:       m.Name,
					Active:     !(m.Deleted || m.IsDeleted) && (m.Available == nil || *m.Available),
				}
				if mod.Name == "" {
					mod.Name = "Option"
				}
				if m.Price != nil {
					mod.PriceMinorUnits = *m.Price
				}
				modifiers = append(modifiers, mod)
			}
		}
	}

	written, err := s.catalog.UpsertModifiers(ctx, modifiers)
	if err != nil {
		return &domain.SyncError{Stage: domain.StageModifiers, Cause: err}
	}
	run.result.ModifierOptions = written
	return nil
}

// syncTaxes upserts tax rates and rebuilds their product mappings from scratch
func (s *CatalogSyncService) syncTaxes(ctx context.Context, run *syncRun, itemIDs map[string]int64) error {
	conn := run.conn

	posRates, err := CallWithToken(ctx, run.session, func(ctx context.Context, token string) ([]ports.POSTaxRate, error) {
		return s.pos.ListTaxRates(ctx, conn.MerchantID, token)
	})
	if err != nil {
		return &domain.SyncError{Stage: domain.StageTaxRates, Cause: err}
	}

	rates := make([]domain.TaxRate, 0, len(posRates))
	for _, r := range posRates {
		if r.ID == "" || r.Deleted {
			continue
		}
		rates = append(rates, domain.TaxRate{
			BusinessID: conn.BusinessID,
			ExternalID: r.ID,
			MerchantID: conn.MerchantID,
			Name:       r.Name,
			Rate:       r.Rate,
			IsDefault:  r.IsDefault,
			Active:     true,
		})
	}

	rateIDs, err := s.catalog.UpsertTaxRates(ctx, rates)
	if err != nil {
		return &domain.SyncError{Stage: domain.StageTaxRates, Cause: err}
	}
	run.result.TaxRates = len(rates)

	var (
		localRateIDs []int64
		mappings     []domain.ProductTaxMapping
		seen         = make(map[[2]int64]bool)
	)
	for _, rate := range rates {
		rateID, ok := rateIDs[rate.ExternalID]
		if !ok {
			continue
		}
		localRateIDs = append(localRateIDs, rateID)

		items, err := CallWithToken(ctx, run.session, func(ctx context.Context, token string) ([]ports.POSItem, error) {
			return s.pos.ListTaxRateItems(ctx, conn.MerchantID, token, rate.ExternalID)
		})
		if err != nil {
			return &domain.SyncError{Stage: domain.StageTaxMappings, Cause: err}
		}
		for _, it := range items {
			itemID, ok := itemIDs[it.ID]
			if !ok {
				continue
			}
			key := [2]int64{itemID, rateID}
			if seen[key] {
				continue
			}
			seen[key] = true
			mappings = append(mappings, domain.ProductTaxMapping{BusinessID: conn.BusinessID, ItemID: itemID, TaxRateID: rateID})
		}
	}

	if err := s.catalog.ReplaceTaxMappings(ctx, conn.BusinessID, localRateIDs, mappings); err != nil {
		return &domain.SyncError{Stage: domain.StageTaxMappings, Cause: err}
	}
	run.result.TaxMappings = len(mappings)
	return nil
}

func (s *CatalogSyncService) publish(ctx context.Context, result *domain.SyncResult) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode sync result event")
		return
	}
	event := domain.IntegrationEvent{
		ID:         uuid.NewString(),
		Type:       domain.EventCatalogSynced,
		BusinessID: result.BusinessID,
		MerchantID: result.MerchantID,
		OccurredAt: result.CompletedAt,
		Payload:    payload,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Int64("businessId", result.BusinessID).Msg("Failed to publish catalog sync event")
	}
}
