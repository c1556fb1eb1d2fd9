package ports

import (
	"context"
	"time"

	"archie-core-clover-layer/internal/domain"
)

// ConnectionRepository persists merchant connections
type ConnectionRepository interface {
	GetByBusinessID(ctx context.Context, businessID int64) (*domain.MerchantConnection, error)
	GetByMerchantID(ctx context.Context, merchantID string) (*domain.MerchantConnection, error)
	Upsert(ctx context.Context, conn *domain.MerchantConnection) error
	UpdateTokens(ctx context.Context, businessID int64, update domain.TokenUpdate) error
	UpdateOrderType(ctx context.Context, businessID int64, orderTypeID, orderTypeName string, readyAt time.Time) error
	MarkImported(ctx context.Context, businessID int64, at time.Time) error
	MarkNeedsReconnect(ctx context.Context, businessID int64) error

	// ListExpiring pages connections whose token expires before the given time (or has no expiry),
	// ordered by business id and starting after afterBusinessID
	ListExpiring(ctx context.Context, before time.Time, afterBusinessID int64, limit int) ([]*domain.MerchantConnection, error)
}

// SessionRepository persists pending OAuth connect flows
type SessionRepository interface {
	CreateSession(ctx context.Context, session *domain.Session) error
	// ConsumeSession returns and deletes the unexpired session for state, or nil
	ConsumeSession(ctx context.Context, state string) (*domain.Session, error)
}

// WebhookLogRepository records inbound deliveries
type WebhookLogRepository interface {
	LogWebhook(ctx context.Context, event *domain.WebhookEvent) error
}

// CatalogRepository writes imported catalog rows. Every write is an upsert on the
// documented natural key, so repeated application is idempotent.
type CatalogRepository interface {
	// UpsertCategories returns local ids keyed by external category id
	UpsertCategories(ctx context.Context, categories []domain.CatalogCategory) (map[string]int64, error)
	// ExistingItems returns previously imported items keyed by external item id
	ExistingItems(ctx context.Context, merchantID string, externalIDs []string) (map[string]domain.CatalogItem, error)
	// UpsertItems returns local ids keyed by external item id
	UpsertItems(ctx context.Context, items []domain.CatalogItem) (map[string]int64, error)
	// ItemIDsByExternalID returns every imported item of the merchant
	ItemIDsByExternalID(ctx context.Context, merchantID string) (map[string]int64, error)
	UpsertModifierGroups(ctx context.Context, groups []domain.ModifierGroup) (map[domain.GroupKey]int64, error)
	UpsertModifiers(ctx context.Context, modifiers []domain.Modifier) (int, error)
	// UpsertTaxRates returns local ids keyed by external tax rate id
	UpsertTaxRates(ctx context.Context, rates []domain.TaxRate) (map[string]int64, error)
	// ReplaceTaxMappings deletes the mappings of the given tax rates and inserts the new set
	ReplaceTaxMappings(ctx context.Context, businessID int64, taxRateIDs []int64, mappings []domain.ProductTaxMapping) error
}

// OrderRepository performs conditional status updates on local orders
type OrderRepository interface {
	// MarkPaidByExternalID moves the order bound to externalOrderID to paid when its status is payable
	MarkPaidByExternalID(ctx context.Context, businessID int64, externalOrderID string) (localOrderID int64, updated bool, err error)
	// HasExternalOrder reports whether any order of the business, in any status, is bound to externalOrderID
	HasExternalOrder(ctx context.Context, businessID int64, externalOrderID string) (bool, error)
	// RecentUnboundPickupOrders lists pickup orders with no external id created since the given time, newest first
	RecentUnboundPickupOrders(ctx context.Context, businessID int64, since time.Time, limit int) ([]domain.LocalOrder, error)
	// MarkPaidAndBind moves one unbound order to paid and binds the external id
	MarkPaidAndBind(ctx context.Context, businessID, localOrderID int64, externalOrderID string) (bool, error)
}
