package application_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"archie-core-clover-layer/internal/application"
	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncFixture struct {
	pos     *fakePOS
	conns   *fakeConnections
	catalog *fakeCatalog
	events  *fakeEvents
	metrics *countingMetrics
	service *application.CatalogSyncService
}

func newSyncFixture() *syncFixture {
	pos := newFakePOS()
	pos.orderTypes = []ports.POSOrderType{{"id": "OT1", "label": "Pickup (Online)"}}
	pos.categories = []ports.POSCategory{
		{ID: "A", Name: "Mains", SortOrder: ptr(1)},
		{ID: "B", Name: "Drinks", SortOrder: ptr(2)},
	}
	pos.categoryItems["A"] = []ports.POSItem{
		{ID: "I1", Name: "Burger", Price: ptr(int64(1250))},
		{ID: "I2", Name: "Fries", Price: ptr(int64(450))},
		{ID: "I3", Name: "Salad", Price: ptr(int64(899)), Hidden: true},
	}
	pos.itemsWithGroups = []ports.POSItem{
		{ID: "I1", ModifierGroups: ports.POSRefList{{ID: "G1"}}},
		{ID: "I2"},
	}
	pos.groups = []ports.POSModifierGroup{{ID: "G1", Name: "Cheese", MinRequired: ptr(0), MaxAllowed: ptr(1)}}
	pos.modifiers["G1"] = []ports.POSModifier{
		{ID: "MOD1", Name: "Cheddar", Price: ptr(int64(100))},
		{ID: "MOD2", Name: "Swiss", Price: ptr(int64(150))},
	}
	pos.taxRates = []ports.POSTaxRate{{ID: "T1", Name: "Sales tax", Rate: 825000, IsDefault: true}}
	pos.taxRateItems["T1"] = []ports.POSItem{{ID: "I1"}}

	conns := newFakeConnections(connection(time.Hour))
	catalog := newFakeCatalog()
	events := &fakeEvents{}
	metrics := newCountingMetrics()
	logger := zerolog.Nop()

	tokens := application.NewTokenManager(conns, &fakeTokenEndpoint{}, metrics, logger)
	orderTypes := application.NewOrderTypeService(pos, conns, nil, logger)
	service := application.NewCatalogSyncService(conns, catalog, pos, tokens, orderTypes, events, metrics, logger)

	return &syncFixture{pos: pos, conns: conns, catalog: catalog, events: events, metrics: metrics, service: service}
}

func TestCatalogSync_Scenario(t *testing.T) {
	f := newSyncFixture()

	result, err := f.service.SyncCatalog(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, 2, result.Categories)
	assert.Equal(t, 3, result.Items)
	assert.Equal(t, 1, result.ModifierGroups)
	assert.Equal(t, 2, result.ModifierOptions)
	assert.Equal(t, 1, result.TaxRates)
	assert.Equal(t, 1, result.TaxMappings)
	require.NotNil(t, result.PickupOrderType)
	assert.Equal(t, "OT1", result.PickupOrderType.ID)

	assert.Len(t, f.catalog.categories, 2)
	assert.Len(t, f.catalog.items, 3)
	assert.Len(t, f.catalog.groups, 1)
	assert.Len(t, f.catalog.modifiers, 2)
	assert.Len(t, f.catalog.taxRates, 1)
	assert.Len(t, f.catalog.mappings, 1)

	burger := f.catalog.items["M1|I1"]
	assert.Equal(t, int64(1250), burger.PriceMinorUnits)
	assert.Equal(t, "12.5", burger.Price().String())
	assert.True(t, burger.AvailableUpstream)
	assert.False(t, f.catalog.items["M1|I3"].AvailableUpstream)

	assert.Equal(t, []int64{7}, f.conns.imported)
	assert.Equal(t, []string{domain.EventCatalogSynced}, f.events.types())
	assert.Equal(t, 1, f.metrics.syncs["full:success"])
}

func TestCatalogSync_Idempotent(t *testing.T) {
	f := newSyncFixture()
	ctx := context.Background()

	_, err := f.service.SyncCatalog(ctx, 7)
	require.NoError(t, err)
	before := f.catalog.writes
	snapshot := len(f.catalog.items) + len(f.catalog.modifiers) + len(f.catalog.mappings)

	_, err = f.service.SyncCatalog(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, before, f.catalog.writes, "a second run with unchanged data must not change any row")
	assert.Equal(t, snapshot, len(f.catalog.items)+len(f.catalog.modifiers)+len(f.catalog.mappings))
}

func TestCatalogSync_PreservesLocalFields(t *testing.T) {
	f := newSyncFixture()
	ctx := context.Background()

	_, err := f.service.SyncCatalog(ctx, 7)
	require.NoError(t, err)

	item := f.catalog.items["M1|I1"]
	item.LocalImage = "https://cdn.example.test/burger.jpg"
	item.SortOrder = 42
	item.Description = "House burger"
	f.catalog.items["M1|I1"] = item

	_, err = f.service.SyncCatalog(ctx, 7)
	require.NoError(t, err)

	after := f.catalog.items["M1|I1"]
	assert.Equal(t, "https://cdn.example.test/burger.jpg", after.LocalImage)
	assert.Equal(t, 42, after.SortOrder)
	assert.Equal(t, "House burger", after.Description)
}

func TestCatalogSync_ItemDetails(t *testing.T) {
	t.Run("fetches an item when the listing omits its price", func(t *testing.T) {
		f := newSyncFixture()
		f.pos.categoryItems["B"] = []ports.POSItem{{ID: "I4", Name: "Cola"}}
		f.pos.items["I4"] = &ports.POSItem{ID: "I4", Name: "Cola", Price: ptr(int64(299))}

		_, err := f.service.SyncCatalog(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, 1, f.pos.callCount("GetItem"))
		assert.Equal(t, int64(299), f.catalog.items["M1|I4"].PriceMinorUnits)
	})

	t.Run("missing price falls back to zero", func(t *testing.T) {
		f := newSyncFixture()
		f.pos.categoryItems["B"] = []ports.POSItem{{ID: "I5", Name: "Water"}}
		f.pos.items["I5"] = &ports.POSItem{ID: "I5", Name: "Water"}

		_, err := f.service.SyncCatalog(context.Background(), 7)
		require.NoError(t, err)
		assert.Zero(t, f.catalog.items["M1|I5"].PriceMinorUnits)
	})

	t.Run("an item in two categories is written under the first", func(t *testing.T) {
		f := newSyncFixture()
		f.pos.categoryItems["B"] = []ports.POSItem{{ID: "I1", Name: "Burger", Price: ptr(int64(1250))}}

		result, err := f.service.SyncCatalog(context.Background(), 7)
		require.NoError(t, err)
		assert.Equal(t, 3, result.Items)
		sectionA := f.catalog.categories["M1|A"].ID
		assert.Equal(t, sectionA, f.catalog.items["M1|I1"].SectionID)
	})
}

func TestCatalogSync_Failures(t *testing.T) {
	t.Run("unknown business", func(t *testing.T) {
		f := newSyncFixture()
		_, err := f.service.SyncCatalog(context.Background(), 99)

		var syncErr *domain.SyncError
		require.True(t, errors.As(err, &syncErr))
		assert.Equal(t, domain.StageConnection, syncErr.Stage)
		assert.True(t, errors.Is(err, domain.ErrConnectionNotFound))
	})

	t.Run("an upstream failure aborts the remaining stages", func(t *testing.T) {
		f := newSyncFixture()
		f.pos.errs["ListModifierGroups"] = &domain.UpstreamError{Status: http.StatusBadGateway}

		_, err := f.service.SyncCatalog(context.Background(), 7)

		var syncErr *domain.SyncError
		require.True(t, errors.As(err, &syncErr))
		assert.Equal(t, domain.StageModifierGroups, syncErr.Stage)
		assert.Len(t, f.catalog.items, 3, "items written before the failure stay")
		assert.Zero(t, f.pos.callCount("ListTaxRates"))
		assert.Empty(t, f.conns.imported)
		assert.Empty(t, f.events.types())
		assert.Equal(t, 1, f.metrics.syncs["full:error"])
	})

	t.Run("exhausted authorization is reported as auth expired", func(t *testing.T) {
		f := newSyncFixture()
		f.pos.errs["ListCategories"] = unauthorized()

		_, err := f.service.SyncCatalog(context.Background(), 7)
		assert.True(t, errors.Is(err, domain.ErrAuthExpired))
		assert.Equal(t, 1, f.metrics.syncs["full:auth_expired"])
	})
}

func TestCatalogSync_TaxRatesOnly(t *testing.T) {
	f := newSyncFixture()
	ctx := context.Background()

	_, err := f.service.SyncCatalog(ctx, 7)
	require.NoError(t, err)

	f.pos.taxRateItems["T1"] = []ports.POSItem{{ID: "I1"}, {ID: "I2"}, {ID: "UNKNOWN"}}
	result, err := f.service.SyncTaxRates(ctx, 7)
	require.NoError(t, err)

	assert.Equal(t, domain.ScopeTaxRates, result.Scope)
	assert.Equal(t, 1, result.TaxRates)
	assert.Equal(t, 2, result.TaxMappings)
	assert.Len(t, f.catalog.mappings, 2)
	assert.Equal(t, 1, f.pos.callCount("ListCategories"), "tax-only sync does not touch categories")
}
