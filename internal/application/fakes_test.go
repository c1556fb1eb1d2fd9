package application_test

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"
)

func notFound(path string) error {
	return &domain.UpstreamError{Method: http.MethodGet, Path: path, Status: http.StatusNotFound, Body: "not found"}
}

func unauthorized() error {
	return &domain.UpstreamError{Method: http.MethodGet, Path: "/v3/merchants/M1/items", Status: http.StatusUnauthorized, Body: "unauthorized"}
}

func ptr[T any](v T) *T { return &v }

// fakeConnections is an in-memory ports.ConnectionRepository
type fakeConnections struct {
	mu             sync.Mutex
	byBusiness     map[int64]*domain.MerchantConnection
	tokenUpdates   []domain.TokenUpdate
	orderTypeSets  int
	imported       []int64
	needsReconnect []int64
}

func newFakeConnections(conns ...*domain.MerchantConnection) *fakeConnections {
	f := &fakeConnections{byBusiness: map[int64]*domain.MerchantConnection{}}
	for _, c := range conns {
		f.byBusiness[c.BusinessID] = c
	}
	return f
}

func (f *fakeConnections) clone(c *domain.MerchantConnection) *domain.MerchantConnection {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func (f *fakeConnections) GetByBusinessID(_ context.Context, businessID int64) (*domain.MerchantConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clone(f.byBusiness[businessID]), nil
}

func (f *fakeConnections) GetByMerchantID(_ context.Context, merchantID string) (*domain.MerchantConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.byBusiness {
		if c.MerchantID == merchantID {
			return f.clone(c), nil
		}
	}
	return nil, nil
}

func (f *fakeConnections) Upsert(_ context.Context, conn *domain.MerchantConnection) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byBusiness[conn.BusinessID] = f.clone(conn)
	return nil
}

func (f *fakeConnections) UpdateTokens(_ context.Context, businessID int64, update domain.TokenUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokenUpdates = append(f.tokenUpdates, update)
	if c, ok := f.byBusiness[businessID]; ok {
		c.AccessToken = update.AccessToken
		if update.RefreshToken != "" {
			c.RefreshToken = update.RefreshToken
		}
		c.TokenExpiresAt = update.ExpiresAt
		c.NeedsReconnect = false
	}
	return nil
}

func (f *fakeConnections) UpdateOrderType(_ context.Context, businessID int64, id, name string, readyAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orderTypeSets++
	if c, ok := f.byBusiness[businessID]; ok {
		c.FulfillmentOrderTypeID = id
		c.FulfillmentOrderTypeName = name
		c.OrderTypeReadyAt = &readyAt
	}
	return nil
}

func (f *fakeConnections) MarkImported(_ context.Context, businessID int64, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imported = append(f.imported, businessID)
	return nil
}

func (f *fakeConnections) MarkNeedsReconnect(_ context.Context, businessID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needsReconnect = append(f.needsReconnect, businessID)
	if c, ok := f.byBusiness[businessID]; ok {
		c.NeedsReconnect = true
	}
	return nil
}

func (f *fakeConnections) ListExpiring(_ context.Context, before time.Time, after int64, limit int) ([]*domain.MerchantConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.MerchantConnection
	for _, c := range f.byBusiness {
		if c.BusinessID <= after || c.NeedsReconnect {
			continue
		}
		if c.TokenExpiresAt == nil || !c.TokenExpiresAt.After(before) {
			out = append(out, f.clone(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BusinessID < out[j].BusinessID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// fakeTokenEndpoint is a ports.TokenEndpoint with a scripted refresh
type fakeTokenEndpoint struct {
	mu        sync.Mutex
	refreshes int
	refresh   func(refreshToken string) (*domain.TokenGrant, error)
	exchange  func(code string) (*domain.TokenGrant, error)
}

func (f *fakeTokenEndpoint) AuthorizeURL(state string) string {
	return "https://api.example.test/oauth/v2/authorize?state=" + state
}

func (f *fakeTokenEndpoint) ExchangeCode(_ context.Context, code string) (*domain.TokenGrant, error) {
	if f.exchange == nil {
		return nil, fmt.Errorf("exchange not scripted")
	}
	return f.exchange(code)
}

func (f *fakeTokenEndpoint) Refresh(_ context.Context, refreshToken string) (*domain.TokenGrant, error) {
	f.mu.Lock()
	f.refreshes++
	n := f.refreshes
	f.mu.Unlock()
	if f.refresh != nil {
		return f.refresh(refreshToken)
	}
	exp := time.Now().Add(time.Hour)
	return &domain.TokenGrant{AccessToken: fmt.Sprintf("access-%d", n), RefreshToken: fmt.Sprintf("refresh-%d", n), ExpiresAt: &exp}, nil
}

func (f *fakeTokenEndpoint) TokenInfo(accessToken string) map[string]any {
	return map[string]any{"token": accessToken}
}

func (f *fakeTokenEndpoint) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

// fakePOS is an in-memory ports.POSClient
type fakePOS struct {
	mu sync.Mutex

	categories       []ports.POSCategory
	categoryItems    map[string][]ports.POSItem
	items            map[string]*ports.POSItem
	itemsWithGroups  []ports.POSItem
	groups           []ports.POSModifierGroup
	modifiers        map[string][]ports.POSModifier
	taxRates         []ports.POSTaxRate
	taxRateItems     map[string][]ports.POSItem
	orderTypes       []ports.POSOrderType
	systemOrderTypes []ports.POSOrderType
	payments         map[string]*ports.POSPayment
	orders           map[string]*ports.POSOrder

	createOrderType func(body map[string]any) (ports.POSOrderType, error)
	errs            map[string]error
	rejectedTypes   map[string]error

	calls         map[string]int
	createBodies  []map[string]any
	assignedTypes map[string]string
}

func newFakePOS() *fakePOS {
	return &fakePOS{
		categoryItems: map[string][]ports.POSItem{},
		items:         map[string]*ports.POSItem{},
		modifiers:     map[string][]ports.POSModifier{},
		taxRateItems:  map[string][]ports.POSItem{},
		payments:      map[string]*ports.POSPayment{},
		orders:        map[string]*ports.POSOrder{},
		errs:          map[string]error{},
		rejectedTypes: map[string]error{},
		calls:         map[string]int{},
		assignedTypes: map[string]string{},
	}
}

func (f *fakePOS) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	return f.errs[op]
}

func (f *fakePOS) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakePOS) ListCategories(context.Context, string, string) ([]ports.POSCategory, error) {
	if err := f.record("ListCategories"); err != nil {
		return nil, err
	}
	return f.categories, nil
}

func (f *fakePOS) ListCategoryItems(_ context.Context, _, _ string, categoryID string) ([]ports.POSItem, error) {
	if err := f.record("ListCategoryItems"); err != nil {
		return nil, err
	}
	return f.categoryItems[categoryID], nil
}

func (f *fakePOS) GetItem(_ context.Context, _, _ string, itemID string) (*ports.POSItem, error) {
	if err := f.record("GetItem"); err != nil {
		return nil, err
	}
	if it, ok := f.items[itemID]; ok {
		return it, nil
	}
	return nil, notFound("/items/" + itemID)
}

func (f *fakePOS) ListItemsWithModifierGroups(context.Context, string, string) ([]ports.POSItem, error) {
	if err := f.record("ListItemsWithModifierGroups"); err != nil {
		return nil, err
	}
	return f.itemsWithGroups, nil
}

func (f *fakePOS) ListModifierGroups(context.Context, string, string) ([]ports.POSModifierGroup, error) {
	if err := f.record("ListModifierGroups"); err != nil {
		return nil, err
	}
	return f.groups, nil
}

func (f *fakePOS) ListModifiers(_ context.Context, _, _ string, groupID string) ([]ports.POSModifier, error) {
	if err := f.record("ListModifiers"); err != nil {
		return nil, err
	}
	return f.modifiers[groupID], nil
}

func (f *fakePOS) ListTaxRates(context.Context, string, string) ([]ports.POSTaxRate, error) {
	if err := f.record("ListTaxRates"); err != nil {
		return nil, err
	}
	return f.taxRates, nil
}

func (f *fakePOS) ListTaxRateItems(_ context.Context, _, _ string, taxRateID string) ([]ports.POSItem, error) {
	if err := f.record("ListTaxRateItems"); err != nil {
		return nil, err
	}
	return f.taxRateItems[taxRateID], nil
}

func (f *fakePOS) ListOrderTypes(context.Context, string, string) ([]ports.POSOrderType, error) {
	if err := f.record("ListOrderTypes"); err != nil {
		return nil, err
	}
	return f.orderTypes, nil
}

func (f *fakePOS) ListSystemOrderTypes(context.Context, string, string) ([]ports.POSOrderType, error) {
	if err := f.record("ListSystemOrderTypes"); err != nil {
		return nil, err
	}
	return f.systemOrderTypes, nil
}

func (f *fakePOS) CreateOrderType(_ context.Context, _, _ string, body map[string]any) (ports.POSOrderType, error) {
	if err := f.record("CreateOrderType"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.createBodies = append(f.createBodies, body)
	f.mu.Unlock()
	if f.createOrderType != nil {
		return f.createOrderType(body)
	}
	created := ports.POSOrderType{"id": "OT-NEW"}
	for k, v := range body {
		created[k] = v
	}
	f.mu.Lock()
	f.orderTypes = append(f.orderTypes, created)
	f.mu.Unlock()
	return created, nil
}

func (f *fakePOS) GetPayment(_ context.Context, _, _ string, paymentID string) (*ports.POSPayment, error) {
	if err := f.record("GetPayment"); err != nil {
		return nil, err
	}
	if p, ok := f.payments[paymentID]; ok {
		return p, nil
	}
	return nil, notFound("/payments/" + paymentID)
}

func (f *fakePOS) GetOrder(_ context.Context, _, _ string, orderID string) (*ports.POSOrder, error) {
	if err := f.record("GetOrder"); err != nil {
		return nil, err
	}
	if o, ok := f.orders[orderID]; ok {
		return o, nil
	}
	return nil, notFound("/orders/" + orderID)
}

func (f *fakePOS) SetOrderType(_ context.Context, _, _ string, orderID, orderTypeID string) error {
	if err := f.record("SetOrderType"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.rejectedTypes[orderTypeID]; err != nil {
		return err
	}
	f.assignedTypes[orderID] = orderTypeID
	return nil
}

// fakeCatalog keeps catalog rows keyed by their natural keys
type fakeCatalog struct {
	mu         sync.Mutex
	nextID     int64
	categories map[string]domain.CatalogCategory
	items      map[string]domain.CatalogItem
	groups     map[domain.GroupKey]domain.ModifierGroup
	modifiers  map[string]domain.Modifier
	taxRates   map[string]domain.TaxRate
	mappings   map[[2]int64]domain.ProductTaxMapping
	writes     int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		categories: map[string]domain.CatalogCategory{},
		items:      map[string]domain.CatalogItem{},
		groups:     map[domain.GroupKey]domain.ModifierGroup{},
		modifiers:  map[string]domain.Modifier{},
		taxRates:   map[string]domain.TaxRate{},
		mappings:   map[[2]int64]domain.ProductTaxMapping{},
	}
}

func (f *fakeCatalog) id(existing int64) int64 {
	if existing != 0 {
		return existing
	}
	f.nextID++
	return f.nextID
}

func (f *fakeCatalog) UpsertCategories(_ context.Context, categories []domain.CatalogCategory) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int64{}
	for _, c := range categories {
		key := c.MerchantID + "|" + c.ExternalID
		prev, ok := f.categories[key]
		c.ID = f.id(prev.ID)
		if !ok || prev != c {
			f.writes++
		}
		f.categories[key] = c
		out[c.ExternalID] = c.ID
	}
	return out, nil
}

func (f *fakeCatalog) ExistingItems(_ context.Context, merchantID string, externalIDs []string) (map[string]domain.CatalogItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]domain.CatalogItem{}
	for _, id := range externalIDs {
		if it, ok := f.items[merchantID+"|"+id]; ok {
			out[id] = it
		}
	}
	return out, nil
}

func (f *fakeCatalog) UpsertItems(_ context.Context, items []domain.CatalogItem) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int64{}
	for _, it := range items {
		key := it.MerchantID + "|" + it.ExternalID
		prev, ok := f.items[key]
		it.ID = f.id(prev.ID)
		if ok && prev.LocalImage != "" {
			it.LocalImage = prev.LocalImage
		}
		if !ok || prev != it {
			f.writes++
		}
		f.items[key] = it
		out[it.ExternalID] = it.ID
	}
	return out, nil
}

func (f *fakeCatalog) ItemIDsByExternalID(_ context.Context, merchantID string) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int64{}
	for _, it := range f.items {
		if it.MerchantID == merchantID {
			out[it.ExternalID] = it.ID
		}
	}
	return out, nil
}

func (f *fakeCatalog) UpsertModifierGroups(_ context.Context, groups []domain.ModifierGroup) (map[domain.GroupKey]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[domain.GroupKey]int64{}
	for _, g := range groups {
		key := domain.GroupKey{ItemID: g.ItemID, ExternalID: g.ExternalID}
		prev, ok := f.groups[key]
		g.ID = f.id(prev.ID)
		if !ok || prev != g {
			f.writes++
		}
		f.groups[key] = g
		out[key] = g.ID
	}
	return out, nil
}

func (f *fakeCatalog) UpsertModifiers(_ context.Context, modifiers []domain.Modifier) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range modifiers {
		key := fmt.Sprintf("%d|%s", m.GroupID, m.ExternalID)
		prev, ok := f.modifiers[key]
		m.ID = f.id(prev.ID)
		if !ok || prev != m {
			f.writes++
		}
		f.modifiers[key] = m
	}
	return len(modifiers), nil
}

func (f *fakeCatalog) UpsertTaxRates(_ context.Context, rates []domain.TaxRate) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]int64{}
	for _, r := range rates {
		key := fmt.Sprintf("%d|%s", r.BusinessID, r.ExternalID)
		prev, ok := f.taxRates[key]
		r.ID = f.id(prev.ID)
		if !ok || prev != r {
			f.writes++
		}
		f.taxRates[key] = r
		out[r.ExternalID] = r.ID
	}
	return out, nil
}

func (f *fakeCatalog) ReplaceTaxMappings(_ context.Context, _ int64, taxRateIDs []int64, mappings []domain.ProductTaxMapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rates := map[int64]bool{}
	for _, id := range taxRateIDs {
		rates[id] = true
	}
	for k := range f.mappings {
		if rates[k[1]] {
			delete(f.mappings, k)
		}
	}
	for _, m := range mappings {
		f.mappings[[2]int64{m.ItemID, m.TaxRateID}] = m
	}
	return nil
}

// fakeOrders holds local orders and applies the same status guards as the SQL store
type fakeOrders struct {
	mu     sync.Mutex
	orders []*domain.LocalOrder
}

func (f *fakeOrders) find(id int64) *domain.LocalOrder {
	for _, o := range f.orders {
		if o.ID == id {
			return o
		}
	}
	return nil
}

func (f *fakeOrders) MarkPaidByExternalID(_ context.Context, businessID int64, externalOrderID string) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var target *domain.LocalOrder
	for _, o := range f.orders {
		if o.BusinessID != businessID || o.ExternalOrderID != externalOrderID || !o.Status.In(domain.PayableStatuses) {
			continue
		}
		if target == nil || o.CreatedAt.After(target.CreatedAt) {
			target = o
		}
	}
	if target == nil {
		return 0, false, nil
	}
	target.Status = domain.OrderStatusPaid
	return target.ID, true, nil
}

func (f *fakeOrders) RecentUnboundPickupOrders(_ context.Context, businessID int64, since time.Time, limit int) ([]domain.LocalOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.LocalOrder
	for _, o := range f.orders {
		if o.BusinessID == businessID && o.ExternalOrderID == "" && o.OrderType == domain.OrderTypePickup &&
			!o.CreatedAt.Before(since) && o.Status.In(domain.UnboundCandidateStatuses) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeOrders) HasExternalOrder(_ context.Context, businessID int64, externalOrderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.boundTo(businessID, externalOrderID), nil
}

func (f *fakeOrders) boundTo(businessID int64, externalOrderID string) bool {
	for _, o := range f.orders {
		if o.BusinessID == businessID && o.ExternalOrderID == externalOrderID {
			return true
		}
	}
	return false
}

func (f *fakeOrders) MarkPaidAndBind(_ context.Context, businessID, localOrderID int64, externalOrderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.find(localOrderID)
	if o == nil || o.BusinessID != businessID || o.ExternalOrderID != "" || !o.Status.In(domain.UnboundCandidateStatuses) {
		return false, nil
	}
	if f.boundTo(businessID, externalOrderID) {
		return false, nil
	}
	o.Status = domain.OrderStatusPaid
	o.ExternalOrderID = externalOrderID
	return true, nil
}

func (f *fakeOrders) status(id int64) domain.OrderStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.find(id).Status
}

// fakeEvents records published integration events
type fakeEvents struct {
	mu     sync.Mutex
	events []domain.IntegrationEvent
}

func (f *fakeEvents) Publish(_ context.Context, event domain.IntegrationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeEvents) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Type)
	}
	return out
}

// fakeWebhookLog records logged deliveries
type fakeWebhookLog struct {
	mu     sync.Mutex
	logged []*domain.WebhookEvent
}

func (f *fakeWebhookLog) LogWebhook(_ context.Context, event *domain.WebhookEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logged = append(f.logged, event)
	return nil
}

// fakeSessions is an in-memory ports.SessionRepository
type fakeSessions struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session
}

func (f *fakeSessions) CreateSession(_ context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessions == nil {
		f.sessions = map[string]*domain.Session{}
	}
	cp := *session
	f.sessions[session.State] = &cp
	return nil
}

func (f *fakeSessions) ConsumeSession(_ context.Context, state string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[state]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	delete(f.sessions, state)
	return s, nil
}

// countingMetrics counts observations by label
type countingMetrics struct {
	mu       sync.Mutex
	syncs    map[string]int
	webhooks map[string]int
	refresh  map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{syncs: map[string]int{}, webhooks: map[string]int{}, refresh: map[string]int{}}
}

func (m *countingMetrics) ObserveSync(scope domain.SyncScope, result string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs[string(scope)+":"+result]++
}

func (m *countingMetrics) ObserveWebhookEvent(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[outcome]++
}

func (m *countingMetrics) ObserveTokenRefresh(trigger, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[trigger+":"+result]++
}

var (
	_ ports.ConnectionRepository = (*fakeConnections)(nil)
	_ ports.TokenEndpoint        = (*fakeTokenEndpoint)(nil)
	_ ports.POSClient            = (*fakePOS)(nil)
	_ ports.CatalogRepository    = (*fakeCatalog)(nil)
	_ ports.OrderRepository      = (*fakeOrders)(nil)
	_ ports.EventPublisher       = (*fakeEvents)(nil)
	_ ports.WebhookLogRepository = (*fakeWebhookLog)(nil)
	_ ports.SessionRepository    = (*fakeSessions)(nil)
	_ ports.Metrics              = (*countingMetrics)(nil)
)
