package ports

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"archie-core-clover-layer/internal/domain"
)

// POSClient defines the POS platform REST operations. Every call takes the merchant id and
// the bearer token to use; non-2xx answers come back as *domain.UpstreamError.
type POSClient interface {
	// Catalog
	ListCategories(ctx context.Context, merchantID, accessToken string) ([]POSCategory, error)
	ListCategoryItems(ctx context.Context, merchantID, accessToken, categoryID string) ([]POSItem, error)
	GetItem(ctx context.Context, merchantID, accessToken, itemID string) (*POSItem, error)
	ListItemsWithModifierGroups(ctx context.Context, merchantID, accessToken string) ([]POSItem, error)
	ListModifierGroups(ctx context.Context, merchantID, accessToken string) ([]POSModifierGroup, error)
	ListModifiers(ctx context.Context, merchantID, accessToken, groupID string) ([]POSModifier, error)

	// Taxes
	ListTaxRates(ctx context.Context, merchantID, accessToken string) ([]POSTaxRate, error)
	ListTaxRateItems(ctx context.Context, merchantID, accessToken, taxRateID string) ([]POSItem, error)

	// Order types
	ListOrderTypes(ctx context.Context, merchantID, accessToken string) ([]POSOrderType, error)
	ListSystemOrderTypes(ctx context.Context, merchantID, accessToken string) ([]POSOrderType, error)
	CreateOrderType(ctx context.Context, merchantID, accessToken string, body map[string]any) (POSOrderType, error)

	// Payments and orders
	GetPayment(ctx context.Context, merchantID, accessToken, paymentID string) (*POSPayment, error)
	GetOrder(ctx context.Context, merchantID, accessToken, orderID string) (*POSOrder, error)
	SetOrderType(ctx context.Context, merchantID, accessToken, orderID, orderTypeID string) error
}

// TokenEndpoint is the platform's OAuth surface
type TokenEndpoint interface {
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*domain.TokenGrant, error)
	Refresh(ctx context.Context, refreshToken string) (*domain.TokenGrant, error)
	// TokenInfo returns the non-secret claims of an access token for reconnect prompts
	TokenInfo(accessToken string) map[string]any
}

// POSRef is an {"id": ...} reference
type POSRef struct {
	ID string `json:"id"`
}

// POSRefList decodes either a bare array or an {"elements": [...]} wrapper
type POSRefList []POSRef

func (l *POSRefList) UnmarshalJSON(data []byte) error {
	refs, err := DecodeElements[POSRef](data, "")
	if err != nil {
		return err
	}
	*l = refs
	return nil
}

// POSCategory is a platform category
type POSCategory struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	SortOrder *int   `json:"sortOrder"`
	Sequence  *int   `json:"sequence"`
	Deleted   bool   `json:"deleted"`
}

// Position returns the platform ordering, or fallback when none is given
func (c POSCategory) Position(fallback int) int {
	if c.SortOrder != nil {
		return *c.SortOrder
	}
	if c.Sequence != nil {
		return *c.Sequence
	}
	return fallback
}

// POSItem is a platform inventory item
type POSItem struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	AlternateName  string     `json:"alternateName"`
	Description    string     `json:"description"`
	Price          *int64     `json:"price"`
	Hidden         bool       `json:"hidden"`
	Available      *bool      `json:"available"`
	IsDeleted      bool       `json:"isDeleted"`
	Deleted        bool       `json:"deleted"`
	ModifierGroups POSRefList `json:"modifierGroups"`
}

// Removed reports whether the platform flagged the item as deleted
func (i POSItem) Removed() bool {
	return i.IsDeleted || i.Deleted
}

// Sellable reports whether the platform currently offers the item
func (i POSItem) Sellable() bool {
	if i.Hidden || i.Removed() {
		return false
	}
	return i.Available == nil || *i.Available
}

// POSModifierGroup is a platform modifier group
type POSModifierGroup struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MinRequired *int   `json:"minRequired"`
	MaxAllowed  *int   `json:"maxAllowed"`
	Deleted     bool   `json:"deleted"`
}

// POSModifier is one option of a modifier group
type POSModifier struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Price     *int64 `json:"price"`
	Available *bool  `json:"available"`
	Deleted   bool   `json:"deleted"`
	IsDeleted bool   `json:"isDeleted"`
}

// POSTaxRate is a platform tax rate
type POSTaxRate struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Rate      int64  `json:"rate"`
	IsDefault bool   `json:"isDefault"`
	Deleted   bool   `json:"deleted"`
}

// POSOrderType keeps the raw fields because the label field name varies between accounts
type POSOrderType map[string]any

// ID returns the order type id
func (t POSOrderType) ID() string {
	return t.Field("id")
}

// Field returns the first non-empty string among keys. Nested {"id": ...} objects yield their id.
func (t POSOrderType) Field(keys ...string) string {
	for _, key := range keys {
		switch v := t[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case map[string]any:
			if id, ok := v["id"].(string); ok && id != "" {
				return id
			}
		}
	}
	return ""
}

// POSPayment is a platform payment, fetched with its order expanded
type POSPayment struct {
	ID            string  `json:"id"`
	Result        string  `json:"result"`
	Status        string  `json:"status"`
	State         string  `json:"state"`
	PaymentResult string  `json:"paymentResult"`
	Order         *POSRef `json:"order"`
	OrderID       string  `json:"orderId"`
	OrderIDSnake  string  `json:"order_id"`
}

var failedPaymentPattern = regexp.MustCompile(`(?i)declin|fail|cancel|void|error`)

// Outcome returns whichever status field the platform populated
func (p POSPayment) Outcome() string {
	for _, s := range []string{p.Result, p.Status, p.State, p.PaymentResult} {
		if s != "" {
			return s
		}
	}
	return ""
}

// Failed reports whether the payment did not capture money
func (p POSPayment) Failed() bool {
	return failedPaymentPattern.MatchString(p.Outcome())
}

// ResolvedOrderID returns the order the payment belongs to
func (p POSPayment) ResolvedOrderID() string {
	if p.Order != nil && p.Order.ID != "" {
		return p.Order.ID
	}
	if p.OrderID != "" {
		return p.OrderID
	}
	return p.OrderIDSnake
}

// POSPaymentList decodes either a bare array or an {"elements": [...]} wrapper
type POSPaymentList []POSPayment

func (l *POSPaymentList) UnmarshalJSON(data []byte) error {
	payments, err := DecodeElements[POSPayment](data, "")
	if err != nil {
		return err
	}
	*l = payments
	return nil
}

// POSOrder is a platform order, fetched with its payments expanded
type POSOrder struct {
	ID       string         `json:"id"`
	State    string         `json:"state"`
	Payments POSPaymentList `json:"payments"`
}

// HasSuccessfulPayment reports whether at least one recorded payment did not fail
func (o POSOrder) HasSuccessfulPayment() bool {
	for _, p := range o.Payments {
		if !p.Failed() {
			return true
		}
	}
	return false
}

// DecodeElements decodes a list response. The platform answers with {"elements": [...]},
// a bare array, or an object holding the array under key.
func DecodeElements[T any](data []byte, key string) ([]T, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}

	if data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("failed to decode list: %w", err)
		}
		return items, nil
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to decode list wrapper: %w", err)
	}
	if elements, ok := wrapper["elements"]; ok {
		return DecodeElements[T](elements, "")
	}
	if key != "" {
		if nested, ok := wrapper[key]; ok {
			return DecodeElements[T](nested, "")
		}
	}
	return nil, nil
}
