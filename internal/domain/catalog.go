package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

var minorUnitsPerMajor = decimal.NewFromInt(100)

// taxRateScale converts the platform's integer rate to a percentage (1000000 == 10%)
var taxRateScale = decimal.NewFromInt(100000)

// MinorToMajor converts an amount in minor currency units (cents) to major units
func MinorToMajor(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(minorUnitsPerMajor)
}

// CatalogCategory is a menu section imported from a POS category
type CatalogCategory struct {
	ID          int64
	BusinessID  int64
	ExternalID  string
	MerchantID  string
	Title       string
	Description string
	SortOrder   int
	Active      bool
}

// CatalogItem is a product imported from a POS item
type CatalogItem struct {
	ID                int64
	SectionID         int64
	BusinessID        int64
	ExternalID        string
	MerchantID        string
	Name              string
	Description       string
	PriceMinorUnits   int64
	SortOrder         int
	Active            bool
	AvailableUpstream bool
	// LocalImage is managed locally and is never sent by the platform
	LocalImage string
}

// Price returns the item price in major currency units
func (i CatalogItem) Price() decimal.Decimal {
	return MinorToMajor(i.PriceMinorUnits)
}

// ModifierGroup is keyed by (ItemID, ExternalID)
type ModifierGroup struct {
	ID         int64
	ItemID     int64
	BusinessID int64
	ExternalID string
	MerchantID string
	Name       string
	MinSelect  int
	MaxSelect  int
	Active     bool
}

// Required reports whether at least one modifier must be chosen
func (g ModifierGroup) Required() bool {
	return g.MinSelect > 0
}

// GroupKey identifies a modifier group row by its natural key
type GroupKey struct {
	ItemID     int64
	ExternalID string
}

// Modifier is keyed by (GroupID, ExternalID)
type Modifier struct {
	ID              int64
	GroupID         int64
	ItemID          int64
	BusinessID      int64
	ExternalID      string
	MerchantID      string
	Name            string
	PriceMinorUnits int64
	Active          bool
}

// Price returns the modifier surcharge in major currency units
func (m Modifier) Price() decimal.Decimal {
	return MinorToMajor(m.PriceMinorUnits)
}

// TaxRate is keyed by (BusinessID, ExternalID)
type TaxRate struct {
	ID         int64
	BusinessID int64
	ExternalID string
	MerchantID string
	Name       string
	Rate       int64
	IsDefault  bool
	Active     bool
}

// Percent returns the rate as a percentage
func (t TaxRate) Percent() decimal.Decimal {
	return decimal.NewFromInt(t.Rate).Div(taxRateScale)
}

// ProductTaxMapping links a local item to a local tax rate
type ProductTaxMapping struct {
	BusinessID int64
	ItemID     int64
	TaxRateID  int64
}

// SyncStage names one step of the catalog sync pipeline
type SyncStage string

const (
	StageConnection     SyncStage = "connection"
	StageOrderType      SyncStage = "order_type"
	StageCategories     SyncStage = "categories"
	StageItems          SyncStage = "items"
	StageModifierGroups SyncStage = "modifier_groups"
	StageModifiers      SyncStage = "modifiers"
	StageTaxRates       SyncStage = "tax_rates"
	StageTaxMappings    SyncStage = "tax_mappings"
)

// SyncScope distinguishes a full import from a tax-only refresh
type SyncScope string

const (
	ScopeFull     SyncScope = "full"
	ScopeTaxRates SyncScope = "tax_rates"
)

// OrderTypeRef identifies the fulfillment order type on the platform
type OrderTypeRef struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Created bool   `json:"created"`
}

// SyncResult counts the rows written by one sync run
type SyncResult struct {
	BusinessID      int64         `json:"business_id"`
	MerchantID      string        `json:"merchant_id"`
	Scope           SyncScope     `json:"scope"`
	Categories      int           `json:"categories"`
	Items           int           `json:"items"`
	ModifierGroups  int           `json:"modifier_groups"`
	ModifierOptions int           `json:"modifier_options"`
	TaxRates        int           `json:"tax_rates"`
	TaxMappings     int           `json:"tax_mappings"`
	PickupOrderType *OrderTypeRef `json:"pickup_order_type,omitempty"`
	CompletedAt     time.Time     `json:"completed_at"`
}
