package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	sectionsTable      = "menu_sections"
	productsTable      = "menu_products"
	optionGroupsTable  = "product_option_groups"
	optionsTable       = "product_options"
	taxRatesTable      = "pos_tax_rates"
	productTaxTable    = "product_tax_rates"
	lookupChunkSize    = 500
	minorUnitsPerMajor = 100
)

var (
	sectionColumns = []columnDef{
		col("id"),
		col("business_id"),
		col("merchant_id", "merchant_id", "clover_merchant_id"),
		col("external_id", "external_category_id", "clover_category_id"),
		col("title", "title", "name"),
		optionalCol("description"),
		optionalCol("sort_order", "sort_order", "position"),
		optionalCol("active"),
		optionalCol("updated_at"),
	}
	productColumns = []columnDef{
		col("id"),
		col("section_id", "section_id", "menu_id"),
		col("business_id"),
		col("merchant_id", "merchant_id", "clover_merchant_id"),
		col("external_id", "external_item_id", "clover_item_id"),
		col("name"),
		optionalCol("description"),
		col("price"),
		optionalCol("sort_order", "sort_order", "position"),
		optionalCol("active"),
		optionalCol("available_upstream", "available_upstream", "pos_available"),
		optionalCol("image", "image", "local_image", "image_url"),
		optionalCol("updated_at"),
	}
	groupColumns = []columnDef{
		col("id"),
		col("product_id", "product_id", "item_id"),
		optionalCol("business_id"),
		optionalCol("merchant_id", "merchant_id", "clover_merchant_id"),
		col("external_id", "external_group_id", "clover_modifier_group_id"),
		col("name"),
		optionalCol("min_select", "min_select", "min_sel"),
		optionalCol("max_select", "max_select", "max_sel"),
		optionalCol("required"),
		optionalCol("active"),
		optionalCol("updated_at"),
	}
	optionColumns = []columnDef{
		col("id"),
		col("group_id", "group_id", "option_group_id"),
		optionalCol("product_id", "product_id", "item_id"),
		optionalCol("business_id"),
		optionalCol("merchant_id", "merchant_id", "clover_merchant_id"),
		col("external_id", "external_modifier_id", "clover_modifier_id"),
		col("name"),
		col("price_delta", "price_delta", "extra_price", "price"),
		optionalCol("active"),
		optionalCol("updated_at"),
	}
	taxRateColumns = []columnDef{
		col("id"),
		col("business_id"),
		optionalCol("merchant_id", "merchant_id", "clover_merchant_id"),
		col("external_id", "external_tax_rate_id", "clover_tax_rate_id"),
		col("name"),
		col("rate"),
		optionalCol("percent", "percent", "rate_percent"),
		optionalCol("is_default"),
		optionalCol("active"),
		optionalCol("updated_at"),
	}
	productTaxColumns = []columnDef{
		col("product_id", "product_id", "item_id"),
		col("tax_rate_id"),
		optionalCol("business_id"),
	}
)

// PostgresCatalogRepository writes the imported catalog into the storefront tables
type PostgresCatalogRepository struct {
	db     *sql.DB
	probe  *ColumnProbe
	logger zerolog.Logger
}

var _ ports.CatalogRepository = (*PostgresCatalogRepository)(nil)

// NewPostgresCatalogRepository creates a catalog repository over db
func NewPostgresCatalogRepository(db *sql.DB, probe *ColumnProbe, logger zerolog.Logger) *PostgresCatalogRepository {
	return &PostgresCatalogRepository{db: db, probe: probe, logger: logger}
}

// project keeps the logical keys present in layout and returns their physical names and values
func project(layout tableLayout, keys []string, values map[string]any) ([]string, []any) {
	cols := make([]string, 0, len(keys))
	row := make([]any, 0, len(keys))
	for _, k := range keys {
		if !layout.Has(k) {
			continue
		}
		cols = append(cols, layout.Col(k))
		row = append(row, values[k])
	}
	return cols, row
}

func planFor(layout tableLayout, cols []string, conflict ...string) upsertPlan {
	plan := upsertPlan{Table: layout.Table, Columns: cols}
	for _, k := range conflict {
		plan.Conflict = append(plan.Conflict, layout.Col(k))
	}
	if layout.Has("updated_at") {
		plan.UpdatedAt = layout.Col("updated_at")
	}
	return plan
}

func (r *PostgresCatalogRepository) UpsertCategories(ctx context.Context, categories []domain.CatalogCategory) (map[string]int64, error) {
	ids := make(map[string]int64, len(categories))
	if len(categories) == 0 {
		return ids, nil
	}
	layout, err := r.probe.Layout(ctx, sectionsTable, sectionColumns...)
	if err != nil {
		return nil, err
	}

	keys := []string{"business_id", "merchant_id", "external_id", "title", "description", "sort_order", "active"}
	cols, _ := project(layout, keys, nil)
	rows := make([][]any, 0, len(categories))
	for _, c := range categories {
		_, row := project(layout, keys, map[string]any{
			"business_id": c.BusinessID,
			"merchant_id": c.MerchantID,
			"external_id": c.ExternalID,
			"title":       c.Title,
			"description": nullString(c.Description),
			"sort_order":  c.SortOrder,
			"active":      c.Active,
		})
		rows = append(rows, row)
	}

	plan := planFor(layout, cols, "external_id", "merchant_id")
	plan.Returning = []string{layout.Col("id"), layout.Col("external_id")}

	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		return execUpsert(ctx, tx, plan, rows, func(rs *sql.Rows) error {
			var (
				id  int64
				ext string
			)
			if err := rs.Scan(&id, &ext); err != nil {
				return err
			}
			ids[ext] = id
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert categories: %w", err)
	}
	return ids, nil
}

func (r *PostgresCatalogRepository) ExistingItems(ctx context.Context, merchantID string, externalIDs []string) (map[string]domain.CatalogItem, error) {
	items := make(map[string]domain.CatalogItem, len(externalIDs))
	if len(externalIDs) == 0 {
		return items, nil
	}
	layout, err := r.probe.Layout(ctx, productsTable, productColumns...)
	if err != nil {
		return nil, err
	}

	selectCols := []string{
		quoteIdent(layout.Col("id")),
		quoteIdent(layout.Col("external_id")),
		quoteIdent(layout.Col("section_id")),
		quoteIdent(layout.Col("name")),
		quoteIdent(layout.Col("price")),
		optionalSelect(layout, "description", "''"),
		optionalSelect(layout, "sort_order", "0"),
		optionalSelect(layout, "image", "''"),
	}

	for start := 0; start < len(externalIDs); start += lookupChunkSize {
		end := start + lookupChunkSize
		if end > len(externalIDs) {
			end = len(externalIDs)
		}
		chunk := externalIDs[start:end]

		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = $1 AND %s IN (%s)",
			strings.Join(selectCols, ", "),
			quoteIdent(productsTable),
			quoteIdent(layout.Col("merchant_id")),
			quoteIdent(layout.Col("external_id")),
			placeholders(2, len(chunk)))

		args := make([]any, 0, len(chunk)+1)
		args = append(args, merchantID)
		for _, id := range chunk {
			args = append(args, id)
		}

		if err := r.scanItems(ctx, query, args, merchantID, items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

func (r *PostgresCatalogRepository) scanItems(ctx context.Context, query string, args []any, merchantID string, into map[string]domain.CatalogItem) error {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to load existing items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item        domain.CatalogItem
			price       decimal.NullDecimal
			description sql.NullString
			sortOrder   sql.NullInt64
			image       sql.NullString
		)
		if err := rows.Scan(&item.ID, &item.ExternalID, &item.SectionID, &item.Name, &price, &description, &sortOrder, &image); err != nil {
			return fmt.Errorf("failed to scan existing item: %w", err)
		}
		item.MerchantID = merchantID
		if price.Valid {
			item.PriceMinorUnits = price.Decimal.Mul(decimal.NewFromInt(minorUnitsPerMajor)).Round(0).IntPart()
		}
		item.Description = description.String
		item.SortOrder = int(sortOrder.Int64)
		item.LocalImage = image.String
		into[item.ExternalID] = item
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to load existing items: %w", err)
	}
	return nil
}

func optionalSelect(layout tableLayout, key, fallback string) string {
	if layout.Has(key) {
		return quoteIdent(layout.Col(key))
	}
	return fallback
}

func (r *PostgresCatalogRepository) UpsertItems(ctx context.Context, items []domain.CatalogItem) (map[string]int64, error) {
	ids := make(map[string]int64, len(items))
	if len(items) == 0 {
		return ids, nil
	}
	layout, err := r.probe.Layout(ctx, productsTable, productColumns...)
	if err != nil {
		return nil, err
	}

	keys := []string{"section_id", "business_id", "merchant_id", "external_id", "name", "description", "price",
		"sort_order", "active", "available_upstream", "image"}
	cols, _ := project(layout, keys, nil)
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		_, row := project(layout, keys, map[string]any{
			"section_id":         it.SectionID,
			"business_id":        it.BusinessID,
			"merchant_id":        it.MerchantID,
			"external_id":        it.ExternalID,
			"name":               it.Name,
			"description":        nullString(it.Description),
			"price":              it.Price(),
			"sort_order":         it.SortOrder,
			"active":             it.Active,
			"available_upstream": it.AvailableUpstream,
			"image":              nullString(it.LocalImage),
		})
		rows = append(rows, row)
	}

	plan := planFor(layout, cols, "external_id", "merchant_id")
	if layout.Has("image") {
		plan.InsertOnly = []string{layout.Col("image")}
	}
	plan.Returning = []string{layout.Col("id"), layout.Col("external_id")}

	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		return execUpsert(ctx, tx, plan, rows, func(rs *sql.Rows) error {
			var (
				id  int64
				ext string
			)
			if err := rs.Scan(&id, &ext); err != nil {
				return err
			}
			ids[ext] = id
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert items: %w", err)
	}
	return ids, nil
}

func (r *PostgresCatalogRepository) ItemIDsByExternalID(ctx context.Context, merchantID string) (map[string]int64, error) {
	layout, err := r.probe.Layout(ctx, productsTable, productColumns...)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = $1",
		quoteIdent(layout.Col("id")),
		quoteIdent(layout.Col("external_id")),
		quoteIdent(productsTable),
		quoteIdent(layout.Col("merchant_id")))

	rows, err := r.db.QueryContext(ctx, query, merchantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list imported items: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]int64)
	for rows.Next() {
		var (
			id  int64
			ext sql.NullString
		)
		if err := rows.Scan(&id, &ext); err != nil {
			return nil, fmt.Errorf("failed to scan imported item: %w", err)
		}
		if ext.Valid && ext.String != "" {
			ids[ext.String] = id
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list imported items: %w", err)
	}
	return ids, nil
}

func (r *PostgresCatalogRepository) UpsertModifierGroups(ctx context.Context, groups []domain.ModifierGroup) (map[domain.GroupKey]int64, error) {
	ids := make(map[domain.GroupKey]int64, len(groups))
	if len(groups) == 0 {
		return ids, nil
	}
	layout, err := r.probe.Layout(ctx, optionGroupsTable, groupColumns...)
	if err != nil {
		return nil, err
	}

	keys := []string{"product_id", "business_id", "merchant_id", "external_id", "name", "min_select", "max_select", "required", "active"}
	cols, _ := project(layout, keys, nil)
	rows := make([][]any, 0, len(groups))
	for _, g := range groups {
		_, row := project(layout, keys, map[string]any{
			"product_id":  g.ItemID,
			"business_id": g.BusinessID,
			"merchant_id": g.MerchantID,
			"external_id": g.ExternalID,
			"name":        g.Name,
			"min_select":  g.MinSelect,
			"max_select":  g.MaxSelect,
			"required":    g.Required(),
			"active":      g.Active,
		})
		rows = append(rows, row)
	}

	plan := planFor(layout, cols, "product_id", "external_id")
	plan.Returning = []string{layout.Col("id"), layout.Col("product_id"), layout.Col("external_id")}

	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		return execUpsert(ctx, tx, plan, rows, func(rs *sql.Rows) error {
			var (
				id  int64
				key domain.GroupKey
			)
			if err := rs.Scan(&id, &key.ItemID, &key.ExternalID); err != nil {
				return err
			}
			ids[key] = id
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert modifier groups: %w", err)
	}
	return ids, nil
}

func (r *PostgresCatalogRepository) UpsertModifiers(ctx context.Context, modifiers []domain.Modifier) (int, error) {
	if len(modifiers) == 0 {
		return 0, nil
	}
	layout, err := r.probe.Layout(ctx, optionsTable, optionColumns...)
	if err != nil {
		return 0, err
	}

	keys := []string{"group_id", "product_id", "business_id", "merchant_id", "external_id", "name", "price_delta", "active"}
	cols, _ := project(layout, keys, nil)
	rows := make([][]any, 0, len(modifiers))
	for _, m := range modifiers {
		_, row := project(layout, keys, map[string]any{
			"group_id":    m.GroupID,
			"product_id":  m.ItemID,
			"business_id": m.BusinessID,
			"merchant_id": m.MerchantID,
			"external_id": m.ExternalID,
			"name":        m.Name,
			"price_delta": m.Price(),
			"active":      m.Active,
		})
		rows = append(rows, row)
	}

	plan := planFor(layout, cols, "group_id", "external_id")
	plan.Returning = []string{layout.Col("id")}

	written := 0
	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		return execUpsert(ctx, tx, plan, rows, func(*sql.Rows) error {
			written++
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("failed to upsert modifiers: %w", err)
	}
	return written, nil
}

func (r *PostgresCatalogRepository) UpsertTaxRates(ctx context.Context, rates []domain.TaxRate) (map[string]int64, error) {
	ids := make(map[string]int64, len(rates))
	if len(rates) == 0 {
		return ids, nil
	}
	layout, err := r.probe.Layout(ctx, taxRatesTable, taxRateColumns...)
	if err != nil {
		return nil, err
	}

	keys := []string{"business_id", "merchant_id", "external_id", "name", "rate", "percent", "is_default", "active"}
	cols, _ := project(layout, keys, nil)
	rows := make([][]any, 0, len(rates))
	for _, t := range rates {
		_, row := project(layout, keys, map[string]any{
			"business_id": t.BusinessID,
			"merchant_id": t.MerchantID,
			"external_id": t.ExternalID,
			"name":        t.Name,
			"rate":        t.Rate,
			"percent":     t.Percent(),
			"is_default":  t.IsDefault,
			"active":      t.Active,
		})
		rows = append(rows, row)
	}

	plan := planFor(layout, cols, "business_id", "external_id")
	plan.Returning = []string{layout.Col("id"), layout.Col("external_id")}

	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		return execUpsert(ctx, tx, plan, rows, func(rs *sql.Rows) error {
			var (
				id  int64
				ext string
			)
			if err := rs.Scan(&id, &ext); err != nil {
				return err
			}
			ids[ext] = id
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to upsert tax rates: %w", err)
	}
	return ids, nil
}

// ReplaceTaxMappings swaps the product mappings of the given tax rates in one transaction
func (r *PostgresCatalogRepository) ReplaceTaxMappings(ctx context.Context, businessID int64, taxRateIDs []int64, mappings []domain.ProductTaxMapping) error {
	if len(taxRateIDs) == 0 {
		return nil
	}
	layout, err := r.probe.Layout(ctx, productTaxTable, productTaxColumns...)
	if err != nil {
		return err
	}

	productCol := quoteIdent(layout.Col("product_id"))
	taxCol := quoteIdent(layout.Col("tax_rate_id"))

	deleteArgs := make([]any, 0, len(taxRateIDs))
	for _, id := range taxRateIDs {
		deleteArgs = append(deleteArgs, id)
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)",
		quoteIdent(productTaxTable), taxCol, placeholders(1, len(taxRateIDs)))
	if layout.Has("business_id") {
		deleteQuery += fmt.Sprintf(" AND %s = $%d", quoteIdent(layout.Col("business_id")), len(deleteArgs)+1)
		deleteArgs = append(deleteArgs, businessID)
	}

	seen := make(map[[2]int64]bool, len(mappings))
	unique := make([]domain.ProductTaxMapping, 0, len(mappings))
	for _, m := range mappings {
		key := [2]int64{m.ItemID, m.TaxRateID}
		if seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, m)
	}

	cols := []string{productCol, taxCol}
	if layout.Has("business_id") {
		cols = append(cols, quoteIdent(layout.Col("business_id")))
	}

	err = withTx(ctx, r.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, deleteQuery, deleteArgs...); err != nil {
			return fmt.Errorf("failed to delete tax mappings: %w", err)
		}

		for start := 0; start < len(unique); start += upsertChunkSize {
			end := start + upsertChunkSize
			if end > len(unique) {
				end = len(unique)
			}
			chunk := unique[start:end]

			values := make([]string, 0, len(chunk))
			args := make([]any, 0, len(chunk)*len(cols))
			for _, m := range chunk {
				values = append(values, "("+placeholders(len(args)+1, len(cols))+")")
				args = append(args, m.ItemID, m.TaxRateID)
				if len(cols) == 3 {
					args = append(args, m.BusinessID)
				}
			}
			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s ON CONFLICT DO NOTHING",
				quoteIdent(productTaxTable), strings.Join(cols, ", "), strings.Join(values, ", "))
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("failed to insert tax mappings: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.logger.Debug().
		Int64("businessId", businessID).
		Int("taxRates", len(taxRateIDs)).
		Int("mappings", len(unique)).
		Msg("Replaced product tax mappings")
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
