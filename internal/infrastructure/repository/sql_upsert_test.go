package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildUpsert(t *testing.T) {
	plan := upsertPlan{
		Table:      "menu_products",
		Columns:    []string{"external_id", "name", "image"},
		Conflict:   []string{"external_id"},
		InsertOnly: []string{"image"},
		UpdatedAt:  "updated_at",
		Returning:  []string{"id", "external_id"},
	}

	got := buildUpsert(plan, 2)
	want := `INSERT INTO "menu_products" AS t ("external_id", "name", "image") VALUES ($1, $2, $3), ($4, $5, $6)` +
		` ON CONFLICT ("external_id") DO UPDATE SET "name" = EXCLUDED."name",` +
		` "updated_at" = CASE WHEN (t."name") IS DISTINCT FROM (EXCLUDED."name") THEN now() ELSE t."updated_at" END` +
		` RETURNING "id", "external_id"`
	assert.Equal(t, want, got)
}

func TestBuildUpsert_OnlyKeyColumns(t *testing.T) {
	plan := upsertPlan{
		Table:     "product_tax_rates",
		Columns:   []string{"product_id", "tax_rate_id"},
		Conflict:  []string{"product_id", "tax_rate_id"},
		Returning: []string{"product_id"},
	}

	got := buildUpsert(plan, 1)
	assert.Equal(t, `INSERT INTO "product_tax_rates" AS t ("product_id", "tax_rate_id") VALUES ($1, $2)`+
		` ON CONFLICT ("product_id", "tax_rate_id") DO UPDATE SET "product_id" = EXCLUDED."product_id" RETURNING "product_id"`, got)
}

func TestBuildUpsert_QuotesIdentifiers(t *testing.T) {
	plan := upsertPlan{Table: `odd"table`, Columns: []string{"a"}, Conflict: []string{"a"}}
	assert.Contains(t, buildUpsert(plan, 1), `INSERT INTO "odd""table"`)
}

func TestDedupeRows(t *testing.T) {
	plan := upsertPlan{Columns: []string{"merchant_id", "external_id", "name"}, Conflict: []string{"external_id", "merchant_id"}}
	rows := [][]any{
		{"M1", "A", "first"},
		{"M1", "B", "other"},
		{"M1", "A", "second"},
		{"M2", "A", "foreign"},
	}

	got := dedupeRows(plan, rows)
	assert.Equal(t, [][]any{
		{"M1", "A", "second"},
		{"M1", "B", "other"},
		{"M2", "A", "foreign"},
	}, got)
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "$3, $4, $5", placeholders(3, 3))
	assert.Equal(t, "", placeholders(1, 0))
}
