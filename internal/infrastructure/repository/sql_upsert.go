package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const upsertChunkSize = 500

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// upsertPlan describes a multi-row INSERT ... ON CONFLICT DO UPDATE
type upsertPlan struct {
	Table    string
	Columns  []string
	Conflict []string
	// InsertOnly columns are written on insert and left untouched on conflict
	InsertOnly []string
	// UpdatedAt, when set, is bumped only if an updated column actually changed
	UpdatedAt string
	Returning []string
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteIdents(names []string, prefix string) string {
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = prefix + quoteIdent(n)
	}
	return strings.Join(parts, ", ")
}

// buildUpsert renders the statement for rowCount rows using $n placeholders
func buildUpsert(plan upsertPlan, rowCount int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "INSERT INTO %s AS t (%s) VALUES ", quoteIdent(plan.Table), quoteIdents(plan.Columns, ""))

	n := 1
	for r := 0; r < rowCount; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range plan.Columns {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", n)
			n++
		}
		b.WriteByte(')')
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", quoteIdents(plan.Conflict, ""))

	skip := make(map[string]bool, len(plan.Conflict)+len(plan.InsertOnly))
	for _, c := range plan.Conflict {
		skip[c] = true
	}
	for _, c := range plan.InsertOnly {
		skip[c] = true
	}
	var updated []string
	for _, c := range plan.Columns {
		if !skip[c] {
			updated = append(updated, c)
		}
	}

	if len(updated) == 0 {
		// DO UPDATE keeps RETURNING working for rows that already exist
		first := quoteIdent(plan.Conflict[0])
		fmt.Fprintf(&b, "DO UPDATE SET %s = EXCLUDED.%s", first, first)
	} else {
		sets := make([]string, 0, len(updated)+1)
		for _, c := range updated {
			q := quoteIdent(c)
			sets = append(sets, q+" = EXCLUDED."+q)
		}
		if plan.UpdatedAt != "" {
			q := quoteIdent(plan.UpdatedAt)
			sets = append(sets, fmt.Sprintf("%s = CASE WHEN (%s) IS DISTINCT FROM (%s) THEN now() ELSE t.%s END",
				q, quoteIdents(updated, "t."), quoteIdents(updated, "EXCLUDED."), q))
		}
		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	if len(plan.Returning) > 0 {
		b.WriteString(" RETURNING ")
		b.WriteString(quoteIdents(plan.Returning, ""))
	}
	return b.String()
}

// dedupeRows keeps the last row per conflict key; one statement may not touch a row twice
func dedupeRows(plan upsertPlan, rows [][]any) [][]any {
	idx := make([]int, 0, len(plan.Conflict))
	for _, c := range plan.Conflict {
		for i, name := range plan.Columns {
			if name == c {
				idx = append(idx, i)
				break
			}
		}
	}

	pos := make(map[string]int, len(rows))
	out := make([][]any, 0, len(rows))
	for _, row := range rows {
		parts := make([]string, len(idx))
		for i, j := range idx {
			parts[i] = fmt.Sprint(row[j])
		}
		key := strings.Join(parts, "\x00")
		if at, ok := pos[key]; ok {
			out[at] = row
			continue
		}
		pos[key] = len(out)
		out = append(out, row)
	}
	return out
}

// execUpsert writes rows in chunks and hands every returned row to scan
func execUpsert(ctx context.Context, q queryer, plan upsertPlan, rows [][]any, scan func(*sql.Rows) error) error {
	rows = dedupeRows(plan, rows)
	for start := 0; start < len(rows); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		args := make([]any, 0, len(chunk)*len(plan.Columns))
		for _, row := range chunk {
			args = append(args, row...)
		}

		result, err := q.QueryContext(ctx, buildUpsert(plan, len(chunk)), args...)
		if err != nil {
			return fmt.Errorf("failed to upsert into %s: %w", plan.Table, err)
		}
		for result.Next() {
			if scan == nil {
				continue
			}
			if err := scan(result); err != nil {
				result.Close()
				return fmt.Errorf("failed to scan upsert result of %s: %w", plan.Table, err)
			}
		}
		if err := result.Err(); err != nil {
			result.Close()
			return fmt.Errorf("failed to upsert into %s: %w", plan.Table, err)
		}
		result.Close()
	}
	return nil
}

// placeholders renders "$from, $from+1, ..." for n values
func placeholders(from, n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", from+i)
	}
	return strings.Join(parts, ", ")
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
