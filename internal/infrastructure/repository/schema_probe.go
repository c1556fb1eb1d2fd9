package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

const defaultProbeCapacity = 64

// ColumnProbe caches the column sets of tables in the current schema. Deployments
// differ in column naming, so the SQL store resolves names at runtime.
type ColumnProbe struct {
	db       *sql.DB
	mu       sync.Mutex
	columns  map[string]map[string]bool
	order    []string
	capacity int
}

// NewColumnProbe creates a probe holding at most defaultProbeCapacity tables
func NewColumnProbe(db *sql.DB) *ColumnProbe {
	return &ColumnProbe{
		db:       db,
		columns:  make(map[string]map[string]bool),
		capacity: defaultProbeCapacity,
	}
}

// Columns returns the lower-cased column names of table
func (p *ColumnProbe) Columns(ctx context.Context, table string) (map[string]bool, error) {
	p.mu.Lock()
	cols, ok := p.columns[table]
	p.mu.Unlock()
	if ok {
		return cols, nil
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns WHERE table_schema = current_schema() AND table_name = $1`,
		table)
	if err != nil {
		return nil, fmt.Errorf("failed to probe columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols = make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column of %s: %w", table, err)
		}
		cols[strings.ToLower(name)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to probe columns of %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s not found in current schema", table)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.columns[table]; !exists {
		if len(p.order) >= p.capacity {
			oldest := p.order[0]
			p.order = p.order[1:]
			delete(p.columns, oldest)
		}
		p.order = append(p.order, table)
	}
	p.columns[table] = cols
	return cols, nil
}

// Resolve returns the first candidate column that exists on table, or "" when none does
func (p *ColumnProbe) Resolve(ctx context.Context, table string, candidates ...string) (string, error) {
	cols, err := p.Columns(ctx, table)
	if err != nil {
		return "", err
	}
	for _, c := range candidates {
		if cols[strings.ToLower(c)] {
			return c, nil
		}
	}
	return "", nil
}

// Forget drops the cached columns of table, e.g. after a migration
func (p *ColumnProbe) Forget(table string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.columns, table)
	for i, t := range p.order {
		if t == table {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// columnDef names a logical column and the physical names it may have
type columnDef struct {
	Key        string
	Candidates []string
	Optional   bool
}

func col(key string, candidates ...string) columnDef {
	if len(candidates) == 0 {
		candidates = []string{key}
	}
	return columnDef{Key: key, Candidates: candidates}
}

func optionalCol(key string, candidates ...string) columnDef {
	c := col(key, candidates...)
	c.Optional = true
	return c
}

// tableLayout maps logical column keys to the physical names found on a table
type tableLayout struct {
	Table   string
	columns map[string]string
}

// Col returns the physical name of a logical column, "" when an optional column is absent
func (l tableLayout) Col(key string) string {
	return l.columns[key]
}

// Has reports whether a logical column is present
func (l tableLayout) Has(key string) bool {
	return l.columns[key] != ""
}

// Layout resolves every column against table. A missing required column is an error.
func (p *ColumnProbe) Layout(ctx context.Context, table string, defs ...columnDef) (tableLayout, error) {
	layout := tableLayout{Table: table, columns: make(map[string]string, len(defs))}
	for _, def := range defs {
		name, err := p.Resolve(ctx, table, def.Candidates...)
		if err != nil {
			return tableLayout{}, err
		}
		if name == "" && !def.Optional {
			return tableLayout{}, fmt.Errorf("table %s has none of the columns %s", table, strings.Join(def.Candidates, ", "))
		}
		layout.columns[def.Key] = name
	}
	return layout, nil
}
