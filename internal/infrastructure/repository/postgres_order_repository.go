package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"archie-core-clover-layer/internal/domain"
	"archie-core-clover-layer/internal/ports"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

const (
	ordersTable        = "orders"
	uniqueViolationSQL = "23505"
)

var orderColumns = []columnDef{
	col("id"),
	col("business_id"),
	col("status"),
	col("external_order_id", "external_order_id", "clover_order_id"),
	col("order_type", "order_type", "type"),
	col("created_at"),
	optionalCol("paid_at"),
	optionalCol("updated_at"),
}

// PostgresOrderRepository applies paid webhooks to local orders
type PostgresOrderRepository struct {
	db     *sql.DB
	probe  *ColumnProbe
	logger zerolog.Logger
}

var _ ports.OrderRepository = (*PostgresOrderRepository)(nil)

// NewPostgresOrderRepository creates an order repository over db
func NewPostgresOrderRepository(db *sql.DB, probe *ColumnProbe, logger zerolog.Logger) *PostgresOrderRepository {
	return &PostgresOrderRepository{db: db, probe: probe, logger: logger}
}

// paidSet renders the SET clause that moves a row to paid
func paidSet(layout tableLayout) string {
	set := fmt.Sprintf("%s = '%s'", quoteIdent(layout.Col("status")), domain.OrderStatusPaid)
	if layout.Has("paid_at") {
		q := quoteIdent(layout.Col("paid_at"))
		set += fmt.Sprintf(", %s = COALESCE(%s, now())", q, q)
	}
	if layout.Has("updated_at") {
		set += fmt.Sprintf(", %s = now()", quoteIdent(layout.Col("updated_at")))
	}
	return set
}

func statusArgs(statuses []domain.OrderStatus) []any {
	args := make([]any, len(statuses))
	for i, s := range statuses {
		args[i] = string(s)
	}
	return args
}

// MarkPaidByExternalID updates the newest payable order bound to externalOrderID
func (r *PostgresOrderRepository) MarkPaidByExternalID(ctx context.Context, businessID int64, externalOrderID string) (int64, bool, error) {
	layout, err := r.probe.Layout(ctx, ordersTable, orderColumns...)
	if err != nil {
		return 0, false, err
	}

	id := quoteIdent(layout.Col("id"))
	statuses := statusArgs(domain.PayableStatuses)
	query := fmt.Sprintf(`UPDATE %[1]s SET %[2]s WHERE %[3]s = (
	SELECT %[3]s FROM %[1]s WHERE %[4]s = $1 AND %[5]s = $2 AND %[6]s IN (%[7]s)
	ORDER BY %[8]s DESC LIMIT 1
) RETURNING %[3]s`,
		quoteIdent(ordersTable),
		paidSet(layout),
		id,
		quoteIdent(layout.Col("business_id")),
		quoteIdent(layout.Col("external_order_id")),
		quoteIdent(layout.Col("status")),
		placeholders(3, len(statuses)),
		quoteIdent(layout.Col("created_at")))

	args := append([]any{businessID, externalOrderID}, statuses...)

	var localID int64
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to mark order paid by external id: %w", err)
	}
	return localID, true, nil
}

// HasExternalOrder reports whether any order of the business carries externalOrderID
func (r *PostgresOrderRepository) HasExternalOrder(ctx context.Context, businessID int64, externalOrderID string) (bool, error) {
	layout, err := r.probe.Layout(ctx, ordersTable, orderColumns...)
	if err != nil {
		return false, err
	}

	query := fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE %s = $1 AND %s = $2)",
		quoteIdent(ordersTable),
		quoteIdent(layout.Col("business_id")),
		quoteIdent(layout.Col("external_order_id")))

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, businessID, externalOrderID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to look up order by external id: %w", err)
	}
	return exists, nil
}

// RecentUnboundPickupOrders lists candidate pickup orders, newest first
func (r *PostgresOrderRepository) RecentUnboundPickupOrders(ctx context.Context, businessID int64, since time.Time, limit int) ([]domain.LocalOrder, error) {
	layout, err := r.probe.Layout(ctx, ordersTable, orderColumns...)
	if err != nil {
		return nil, err
	}

	ext := quoteIdent(layout.Col("external_order_id"))
	createdAt := quoteIdent(layout.Col("created_at"))
	statuses := statusArgs(domain.UnboundCandidateStatuses)
	query := fmt.Sprintf(`SELECT %s, %s, %s, %s FROM %s
WHERE %s = $1 AND (%s IS NULL OR %s = '') AND lower(%s) = $2 AND %s >= $3 AND %s IN (%s)
ORDER BY %s DESC LIMIT $%d`,
		quoteIdent(layout.Col("id")), quoteIdent(layout.Col("order_type")), quoteIdent(layout.Col("status")), createdAt,
		quoteIdent(ordersTable),
		quoteIdent(layout.Col("business_id")), ext, ext, quoteIdent(layout.Col("order_type")), createdAt,
		quoteIdent(layout.Col("status")), placeholders(4, len(statuses)),
		createdAt, 4+len(statuses))

	args := []any{businessID, domain.OrderTypePickup, since}
	args = append(args, statuses...)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recent pickup orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.LocalOrder
	for rows.Next() {
		o := domain.LocalOrder{BusinessID: businessID}
		var status string
		if err := rows.Scan(&o.ID, &o.OrderType, &status, &o.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.Status = domain.OrderStatus(status)
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list recent pickup orders: %w", err)
	}
	return orders, nil
}

// MarkPaidAndBind moves an unbound order to paid and records the external id. When the
// external id is already bound to another row nothing changes and false is returned.
func (r *PostgresOrderRepository) MarkPaidAndBind(ctx context.Context, businessID, localOrderID int64, externalOrderID string) (bool, error) {
	layout, err := r.probe.Layout(ctx, ordersTable, orderColumns...)
	if err != nil {
		return false, err
	}

	ext := quoteIdent(layout.Col("external_order_id"))
	statuses := statusArgs(domain.UnboundCandidateStatuses)
	where := fmt.Sprintf("%s = $1 AND %s = $2 AND %s IN (%s)",
		quoteIdent(layout.Col("id")),
		quoteIdent(layout.Col("business_id")),
		quoteIdent(layout.Col("status")),
		placeholders(3, len(statuses)))

	bindQuery := fmt.Sprintf("UPDATE %s SET %s, %s = $%d WHERE %s AND (%s IS NULL OR %s = '')",
		quoteIdent(ordersTable), paidSet(layout), ext, 3+len(statuses), where, ext, ext)
	args := append([]any{localOrderID, businessID}, statuses...)

	res, err := r.db.ExecContext(ctx, bindQuery, append(args, externalOrderID)...)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationSQL {
		r.logger.Warn().
			Int64("businessId", businessID).
			Int64("localOrderId", localOrderID).
			Str("externalOrderId", externalOrderID).
			Msg("External order id already bound to another order, leaving order unchanged")
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to mark order %d paid: %w", localOrderID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
