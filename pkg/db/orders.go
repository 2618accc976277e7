package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const orderColumns = `id, COALESCE(parent_order_id, ''), portfolio_id, owner_id, signal_id, order_type, category,
	side, status, symbol, base_currency, quote_currency, quantity, target_price,
	COALESCE(exchange_order_id, ''), created_at, updated_at, executed_at`

// AddOrder inserts an order and returns its id. Empty id and status default
// to a fresh UUID and pending.
func (d *Database) AddOrder(ctx context.Context, o Order) (string, error) {
	if o.OwnerID == "" {
		return "", ErrOwnerIDRequired
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Status == "" {
		o.Status = OrderPending
	}
	now := nowNanos()
	created := now
	if !o.CreatedAt.IsZero() {
		created = o.CreatedAt.UnixNano()
	}

	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (
			id, parent_order_id, portfolio_id, owner_id, signal_id, order_type, category,
			side, status, symbol, base_currency, quote_currency, quantity, target_price,
			exchange_order_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		o.ID, nullString(o.ParentOrderID), o.PortfolioID, o.OwnerID, o.SignalID, string(o.Type), o.Category,
		string(o.Side), string(o.Status), o.Symbol, o.BaseCurrency, o.QuoteCurrency, o.Quantity.String(), o.TargetPrice,
		o.ExchangeOrderID, created, now,
	)
	if err != nil {
		return "", fmt.Errorf("insert order: %w", err)
	}
	return o.ID, nil
}

// GetOrder loads a single order.
func (d *Database) GetOrder(ctx context.Context, id string) (Order, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// ListOrdersByStatus returns all orders currently in status, oldest first.
func (d *Database) ListOrdersByStatus(ctx context.Context, status OrderStatus) ([]Order, error) {
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE status = ? ORDER BY created_at ASC, rowid ASC`, string(status))
}

// ListChildOrders returns the derived orders of a root order.
func (d *Database) ListChildOrders(ctx context.Context, parentID string) ([]Order, error) {
	return d.queryOrders(ctx, `SELECT `+orderColumns+` FROM orders WHERE parent_order_id = ? ORDER BY created_at ASC, rowid ASC`, parentID)
}

func (d *Database) queryOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateOrderStatus moves an order forward. Transitions that would regress or
// leave a terminal state return ErrInvalidTransition.
func (d *Database) UpdateOrderStatus(ctx context.Context, id string, to OrderStatus) error {
	from, ok := predecessors[to]
	if !ok {
		return fmt.Errorf("order %s -> %s: %w", id, to, ErrInvalidTransition)
	}
	return d.transitionOrder(ctx, id, to, from, "")
}

// MarkOrderSubmitted moves a pending order to executing and records the
// venue handle returned by the gateway.
func (d *Database) MarkOrderSubmitted(ctx context.Context, id, exchangeOrderID string) error {
	return d.transitionOrder(ctx, id, OrderExecuting, []OrderStatus{OrderPending}, exchangeOrderID)
}

func (d *Database) transitionOrder(ctx context.Context, id string, to OrderStatus, from []OrderStatus, exchangeOrderID string) error {
	now := nowNanos()
	var executedAt sql.NullInt64
	if to == OrderExecuted {
		executedAt = sql.NullInt64{Int64: now, Valid: true}
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), now, executedAt, exchangeOrderID, exchangeOrderID, id}
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := d.DB.ExecContext(ctx, `
		UPDATE orders
		SET status = ?,
		    updated_at = ?,
		    executed_at = COALESCE(?, executed_at),
		    exchange_order_id = CASE WHEN ? = '' THEN exchange_order_id ELSE ? END
		WHERE id = ? AND status IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	current, err := d.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("order %s %s -> %s: %w", id, current.Status, to, ErrInvalidTransition)
}

func scanOrder(r rowScanner) (Order, error) {
	var (
		o          Order
		orderType  string
		side       string
		status     string
		quantity   string
		target     decimal.NullDecimal
		created    int64
		updated    int64
		executedAt sql.NullInt64
	)
	err := r.Scan(
		&o.ID, &o.ParentOrderID, &o.PortfolioID, &o.OwnerID, &o.SignalID, &orderType, &o.Category,
		&side, &status, &o.Symbol, &o.BaseCurrency, &o.QuoteCurrency, &quantity, &target,
		&o.ExchangeOrderID, &created, &updated, &executedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("scan order: %w", err)
	}

	qty, err := decimal.NewFromString(quantity)
	if err != nil {
		return Order{}, fmt.Errorf("order %s quantity: %w", o.ID, err)
	}
	o.Quantity = qty
	o.TargetPrice = target
	o.Type = OrderType(orderType)
	o.Side = Side(side)
	o.Status = OrderStatus(status)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	o.ExecutedAt = nullableTime(executedAt)
	return o, nil
}
