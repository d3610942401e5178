package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const orderColumns = `
	id, order_number, customer_id, fulfillment_status, payment_status, currency, amount_minor,
	shipping_name, shipping_phone, shipping_address, payment_method, processor_session_id,
	payment_intent_id, version, created_at, updated_at, paid_at`

// errTransitionSkipped откатывает транзакцию перехода, который уже неактуален.
var errTransitionSkipped = errors.New("transition skipped")

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order, change domain.OrderChange) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (
				id, order_number, customer_id, fulfillment_status, payment_status, currency,
				amount_minor, version, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		`,
			order.ID, order.Number, order.CustomerID, string(order.Fulfillment), string(order.Payment),
			order.Currency, order.AmountMinor, order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderVersionConflict
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for _, item := range order.Items {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (
					id, order_id, product_id, product_name, image_url, color_id, color_name,
					size_id, size_name, qty, price_minor, created_at
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			`,
				item.ID, order.ID, item.ProductID, item.ProductName, item.ImageURL,
				nullString(item.ColorID), item.ColorName, nullString(item.SizeID), item.SizeName,
				item.Qty, item.PriceMinor, item.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert order item: %w", err)
			}
		}

		return writeChange(ctx, tx, change)
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.getBy(ctx, "id = $1", id)
}

func (r *orderRepository) FindByPaymentIntent(ctx context.Context, paymentIntentID string) (domain.Order, error) {
	if paymentIntentID == "" {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.getBy(ctx, "payment_intent_id = $1", paymentIntentID)
}

func (r *orderRepository) getBy(ctx context.Context, where string, arg any) (domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where+` LIMIT 1`, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items

	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, filter domain.OrderFilter) ([]domain.Order, error) {
	return r.list(ctx, []string{"customer_id = $1"}, []any{customerID}, filter)
}

func (r *orderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	return r.list(ctx, nil, nil, filter)
}

func (r *orderRepository) list(ctx context.Context, where []string, args []any, filter domain.OrderFilter) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if filter.Fulfillment != "" {
		args = append(args, string(filter.Fulfillment))
		where = append(where, fmt.Sprintf("fulfillment_status = $%d", len(args)))
	}
	if filter.Payment != "" {
		args = append(args, string(filter.Payment))
		where = append(where, fmt.Sprintf("payment_status = $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}
	rows.Close()

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

func (r *orderRepository) AttachSession(ctx context.Context, orderID string, session domain.Session, change domain.OrderChange) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET processor_session_id = $2,
			    payment_method = $3,
			    version = version + 1,
			    updated_at = $4
			WHERE id = $1
			  AND fulfillment_status = 'PENDING'
			  AND payment_status = 'UNPAID'
		`, orderID, session.ID, session.MethodLabel, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("attach session: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := orderExistsTx(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return domain.ErrOrderNotPayable
		}

		return writeChange(ctx, tx, change)
	})
}

// ApplyTransition фиксирует id события и меняет статусы только если заказ всё ещё
// в tr.From. Параллельная транзакция, успевшая первой, блокирует строку, и после её
// коммита условие WHERE перечитывается, поэтому побеждает ровно одна доставка.
func (r *orderRepository) ApplyTransition(ctx context.Context, tr domain.PaymentTransition) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var shipName, shipPhone, shipAddress sql.NullString
	if tr.Shipping != nil {
		shipName = sql.NullString{String: tr.Shipping.Name, Valid: true}
		shipPhone = sql.NullString{String: tr.Shipping.Phone, Valid: true}
		shipAddress = sql.NullString{String: tr.Shipping.Address, Valid: true}
	}

	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if tr.EventID != "" {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO processed_payment_events (event_id, order_id, event_type, processed_at)
				VALUES ($1,$2,$3,$4)
				ON CONFLICT (event_id) DO NOTHING
			`, tr.EventID, tr.OrderID, string(tr.EventType), at)
			if err != nil {
				return fmt.Errorf("record processed event: %w", err)
			}
			if n, err := res.RowsAffected(); err != nil {
				return fmt.Errorf("rows affected: %w", err)
			} else if n == 0 {
				return errTransitionSkipped
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET fulfillment_status = $4,
			    payment_status = $5,
			    shipping_name = COALESCE($6::text, shipping_name),
			    shipping_phone = COALESCE($7::text, shipping_phone),
			    shipping_address = COALESCE($8::text, shipping_address),
			    payment_intent_id = COALESCE(NULLIF($9::text, ''), payment_intent_id),
			    paid_at = CASE WHEN $5 = 'PAID' AND paid_at IS NULL THEN $10 ELSE paid_at END,
			    version = version + 1,
			    updated_at = $10
			WHERE id = $1
			  AND fulfillment_status = $2
			  AND payment_status = $3
		`,
			tr.OrderID, string(tr.From.Fulfillment), string(tr.From.Payment),
			string(tr.To.Fulfillment), string(tr.To.Payment),
			shipName, shipPhone, shipAddress, tr.PaymentIntentID, at,
		)
		if err != nil {
			return fmt.Errorf("apply transition: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := orderExistsTx(ctx, tx, tr.OrderID)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return errTransitionSkipped
		}

		if tr.ClearCartOf != "" {
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM cart_lines
				WHERE cart_id IN (SELECT id FROM carts WHERE user_id = $1)
			`, tr.ClearCartOf); err != nil {
				return fmt.Errorf("clear cart: %w", err)
			}
		}

		return writeChange(ctx, tx, tr.Change)
	})
	if errors.Is(err, errTransitionSkipped) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *orderRepository) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM processed_payment_events WHERE event_id = $1)
	`, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check processed event: %w", err)
	}
	return exists, nil
}

func (r *orderRepository) SaveFulfillment(ctx context.Context, order domain.Order, change domain.OrderChange) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET fulfillment_status = $1,
			    version = version + 1,
			    updated_at = $2
			WHERE id = $3
			  AND version = $4
		`,
			string(order.Fulfillment),
			time.Now().UTC(),
			order.ID,
			order.Version,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := orderExistsTx(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return domain.ErrOrderVersionConflict
		}

		return writeChange(ctx, tx, change)
	})
}

func (r *orderRepository) DeleteUnpaid(ctx context.Context, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM orders WHERE id = $1 AND payment_status = 'UNPAID'
		`, orderID)
		if err != nil {
			return fmt.Errorf("delete order: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := orderExistsTx(ctx, tx, orderID)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return domain.ErrOrderNotDeletable
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM timeline_events WHERE order_id = $1`, orderID); err != nil {
			return fmt.Errorf("delete order timeline: %w", err)
		}
		return nil
	})
}

func (r *orderRepository) Stats(ctx context.Context) (domain.OrderStats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var stats domain.OrderStats
	if err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE fulfillment_status = 'PENDING'),
			COUNT(*) FILTER (WHERE fulfillment_status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE payment_status = 'PAID'),
			COALESCE(SUM(amount_minor) FILTER (WHERE payment_status = 'PAID'), 0)
		FROM orders
	`).Scan(
		&stats.TotalOrders,
		&stats.PendingOrders,
		&stats.CompletedOrders,
		&stats.PaidOrders,
		&stats.RevenueMinor,
	); err != nil {
		return domain.OrderStats{}, fmt.Errorf("order stats query failed: %w", err)
	}
	return stats, nil
}

func (r *orderRepository) MonthlyRevenue(ctx context.Context, year int) ([]domain.MonthRevenue, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	from := time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(1, 0, 0)

	rows, err := r.db.QueryContext(ctx, `
		SELECT EXTRACT(MONTH FROM paid_at AT TIME ZONE 'UTC')::int AS month,
		       SUM(amount_minor),
		       COUNT(*)
		FROM orders
		WHERE payment_status = 'PAID'
		  AND paid_at >= $1
		  AND paid_at < $2
		GROUP BY month
	`, from, to)
	if err != nil {
		return nil, fmt.Errorf("monthly revenue query failed: %w", err)
	}
	defer rows.Close()

	months := make([]domain.MonthRevenue, 12)
	for i := range months {
		months[i].Month = time.Month(i + 1)
	}
	for rows.Next() {
		var (
			month   int
			revenue int64
			count   int
		)
		if err := rows.Scan(&month, &revenue, &count); err != nil {
			return nil, fmt.Errorf("scan monthly revenue: %w", err)
		}
		if month < 1 || month > 12 {
			continue
		}
		months[month-1].RevenueMinor = revenue
		months[month-1].Orders = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate monthly revenue: %w", err)
	}

	return months, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, product_name, image_url, color_id, color_name,
		       size_id, size_name, qty, price_minor, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var (
			item    domain.OrderItem
			colorID sql.NullString
			sizeID  sql.NullString
		)
		if err := rows.Scan(
			&item.ID, &item.ProductID, &item.ProductName, &item.ImageURL, &colorID, &item.ColorName,
			&sizeID, &item.SizeName, &item.Qty, &item.PriceMinor, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		item.ColorID = optionalString(colorID)
		item.SizeID = optionalString(sizeID)
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order       domain.Order
		fulfillment string
		payment     string
		paidAt      sql.NullTime
	)
	if err := row.Scan(
		&order.ID, &order.Number, &order.CustomerID, &fulfillment, &payment, &order.Currency,
		&order.AmountMinor, &order.Shipping.Name, &order.Shipping.Phone, &order.Shipping.Address,
		&order.PaymentMethod, &order.ProcessorSession, &order.PaymentIntentID, &order.Version,
		&order.CreatedAt, &order.UpdatedAt, &paidAt,
	); err != nil {
		return domain.Order{}, err
	}

	order.Fulfillment = domain.FulfillmentStatus(fulfillment)
	order.Payment = domain.PaymentStatus(payment)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		order.PaidAt = &t
	}
	return order, nil
}

func orderExistsTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func optionalString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

var _ domain.OrderRepository = (*orderRepository)(nil)
