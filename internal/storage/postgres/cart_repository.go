package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type cartRepository struct {
	db         *sql.DB
	minorUnits int32
}

// NewCartRepository создаёт PostgreSQL-реализацию CartRepository.
func NewCartRepository(store *Store, minorUnits int32) domain.CartRepository {
	if minorUnits < 0 {
		minorUnits = DefaultMinorUnits
	}
	return &cartRepository{db: store.DB(), minorUnits: minorUnits}
}

func (r *cartRepository) AddLine(ctx context.Context, userID string, in domain.AddLineInput, now time.Time) (int, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var count int
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM products WHERE id = $1 AND NOT archived)
		`, in.ProductID).Scan(&exists); err != nil {
			return fmt.Errorf("check product: %w", err)
		}
		if !exists {
			return domain.ErrProductNotFound
		}

		cartID, err := ensureCartTx(ctx, tx, userID, now)
		if err != nil {
			return err
		}

		// Совпадающая строка (NULL цвет/размер сравниваются как равные) увеличивается.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO cart_lines (id, cart_id, product_id, color_id, size_id, quantity, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
			ON CONFLICT (cart_id, product_id, (COALESCE(color_id, '')), (COALESCE(size_id, '')))
			DO UPDATE SET quantity = cart_lines.quantity + EXCLUDED.quantity,
			              updated_at = EXCLUDED.updated_at
		`, uuid.NewString(), cartID, in.ProductID, nullString(in.ColorID), nullString(in.SizeID), in.Quantity, now); err != nil {
			if isForeignKeyViolation(err) {
				return domain.ErrProductNotFound
			}
			return fmt.Errorf("upsert cart line: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM cart_lines WHERE cart_id = $1
		`, cartID).Scan(&count); err != nil {
			return fmt.Errorf("count cart lines: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func ensureCartTx(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (string, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO carts (id, user_id, created_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (user_id) DO NOTHING
	`, uuid.NewString(), userID, now); err != nil {
		return "", fmt.Errorf("ensure cart: %w", err)
	}

	var cartID string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM carts WHERE user_id = $1`, userID).Scan(&cartID); err != nil {
		return "", fmt.Errorf("select cart: %w", err)
	}
	return cartID, nil
}

func (r *cartRepository) UpdateQuantity(ctx context.Context, userID, lineID string, qty int32, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		owner, err := lineOwnerTx(ctx, tx, lineID)
		if err != nil {
			return err
		}
		if owner == "" {
			return domain.ErrCartLineNotFound
		}
		if owner != userID {
			return domain.ErrCartLineForbidden
		}

		if qty <= 0 {
			_, err = tx.ExecContext(ctx, `DELETE FROM cart_lines WHERE id = $1`, lineID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE cart_lines SET quantity = $2, updated_at = $3 WHERE id = $1
			`, lineID, qty, now)
		}
		if err != nil {
			return fmt.Errorf("update cart line: %w", err)
		}
		return nil
	})
}

func (r *cartRepository) DeleteLine(ctx context.Context, userID, lineID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		owner, err := lineOwnerTx(ctx, tx, lineID)
		if err != nil {
			return err
		}
		if owner == "" {
			return nil
		}
		if owner != userID {
			return domain.ErrCartLineForbidden
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM cart_lines WHERE id = $1`, lineID); err != nil {
			return fmt.Errorf("delete cart line: %w", err)
		}
		return nil
	})
}

// lineOwnerTx возвращает владельца строки корзины или пустую строку, если её нет.
func lineOwnerTx(ctx context.Context, tx *sql.Tx, lineID string) (string, error) {
	var owner string
	err := tx.QueryRowContext(ctx, `
		SELECT c.user_id
		FROM cart_lines l
		JOIN carts c ON c.id = l.cart_id
		WHERE l.id = $1
		FOR UPDATE OF l
	`, lineID).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("select cart line owner: %w", err)
	}
	return owner, nil
}

func (r *cartRepository) Clear(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `
		DELETE FROM cart_lines
		WHERE cart_id IN (SELECT id FROM carts WHERE user_id = $1)
	`, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func (r *cartRepository) View(ctx context.Context, userID string) ([]domain.CartLineView, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT l.id, p.id, p.name, p.image_url,
		       l.color_id, COALESCE(cl.name, ''),
		       l.size_id, COALESCE(sz.name, ''),
		       l.quantity, p.price
		FROM cart_lines l
		JOIN carts c ON c.id = l.cart_id
		JOIN products p ON p.id = l.product_id AND NOT p.archived
		LEFT JOIN colors cl ON cl.id = l.color_id
		LEFT JOIN sizes sz ON sz.id = l.size_id
		WHERE c.user_id = $1
		ORDER BY l.created_at ASC, l.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("select cart view: %w", err)
	}
	defer rows.Close()

	views := make([]domain.CartLineView, 0)
	for rows.Next() {
		var (
			view    domain.CartLineView
			colorID sql.NullString
			sizeID  sql.NullString
			price   decimal.Decimal
		)
		if err := rows.Scan(
			&view.LineID, &view.ProductID, &view.ProductName, &view.ImageURL,
			&colorID, &view.ColorName, &sizeID, &view.SizeName, &view.Quantity, &price,
		); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		view.ColorID = optionalString(colorID)
		view.SizeID = optionalString(sizeID)
		view.UnitPriceMinor = toMinor(price, r.minorUnits)
		views = append(views, view)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart lines: %w", err)
	}

	return views, nil
}

var _ domain.CartRepository = (*cartRepository)(nil)
