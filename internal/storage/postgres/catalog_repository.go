package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultMinorUnits число знаков после запятой в ценах каталога по умолчанию.
const DefaultMinorUnits int32 = 2

// CatalogRepository читает каталог, которым владеет внешний CRUD.
// Цены хранятся как NUMERIC и переводятся в минимальные единицы без float.
type CatalogRepository struct {
	db         *sql.DB
	minorUnits int32
}

// NewCatalogRepository создаёт каталог поверх PostgreSQL.
func NewCatalogRepository(store *Store, minorUnits int32) *CatalogRepository {
	if minorUnits < 0 {
		minorUnits = DefaultMinorUnits
	}
	return &CatalogRepository{db: store.DB(), minorUnits: minorUnits}
}

func (r *CatalogRepository) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		product domain.Product
		price   decimal.Decimal
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, price, image_url
		FROM products
		WHERE id = $1 AND NOT archived
	`, id).Scan(&product.ID, &product.Name, &price, &product.ImageURL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}

	product.PriceMinor = toMinor(price, r.minorUnits)
	return product, nil
}

// PutProduct создаёт или обновляет товар. Используется для наполнения
// локального окружения и в интеграционных тестах.
func (r *CatalogRepository) PutProduct(ctx context.Context, p domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	price := decimal.New(p.PriceMinor, -r.minorUnits)
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price, image_url)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price, image_url = EXCLUDED.image_url, archived = FALSE
	`, p.ID, p.Name, price, p.ImageURL); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// ArchiveProduct скрывает товар из каталога, не трогая заказы.
func (r *CatalogRepository) ArchiveProduct(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `UPDATE products SET archived = TRUE WHERE id = $1`, id); err != nil {
		return fmt.Errorf("archive product: %w", err)
	}
	return nil
}

// PutColor регистрирует цвет.
func (r *CatalogRepository) PutColor(ctx context.Context, id, name string) error {
	return r.putDictionary(ctx, "colors", id, name)
}

// PutSize регистрирует размер.
func (r *CatalogRepository) PutSize(ctx context.Context, id, name string) error {
	return r.putDictionary(ctx, "sizes", id, name)
}

func (r *CatalogRepository) putDictionary(ctx context.Context, table, id, name string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	// table константа из кода, не пользовательский ввод.
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO `+table+` (id, name) VALUES ($1,$2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name
	`, id, name); err != nil {
		return fmt.Errorf("upsert %s: %w", table, err)
	}
	return nil
}

func toMinor(price decimal.Decimal, minorUnits int32) int64 {
	return price.Shift(minorUnits).Round(0).IntPart()
}

var _ domain.CatalogRepository = (*CatalogRepository)(nil)
