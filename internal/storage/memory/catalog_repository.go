package memory

import (
	"context"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CatalogRepository in-memory каталог. В рабочем окружении каталогом владеет
// внешний CRUD, здесь он наполняется вручную.
type CatalogRepository struct {
	s *Store
}

// GetProduct возвращает товар или ErrProductNotFound.
func (r *CatalogRepository) GetProduct(_ context.Context, id string) (domain.Product, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	product, ok := r.s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

// PutProduct добавляет или обновляет товар.
func (r *CatalogRepository) PutProduct(p domain.Product) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.products[p.ID] = p
}

// DeleteProduct удаляет товар из каталога.
func (r *CatalogRepository) DeleteProduct(id string) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.products, id)
}

// PutColor регистрирует цвет.
func (r *CatalogRepository) PutColor(id, name string) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.colors[id] = name
}

// PutSize регистрирует размер.
func (r *CatalogRepository) PutSize(id, name string) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.sizes[id] = name
}

var _ domain.CatalogRepository = (*CatalogRepository)(nil)
