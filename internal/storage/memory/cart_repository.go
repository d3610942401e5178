package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// CartRepository in-memory реализация domain.CartRepository.
type CartRepository struct {
	s *Store
}

// AddLine увеличивает количество совпадающей строки или добавляет новую.
func (r *CartRepository) AddLine(_ context.Context, userID string, in domain.AddLineInput, now time.Time) (int, error) {
	if err := in.Validate(); err != nil {
		return 0, err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.products[in.ProductID]; !ok {
		return 0, domain.ErrProductNotFound
	}

	cartID, ok := r.s.carts[userID]
	if !ok {
		cartID = uuid.NewString()
		r.s.carts[userID] = cartID
	}

	merged := false
	count := 0
	for id, line := range r.s.cartLines {
		if line.CartID != cartID {
			continue
		}
		count++
		if !merged && line.SameVariant(in.ProductID, in.ColorID, in.SizeID) {
			line.Quantity += in.Quantity
			line.UpdatedAt = now
			r.s.cartLines[id] = line
			merged = true
		}
	}
	if merged {
		return count, nil
	}

	line := domain.CartLine{
		ID:        uuid.NewString(),
		CartID:    cartID,
		ProductID: in.ProductID,
		ColorID:   cloneOptional(in.ColorID),
		SizeID:    cloneOptional(in.SizeID),
		Quantity:  in.Quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.s.cartLines[line.ID] = line
	return count + 1, nil
}

// UpdateQuantity меняет количество; qty <= 0 удаляет строку.
func (r *CartRepository) UpdateQuantity(_ context.Context, userID, lineID string, qty int32, now time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	line, ok := r.s.cartLines[lineID]
	if !ok {
		return domain.ErrCartLineNotFound
	}
	if r.s.carts[userID] != line.CartID {
		return domain.ErrCartLineForbidden
	}
	if qty <= 0 {
		delete(r.s.cartLines, lineID)
		return nil
	}
	line.Quantity = qty
	line.UpdatedAt = now
	r.s.cartLines[lineID] = line
	return nil
}

// DeleteLine удаляет строку корзины пользователя.
func (r *CartRepository) DeleteLine(_ context.Context, userID, lineID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	line, ok := r.s.cartLines[lineID]
	if !ok {
		return nil
	}
	if r.s.carts[userID] != line.CartID {
		return domain.ErrCartLineForbidden
	}
	delete(r.s.cartLines, lineID)
	return nil
}

// Clear удаляет все строки корзины.
func (r *CartRepository) Clear(_ context.Context, userID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.clearCartLocked(userID)
	return nil
}

// View соединяет строки корзины с текущими данными каталога.
// Строки товаров, удалённых из каталога, в проекцию не попадают.
func (r *CartRepository) View(_ context.Context, userID string) ([]domain.CartLineView, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	cartID, ok := r.s.carts[userID]
	if !ok {
		return []domain.CartLineView{}, nil
	}

	lines := make([]domain.CartLine, 0)
	for _, line := range r.s.cartLines {
		if line.CartID == cartID {
			lines = append(lines, line)
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if !lines[i].CreatedAt.Equal(lines[j].CreatedAt) {
			return lines[i].CreatedAt.Before(lines[j].CreatedAt)
		}
		return lines[i].ID < lines[j].ID
	})

	views := make([]domain.CartLineView, 0, len(lines))
	for _, line := range lines {
		product, ok := r.s.products[line.ProductID]
		if !ok {
			continue
		}
		view := domain.CartLineView{
			LineID:         line.ID,
			ProductID:      product.ID,
			ProductName:    product.Name,
			ImageURL:       product.ImageURL,
			ColorID:        cloneOptional(line.ColorID),
			SizeID:         cloneOptional(line.SizeID),
			Quantity:       line.Quantity,
			UnitPriceMinor: product.PriceMinor,
		}
		if line.ColorID != nil {
			view.ColorName = r.s.colors[*line.ColorID]
		}
		if line.SizeID != nil {
			view.SizeName = r.s.sizes[*line.SizeID]
		}
		views = append(views, view)
	}
	return views, nil
}

// LineCount возвращает число строк в корзине пользователя (используется в тестах).
func (r *CartRepository) LineCount(userID string) int {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	cartID, ok := r.s.carts[userID]
	if !ok {
		return 0
	}
	count := 0
	for _, line := range r.s.cartLines {
		if line.CartID == cartID {
			count++
		}
	}
	return count
}

func cloneOptional(v *string) *string {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

var _ domain.CartRepository = (*CartRepository)(nil)
