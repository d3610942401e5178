package memory

import (
	"context"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// TimelineRepository хранит события в памяти (для разработки/тестов).
type TimelineRepository struct {
	s *Store
}

// Append добавляет событие в хранилище.
func (r *TimelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.appendTimelineLocked(event)
	return nil
}

// List возвращает события заказа в хронологическом порядке.
func (r *TimelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	events := r.s.timeline[orderID]
	result := make([]domain.TimelineEvent, len(events))
	copy(result, events)
	return result, nil
}

var _ domain.TimelineRepository = (*TimelineRepository)(nil)
