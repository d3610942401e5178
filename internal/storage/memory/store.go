package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Store in-memory хранилище для локальной разработки и тестов.
// Все репозитории работают поверх одного мьютекса, поэтому изменения заказа,
// корзины, outbox и timeline применяются атомарно, как одна транзакция в postgres.
type Store struct {
	mu sync.RWMutex

	orders          map[string]domain.Order
	processedEvents map[string]time.Time

	carts     map[string]string // user id -> cart id
	cartLines map[string]domain.CartLine

	products map[string]domain.Product
	colors   map[string]string
	sizes    map[string]string

	outbox      map[string]*outboxRecord
	outboxSeq   int64
	timeline    map[string][]domain.TimelineEvent
	idempotency map[string]domain.IdempotencyRecord
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		orders:          make(map[string]domain.Order),
		processedEvents: make(map[string]time.Time),
		carts:           make(map[string]string),
		cartLines:       make(map[string]domain.CartLine),
		products:        make(map[string]domain.Product),
		colors:          make(map[string]string),
		sizes:           make(map[string]string),
		outbox:          make(map[string]*outboxRecord),
		timeline:        make(map[string][]domain.TimelineEvent),
		idempotency:     make(map[string]domain.IdempotencyRecord),
	}
}

// Orders возвращает репозиторий заказов.
func (s *Store) Orders() *OrderRepository { return &OrderRepository{s: s} }

// Carts возвращает репозиторий корзин.
func (s *Store) Carts() *CartRepository { return &CartRepository{s: s} }

// Catalog возвращает каталог.
func (s *Store) Catalog() *CatalogRepository { return &CatalogRepository{s: s} }

// Outbox возвращает репозиторий transactional outbox.
func (s *Store) Outbox() *OutboxRepository { return &OutboxRepository{s: s} }

// Timeline возвращает репозиторий событий заказа.
func (s *Store) Timeline() *TimelineRepository { return &TimelineRepository{s: s} }

// Idempotency возвращает репозиторий ключей идемпотентности.
func (s *Store) Idempotency() *IdempotencyRepository { return &IdempotencyRepository{s: s} }

// applyChangeLocked записывает побочные эффекты изменения заказа. Вызывать под s.mu.
func (s *Store) applyChangeLocked(change domain.OrderChange) {
	for _, msg := range change.Outbox {
		s.enqueueLocked(msg)
	}
	for _, ev := range change.Timeline {
		s.appendTimelineLocked(ev)
	}
}

func (s *Store) enqueueLocked(msg domain.OutboxMessage) domain.OutboxMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	now := time.Now().UTC()
	s.outboxSeq++
	s.outbox[msg.ID] = &outboxRecord{
		msg:       msg,
		seq:       s.outboxSeq,
		status:    outboxStatusPending,
		createdAt: now,
		updatedAt: now,
	}
	return msg
}

func (s *Store) appendTimelineLocked(ev domain.TimelineEvent) {
	events := append(s.timeline[ev.OrderID], ev)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Occurred.Before(events[j].Occurred)
	})
	s.timeline[ev.OrderID] = events
}

// clearCartLocked удаляет все строки корзины пользователя и возвращает их число.
func (s *Store) clearCartLocked(userID string) int {
	cartID, ok := s.carts[userID]
	if !ok {
		return 0
	}
	removed := 0
	for id, line := range s.cartLines {
		if line.CartID == cartID {
			delete(s.cartLines, id)
			removed++
		}
	}
	return removed
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	if src.Items != nil {
		dst.Items = make([]domain.OrderItem, len(src.Items))
		copy(dst.Items, src.Items)
	}
	if src.PaidAt != nil {
		paidAt := *src.PaidAt
		dst.PaidAt = &paidAt
	}
	return dst
}
