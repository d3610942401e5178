// Package cart реализует корзину покупателя поверх CartRepository
// с кэшированием проекции в Redis.
package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/cache"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// Service операции Cart Store.
type Service struct {
	repo    domain.CartRepository
	catalog domain.CatalogRepository
	cache   cache.CartCache
	metrics *metrics.ShopMetrics
	logger  *log.Entry
	now     func() time.Time
}

// Option настраивает Service.
type Option func(*Service)

// WithCache подключает кэш проекций корзины.
func WithCache(c cache.CartCache) Option {
	return func(s *Service) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.ShopMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService создаёт сервис корзины.
func NewService(repo domain.CartRepository, catalog domain.CatalogRepository, opts ...Option) *Service {
	s := &Service{
		repo:    repo,
		catalog: catalog,
		cache:   cache.Noop{},
		logger:  log.WithField("component", "cart-service"),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddLine добавляет товар в корзину и возвращает число строк.
func (s *Service) AddLine(ctx context.Context, userID string, in domain.AddLineInput) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, domain.ErrCustomerRequired
	}
	in.ColorID = normalizeOptional(in.ColorID)
	in.SizeID = normalizeOptional(in.SizeID)
	if err := in.Validate(); err != nil {
		return 0, err
	}

	if _, err := s.catalog.GetProduct(ctx, in.ProductID); err != nil {
		return 0, fmt.Errorf("add line: %w", err)
	}

	count, err := s.repo.AddLine(ctx, userID, in, s.now())
	if err != nil {
		return 0, fmt.Errorf("add line: %w", err)
	}
	s.Invalidate(ctx, userID)

	s.logger.WithFields(log.Fields{
		"user_id":    userID,
		"product_id": in.ProductID,
		"quantity":   in.Quantity,
		"line_count": count,
	}).Debug("cart line added")
	return count, nil
}

// SetQuantity меняет количество; qty <= 0 удаляет строку.
func (s *Service) SetQuantity(ctx context.Context, userID, lineID string, qty int32) error {
	if qty <= 0 {
		return s.RemoveLine(ctx, userID, lineID)
	}
	if err := s.repo.UpdateQuantity(ctx, userID, lineID, qty, s.now()); err != nil {
		return fmt.Errorf("set quantity: %w", err)
	}
	s.Invalidate(ctx, userID)
	return nil
}

// RemoveLine удаляет строку корзины; повторное удаление не ошибка.
func (s *Service) RemoveLine(ctx context.Context, userID, lineID string) error {
	if err := s.repo.DeleteLine(ctx, userID, lineID); err != nil {
		return fmt.Errorf("remove line: %w", err)
	}
	s.Invalidate(ctx, userID)
	return nil
}

// Clear очищает корзину пользователя.
func (s *Service) Clear(ctx context.Context, userID string) error {
	if err := s.repo.Clear(ctx, userID); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	s.Invalidate(ctx, userID)
	return nil
}

// GetCart возвращает корзину с текущими данными каталога.
// Сначала смотрит в кэш; ошибка кэша не мешает чтению из хранилища.
func (s *Service) GetCart(ctx context.Context, userID string) (domain.CartView, error) {
	lines, err := s.cache.Get(ctx, userID)
	switch {
	case err == nil:
		s.metrics.RecordCartCache("hit")
		return domain.CartView{UserID: userID, Lines: lines}, nil
	case errors.Is(err, cache.ErrCacheMiss):
		s.metrics.RecordCartCache("miss")
	default:
		s.metrics.RecordCartCache("error")
		s.logger.WithError(err).WithField("user_id", userID).Warn("cart cache read failed")
	}

	// Поколение берётся до чтения хранилища: если корзину очистят между
	// чтением и записью в кэш, старая проекция туда не попадёт.
	generation, genErr := s.cache.Generation(ctx, userID)

	lines, err = s.repo.View(ctx, userID)
	if err != nil {
		return domain.CartView{}, fmt.Errorf("view cart: %w", err)
	}
	if genErr != nil {
		s.logger.WithError(genErr).WithField("user_id", userID).Warn("cart cache generation read failed")
		return domain.CartView{UserID: userID, Lines: lines}, nil
	}
	err = s.cache.Set(ctx, userID, generation, lines)
	switch {
	case err == nil:
	case errors.Is(err, cache.ErrStaleGeneration):
		s.logger.WithField("user_id", userID).Debug("cart changed during read, cache not refilled")
	default:
		s.logger.WithError(err).WithField("user_id", userID).Warn("cart cache write failed")
	}
	return domain.CartView{UserID: userID, Lines: lines}, nil
}

// Invalidate сбрасывает кэш корзины пользователя. Вызывается после
// каждой мутации и после очистки корзины reconciler'ом.
func (s *Service) Invalidate(ctx context.Context, userID string) {
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.logger.WithError(err).WithField("user_id", userID).Warn("cart cache invalidation failed")
	}
}

func normalizeOptional(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
