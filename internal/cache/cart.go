// Package cache хранит проекции корзины в Redis, чтобы не собирать join
// с каталогом на каждый просмотр.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var (
	// ErrCacheMiss в кэше нет записи для пользователя.
	ErrCacheMiss = errors.New("cache miss")
	// ErrStaleGeneration корзину инвалидировали, пока проекция читалась из хранилища.
	ErrStaleGeneration = errors.New("cart cache generation changed")
)

const (
	defaultBaseTTL   = 15 * time.Minute
	defaultMaxJitter = 5 * time.Minute
	generationTTL    = 24 * time.Hour
)

// CartCache описывает кэш проекций корзины.
//
// Generation читается до похода в хранилище, Set записывает проекцию только
// если поколение не изменилось. Delete увеличивает поколение, поэтому
// чтение, начатое до инвалидации, не вернёт старые строки в кэш.
type CartCache interface {
	Get(ctx context.Context, userID string) ([]domain.CartLineView, error)
	Generation(ctx context.Context, userID string) (uint64, error)
	Set(ctx context.Context, userID string, generation uint64, lines []domain.CartLineView) error
	Delete(ctx context.Context, userID string) error
}

// RedisCartCache CartCache поверх go-redis.
type RedisCartCache struct {
	client    redis.UniversalClient
	baseTTL   time.Duration
	maxJitter time.Duration
}

// NewRedisCartCache создаёт кэш; ttl <= 0 заменяется значением по умолчанию.
func NewRedisCartCache(client redis.UniversalClient, ttl time.Duration) *RedisCartCache {
	if ttl <= 0 {
		ttl = defaultBaseTTL
	}
	return &RedisCartCache{
		client:    client,
		baseTTL:   ttl,
		maxJitter: defaultMaxJitter,
	}
}

func (c *RedisCartCache) Get(ctx context.Context, userID string) ([]domain.CartLineView, error) {
	data, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var lines []domain.CartLineView
	if err := json.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return lines, nil
}

func (c *RedisCartCache) Generation(ctx context.Context, userID string) (uint64, error) {
	gen, err := c.client.Get(ctx, generationKey(userID)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get generation failed: %w", err)
	}
	return gen, nil
}

func (c *RedisCartCache) Set(ctx context.Context, userID string, generation uint64, lines []domain.CartLineView) error {
	data, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("marshal cart failed: %w", err)
	}

	// Разносим истечение ключей во времени.
	ttl := c.baseTTL
	if c.maxJitter > 0 {
		ttl += time.Duration(rand.Int63n(int64(c.maxJitter)))
	}

	genKey := generationKey(userID)
	err = c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, genKey).Uint64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != generation {
			return ErrStaleGeneration
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cacheKey(userID), data, ttl)
			return nil
		})
		return err
	}, genKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrStaleGeneration), errors.Is(err, redis.TxFailedErr):
		return ErrStaleGeneration
	default:
		return fmt.Errorf("redis set failed: %w", err)
	}
}

func (c *RedisCartCache) Delete(ctx context.Context, userID string) error {
	genKey := generationKey(userID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		pipe.Del(ctx, cacheKey(userID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// Ping проверяет доступность Redis для readiness.
func (c *RedisCartCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func cacheKey(userID string) string {
	return fmt.Sprintf("cart:%s", userID)
}

func generationKey(userID string) string {
	return fmt.Sprintf("cart-gen:%s", userID)
}

// Noop кэш, который ничего не хранит; используется без Redis.
type Noop struct{}

func (Noop) Get(context.Context, string) ([]domain.CartLineView, error) { return nil, ErrCacheMiss }

func (Noop) Generation(context.Context, string) (uint64, error) { return 0, nil }

func (Noop) Set(context.Context, string, uint64, []domain.CartLineView) error { return nil }

func (Noop) Delete(context.Context, string) error { return nil }

var (
	_ CartCache = (*RedisCartCache)(nil)
	_ CartCache = Noop{}
)
