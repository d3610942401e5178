package cart_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/cache"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/cart"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func strPtr(s string) *string { return &s }

type fixture struct {
	store   *memory.Store
	redis   *miniredis.Miniredis
	cache   *cache.RedisCartCache
	service *cart.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := memory.NewStore()
	catalog := store.Catalog()
	catalog.PutProduct(domain.Product{ID: "p1", Name: "Tee", PriceMinor: 5000})
	catalog.PutProduct(domain.Product{ID: "p2", Name: "Cap", PriceMinor: 3000})
	catalog.PutColor("red", "Red")

	c := cache.NewRedisCartCache(client, time.Minute)
	return fixture{
		store:   store,
		redis:   mr,
		cache:   c,
		service: cart.NewService(store.Carts(), catalog, cart.WithCache(c)),
	}
}

func TestService_AddLine(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	count, err := f.service.AddLine(ctx, "u1", domain.AddLineInput{ProductID: "p1", ColorID: strPtr("red"), Quantity: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = f.service.AddLine(ctx, "u1", domain.AddLineInput{ProductID: "p1", ColorID: strPtr(" red "), Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, count, "same variant is merged")

	count, err = f.service.AddLine(ctx, "u1", domain.AddLineInput{ProductID: "p1", ColorID: strPtr(""), Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, count, "empty color is no color")

	view, err := f.service.GetCart(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, view.Lines, 2)
	assert.Equal(t, int32(3), view.Lines[0].Quantity)
	assert.Equal(t, "Red", view.Lines[0].ColorName)
	assert.Equal(t, 4, view.TotalQuantity())
}

func TestService_AddLineValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.AddLine(ctx, "u1", domain.AddLineInput{ProductID: "missing", Quantity: 1})
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.service.AddLine(ctx, "u1", domain.AddLineInput{ProductID: "p1"})
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.service.AddLine(ctx, "", domain.AddLineInput{ProductID: "p1", Quantity: 1})
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestService_SetQuantity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.AddLine(ctx, "u1", domain.AddLineInput{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	view, err := f.service.GetCart(ctx, "u1")
	require.NoError(t, err)
	lineID := view.Lines[0].LineID

	require.NoError(t, f.service.SetQuantity(ctx, "u1", lineID, 5))
	view, err = f.service.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int32(5), view.Lines[0].Quantity, "cache must be invalidated on update")

	err = f.service.SetQuantity(ctx, "intruder", lineID, 1)
	require.ErrorIs(t, err, domain.ErrForbidden)

	require.NoError(t, f.service.SetQuantity(ctx, "u1", lineID, 0))
	view, err = f.service.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, view.Lines)

	require.NoError(t, f.service.SetQuantity(ctx, "u1", lineID, -1), "removing a removed line is a no-op")
}

func TestService_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.AddLine(ctx, "u1", domain.AddLineInput{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	_, err = f.service.AddLine(ctx, "u1", domain.AddLineInput{ProductID: "p2", Quantity: 1})
	require.NoError(t, err)

	view, err := f.service.GetCart(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, view.Lines, 2)

	require.NoError(t, f.service.RemoveLine(ctx, "u1", view.Lines[0].LineID))
	require.NoError(t, f.service.RemoveLine(ctx, "u1", view.Lines[0].LineID))

	err = f.service.RemoveLine(ctx, "u2", view.Lines[1].LineID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	require.NoError(t, f.service.Clear(ctx, "u1"))
	require.NoError(t, f.service.Clear(ctx, "u1"))

	view, err = f.service.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, view.Lines)
}

func TestService_GetCartUsesCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.service.AddLine(ctx, "u1", domain.AddLineInput{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)

	_, err = f.service.GetCart(ctx, "u1")
	require.NoError(t, err)
	require.True(t, f.redis.Exists("cart:u1"))

	// Цена в каталоге поменялась, но кэш ещё жив.
	f.store.Catalog().PutProduct(domain.Product{ID: "p1", Name: "Tee", PriceMinor: 9999})
	view, err := f.service.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), view.Lines[0].UnitPriceMinor)

	f.service.Invalidate(ctx, "u1")
	require.False(t, f.redis.Exists("cart:u1"))

	view, err = f.service.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(9999), view.Lines[0].UnitPriceMinor)
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]domain.CartLineView, error) {
	return nil, errors.New("redis down")
}

func (brokenCache) Generation(context.Context, string) (uint64, error) {
	return 0, errors.New("redis down")
}

func (brokenCache) Set(context.Context, string, uint64, []domain.CartLineView) error {
	return errors.New("redis down")
}

func (brokenCache) Delete(context.Context, string) error { return errors.New("redis down") }

func TestService_CacheFailuresDoNotBreakCart(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	store.Catalog().PutProduct(domain.Product{ID: "p1", Name: "Tee", PriceMinor: 5000})
	svc := cart.NewService(store.Carts(), store.Catalog(), cart.WithCache(brokenCache{}))

	count, err := svc.AddLine(ctx, "u1", domain.AddLineInput{ProductID: "p1", Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	view, err := svc.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, view.Lines, 1)
}

// pausingCarts останавливает View после чтения строк, пока тест не отпустит его.
type pausingCarts struct {
	domain.CartRepository

	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (p *pausingCarts) View(ctx context.Context, userID string) ([]domain.CartLineView, error) {
	lines, err := p.CartRepository.View(ctx, userID)
	p.once.Do(func() {
		close(p.read)
		<-p.release
	})
	return lines, err
}

func TestService_InvalidateDuringReadDoesNotRefillCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	repo := &pausingCarts{
		CartRepository: f.store.Carts(),
		read:           make(chan struct{}),
		release:        make(chan struct{}),
	}
	svc := cart.NewService(repo, f.store.Catalog(), cart.WithCache(f.cache))

	_, err := f.store.Carts().AddLine(ctx, "u1", domain.AddLineInput{ProductID: "p1", Quantity: 1}, time.Now())
	require.NoError(t, err)

	type result struct {
		view domain.CartView
		err  error
	}
	done := make(chan result, 1)
	go func() {
		view, err := svc.GetCart(ctx, "u1")
		done <- result{view, err}
	}()

	<-repo.read
	// Оплата очистила корзину и сбросила кэш, пока чтение было в полёте.
	require.NoError(t, f.store.Carts().Clear(ctx, "u1"))
	svc.Invalidate(ctx, "u1")
	close(repo.release)

	res := <-done
	require.NoError(t, res.err)
	assert.Len(t, res.view.Lines, 1, "in-flight read still returns what it saw")
	assert.False(t, f.redis.Exists("cart:u1"), "stale projection must not be cached")

	view, err := svc.GetCart(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, view.Lines)
	assert.True(t, f.redis.Exists("cart:u1"))
}
