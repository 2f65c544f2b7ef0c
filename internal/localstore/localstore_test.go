package localstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/pkg/config"
	"github.com/prestige-merchandise/storefront/pkg/db"
	"github.com/prestige-merchandise/storefront/pkg/db/models"
	redisclient "github.com/prestige-merchandise/storefront/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisProvider(t *testing.T, ttl time.Duration) (*Redis, *miniredis.Miniredis, *redisclient.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisclient.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, ttl, nil), mr, client
}

func newSQLiteProvider(t *testing.T) *SQLite {
	t.Helper()
	client, err := db.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	require.NoError(t, client.DB().AutoMigrate(&models.LocalEntry{}))
	p := NewSQLite(client, time.Hour, nil)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func sampleItems() []collection.Item {
	at := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	return []collection.Item{
		collection.NewItem("P1", at),
		collection.NewItem("P2", at.Add(time.Minute)),
	}
}

// exercise runs the contract every driver must satisfy.
func exercise(t *testing.T, p Provider) {
	ctx := context.Background()
	a := p.ForSession("sess-a")
	b := p.ForSession("sess-b")

	items, err := a.Load(ctx, "wishlist")
	require.NoError(t, err)
	assert.Empty(t, items)

	require.NoError(t, a.Save(ctx, "wishlist", sampleItems()))
	got, err := a.Load(ctx, "wishlist")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "P1", got[0].SubjectID)
	assert.True(t, got[1].AddedAt.Equal(sampleItems()[1].AddedAt))

	other, err := b.Load(ctx, "wishlist")
	require.NoError(t, err)
	assert.Empty(t, other, "sessions must not see each other's data")

	cart, err := a.Load(ctx, "cart")
	require.NoError(t, err)
	assert.Empty(t, cart, "kinds are stored separately")

	require.NoError(t, a.Save(ctx, "wishlist", sampleItems()[:1]))
	got, err = a.Load(ctx, "wishlist")
	require.NoError(t, err)
	assert.Len(t, got, 1, "save overwrites the whole value")

	require.NoError(t, a.Clear(ctx, "wishlist"))
	got, err = a.Load(ctx, "wishlist")
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, a.Clear(ctx, "wishlist"))
}

func TestRedisContract(t *testing.T) {
	p, _, _ := newRedisProvider(t, time.Hour)
	exercise(t, p)
}

func TestSQLiteContract(t *testing.T) {
	exercise(t, newSQLiteProvider(t))
}

func TestRedisAppliesTTL(t *testing.T) {
	p, mr, client := newRedisProvider(t, 30*time.Minute)
	ctx := context.Background()
	require.NoError(t, p.ForSession("s1").Save(ctx, "cart", sampleItems()))

	key := client.GuestCollectionKey("s1", "cart")
	assert.Equal(t, 30*time.Minute, mr.TTL(key))

	mr.FastForward(31 * time.Minute)
	items, err := p.ForSession("s1").Load(ctx, "cart")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRedisMalformedValueIsEmpty(t *testing.T) {
	p, mr, client := newRedisProvider(t, time.Hour)
	require.NoError(t, mr.Set(client.GuestCollectionKey("s1", "wishlist"), "{not json"))

	items, err := p.ForSession("s1").Load(context.Background(), "wishlist")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRedisUnavailableIsAnError(t *testing.T) {
	p, mr, _ := newRedisProvider(t, time.Hour)
	mr.SetError("LOADING server is loading")

	_, err := p.ForSession("s1").Load(context.Background(), "wishlist")
	assert.Error(t, err)
}

func TestDecodeDropsEntriesWithoutSubject(t *testing.T) {
	items := decode(context.Background(), nil, `[{"subjectId":"P1"},{"id":"x"},{"id":"P2","subjectId":"P2"}]`)
	require.Len(t, items, 2)
	assert.Equal(t, "P1", items[0].ID, "id defaults to the subject")
	assert.Equal(t, "P2", items[1].ID)
}

func TestSQLiteMalformedValueIsEmpty(t *testing.T) {
	p := newSQLiteProvider(t)
	require.NoError(t, p.client.DB().Create(&models.LocalEntry{Scope: "s1", Key: "cart", Value: "oops", UpdatedAt: time.Now()}).Error)

	items, err := p.ForSession("s1").Load(context.Background(), "cart")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSQLitePruneRemovesExpiredEntries(t *testing.T) {
	p := newSQLiteProvider(t)
	ctx := context.Background()
	require.NoError(t, p.ForSession("old").Save(ctx, "cart", sampleItems()))
	require.NoError(t, p.ForSession("fresh").Save(ctx, "cart", sampleItems()))
	require.NoError(t, p.client.DB().Model(&models.LocalEntry{}).
		Where("scope = ?", "old").
		UpdateColumn("updated_at", time.Now().UTC().Add(-2*time.Hour)).Error)

	n, err := p.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	items, err := p.ForSession("fresh").Load(ctx, "cart")
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestOpenSelectsDriver(t *testing.T) {
	_, err := Open(config.GuestConfig{Driver: config.GuestDriverRedis}, nil, nil)
	assert.Error(t, err, "redis driver needs a client")

	_, err = Open(config.GuestConfig{Driver: "memcached"}, nil, nil)
	assert.Error(t, err)

	p, err := Open(config.GuestConfig{
		Driver:     config.GuestDriverSQLite,
		SQLitePath: fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
		TTL:        time.Hour,
	}, nil, nil)
	require.NoError(t, err)
	defer p.Close()
	_, ok := p.(*SQLite)
	assert.True(t, ok)
}
