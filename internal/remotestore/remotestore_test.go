package remotestore

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/internal/identity"
	"github.com/prestige-merchandise/storefront/internal/localstore"
	"github.com/prestige-merchandise/storefront/pkg/db"
	"github.com/prestige-merchandise/storefront/pkg/db/models"
	redisclient "github.com/prestige-merchandise/storefront/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *db.Client {
	t.Helper()
	client, err := db.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()))
	require.NoError(t, err)
	sqlDB, err := client.DB().DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, client.DB().AutoMigrate(&models.CollectionItem{}))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newTestRedis(t *testing.T) *redisclient.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisclient.Wrap(goredis.NewClient(&goredis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

var base = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

func item(subject string, offset time.Duration) collection.Item {
	return collection.NewItem(subject, base.Add(offset))
}

func subjectsOf(items []collection.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.SubjectID)
	}
	sort.Strings(out)
	return out
}

func nextSnapshot(t *testing.T, sub collection.Subscription) collection.Snapshot {
	t.Helper()
	select {
	case snap, ok := <-sub.Snapshots():
		require.True(t, ok, "subscription closed unexpectedly")
		return snap
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return collection.Snapshot{}
	}
}

// awaitSubjects reads snapshots until one matches want.
func awaitSubjects(t *testing.T, sub collection.Subscription, want ...string) {
	t.Helper()
	sort.Strings(want)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case snap, ok := <-sub.Snapshots():
			require.True(t, ok, "subscription closed unexpectedly")
			require.NoError(t, snap.Err)
			if fmt.Sprint(subjectsOf(snap.Items)) == fmt.Sprint(want) {
				return
			}
		case <-deadline:
			t.Fatalf("never saw snapshot %v", want)
		}
	}
}

func TestRepositoryUpsertListDelete(t *testing.T) {
	repo := NewRepository(newTestDB(t).DB())
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, toRow("wishlist", "u1", item("B", time.Minute))))
	require.NoError(t, repo.Upsert(ctx, toRow("wishlist", "u1", item("A", 0))))
	require.NoError(t, repo.Upsert(ctx, toRow("wishlist", "u2", item("Z", 0))))
	require.NoError(t, repo.Upsert(ctx, toRow("cart", "u1", item("C", 0))))

	rows, err := repo.List(ctx, "wishlist", "u1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A", rows[0].ItemID, "rows come back oldest first")
	assert.Equal(t, "B", rows[1].ItemID)

	// Upserting the same key refreshes addedAt instead of duplicating.
	require.NoError(t, repo.Upsert(ctx, toRow("wishlist", "u1", item("A", time.Hour))))
	rows, err = repo.List(ctx, "wishlist", "u1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A", rows[1].ItemID)
	assert.True(t, rows[1].AddedAt.Equal(base.Add(time.Hour)))

	require.NoError(t, repo.Delete(ctx, "wishlist", "u1", "A"))
	require.NoError(t, repo.Delete(ctx, "wishlist", "u1", "missing"))
	rows, err = repo.List(ctx, "wishlist", "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestRepositoryApplyBatch(t *testing.T) {
	repo := NewRepository(newTestDB(t).DB())
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, toRow("cart", "u1", item("old", 0))))

	err := repo.ApplyBatch(ctx, "cart", "u1", RowBatch{
		Upserts: []models.CollectionItem{toRow("cart", "u1", item("n1", time.Minute)), toRow("cart", "u1", item("n2", 2*time.Minute))},
		Deletes: []string{"old"},
	})
	require.NoError(t, err)

	rows, err := repo.List(ctx, "cart", "u1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "n1", rows[0].ItemID)
	assert.Equal(t, "u1", rows[0].OwnerID)
}

func TestRepositoryDeleteAllIsScopedToOwner(t *testing.T) {
	repo := NewRepository(newTestDB(t).DB())
	ctx := context.Background()
	require.NoError(t, repo.Upsert(ctx, toRow("cart", "u1", item("A", 0))))
	require.NoError(t, repo.Upsert(ctx, toRow("cart", "u1", item("B", time.Minute))))
	require.NoError(t, repo.Upsert(ctx, toRow("cart", "u2", item("A", 0))))
	require.NoError(t, repo.Upsert(ctx, toRow("wishlist", "u1", item("A", 0))))

	require.NoError(t, repo.ApplyBatch(ctx, "cart", "u1", RowBatch{DeleteAll: true}))

	rows, err := repo.List(ctx, "cart", "u1")
	require.NoError(t, err)
	assert.Empty(t, rows)
	rows, err = repo.List(ctx, "cart", "u2")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	rows, err = repo.List(ctx, "wishlist", "u1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStoreSubscriptionFollowsWrites(t *testing.T) {
	store := NewStore(NewRepository(newTestDB(t).DB()), NewLocalFeed(), nil)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, "wishlist", withOwner(item("A", 0), "u1")))

	sub, err := store.Subscribe(ctx, "wishlist", "u1")
	require.NoError(t, err)
	defer sub.Close()

	first := nextSnapshot(t, sub)
	require.NoError(t, first.Err)
	assert.Equal(t, []string{"A"}, subjectsOf(first.Items))
	assert.Equal(t, "u1", first.Items[0].OwnerID)

	require.NoError(t, store.Upsert(ctx, "wishlist", withOwner(item("B", time.Minute), "u1")))
	awaitSubjects(t, sub, "A", "B")

	require.NoError(t, store.Apply(ctx, "wishlist", "u1", collection.Batch{
		Upserts: []collection.Item{item("C", 2*time.Minute)},
		Deletes: []string{"A"},
	}))
	awaitSubjects(t, sub, "B", "C")

	require.NoError(t, store.Delete(ctx, "wishlist", "u1", "B"))
	awaitSubjects(t, sub, "C")

	// Writes to another owner do not reach this subscription.
	require.NoError(t, store.Upsert(ctx, "wishlist", withOwner(item("X", 0), "u2")))
	select {
	case snap := <-sub.Snapshots():
		t.Fatalf("unexpected snapshot %v", subjectsOf(snap.Items))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStoreCloseEndsSubscription(t *testing.T) {
	feed := NewLocalFeed()
	store := NewStore(NewRepository(newTestDB(t).DB()), feed, nil)
	sub, err := store.Subscribe(context.Background(), "cart", "u1")
	require.NoError(t, err)
	nextSnapshot(t, sub)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, open := <-sub.Snapshots()
	assert.False(t, open)

	feed.mu.Lock()
	defer feed.mu.Unlock()
	assert.Empty(t, feed.listeners)
}

func TestRedisFeedCrossesInstances(t *testing.T) {
	conn := newTestDB(t).DB()
	rdb := newTestRedis(t)
	// Two stores model two API instances sharing the database and redis.
	writer := NewStore(NewRepository(conn), NewRedisFeed(rdb), nil)
	reader := NewStore(NewRepository(conn), NewRedisFeed(rdb), nil)
	ctx := context.Background()

	sub, err := reader.Subscribe(ctx, "wishlist", "u1")
	require.NoError(t, err)
	defer sub.Close()
	assert.Empty(t, nextSnapshot(t, sub).Items)

	require.NoError(t, writer.Upsert(ctx, "wishlist", withOwner(item("P1", 0), "u1")))
	awaitSubjects(t, sub, "P1")
}

func TestRedisFeedCoalescesSignals(t *testing.T) {
	rdb := newTestRedis(t)
	feed := NewRedisFeed(rdb)
	ctx := context.Background()

	l, err := feed.Listen(ctx, "cart", "u1")
	require.NoError(t, err)
	defer l.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, feed.Notify(ctx, "cart", "u1"))
	}
	select {
	case <-l.C():
	case <-time.After(2 * time.Second):
		t.Fatal("no signal received")
	}
	require.NoError(t, l.Close())
}

func TestSessionOverRealStores(t *testing.T) {
	rdb := newTestRedis(t)
	remote := NewStore(NewRepository(newTestDB(t).DB()), NewRedisFeed(rdb), nil)
	guests := localstore.NewRedis(rdb, time.Hour, nil)
	ctx := context.Background()

	s, err := collection.NewSession(ctx, collection.Options{
		Kind:   collection.Wishlist,
		Local:  guests.ForSession("sess-1"),
		Remote: remote,
	})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.OnIdentityChange(ctx, identity.Guest())
	require.NoError(t, err)
	_, err = s.Add(ctx, "P1")
	require.NoError(t, err)

	res, err := s.OnIdentityChange(ctx, identity.Authenticated("U1"))
	require.NoError(t, err)
	require.NoError(t, res.MergeErr)
	assert.True(t, res.LocalCleared)

	require.Eventually(t, func() bool {
		return fmt.Sprint(subjectsOf(s.Items())) == "[P1]"
	}, 2*time.Second, 10*time.Millisecond)

	local, err := guests.ForSession("sess-1").Load(ctx, collection.Wishlist.Name)
	require.NoError(t, err)
	assert.Empty(t, local)
}

func withOwner(it collection.Item, owner string) collection.Item {
	it.OwnerID = owner
	return it
}
