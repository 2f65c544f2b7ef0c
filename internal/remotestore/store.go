// Package remotestore keeps authenticated shoppers' collections in SQL and
// turns row changes into live collection snapshots.
package remotestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/pkg/db/models"
	"github.com/prestige-merchandise/storefront/pkg/logger"
)

const defaultReadTimeout = 5 * time.Second

// Store implements collection.RemoteStore over a Repository and a ChangeFeed.
type Store struct {
	repo        *Repository
	feed        ChangeFeed
	logg        *logger.Logger
	readTimeout time.Duration
}

func NewStore(repo *Repository, feed ChangeFeed, logg *logger.Logger) *Store {
	if logg == nil {
		logg = logger.Discard()
	}
	return &Store{repo: repo, feed: feed, logg: logg, readTimeout: defaultReadTimeout}
}

func (s *Store) Subscribe(ctx context.Context, kind, ownerID string) (collection.Subscription, error) {
	// Listen first: a write landing between the read and the listen would
	// otherwise never reach this subscriber.
	listener, err := s.feed.Listen(ctx, kind, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listening for %s changes: %w", kind, err)
	}
	items, err := s.read(ctx, kind, ownerID)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	sub := &subscription{
		ch:       make(chan collection.Snapshot, 1),
		listener: listener,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	sub.ch <- collection.Snapshot{Items: items}

	logCtx := s.logg.WithFields(context.WithoutCancel(ctx), map[string]any{
		"collection": kind,
		"owner_id":   ownerID,
	})
	go s.follow(logCtx, sub, kind, ownerID)
	return sub, nil
}

// follow re-reads the collection after every burst of change signals.
func (s *Store) follow(ctx context.Context, sub *subscription, kind, ownerID string) {
	defer close(sub.exited)
	defer close(sub.ch)
	for {
		select {
		case <-sub.done:
			return
		case _, ok := <-sub.listener.C():
			if !ok {
				select {
				case <-sub.done:
				default:
					sub.offer(collection.Snapshot{Err: fmt.Errorf("change feed for %s closed", kind)})
				}
				return
			}
			readCtx, cancel := context.WithTimeout(ctx, s.readTimeout)
			items, err := s.read(readCtx, kind, ownerID)
			cancel()
			if err != nil {
				s.logg.WarnErr(ctx, "refreshing collection snapshot failed", err)
				sub.offer(collection.Snapshot{Err: err})
				return
			}
			sub.offer(collection.Snapshot{Items: items})
		}
	}
}

func (s *Store) read(ctx context.Context, kind, ownerID string) ([]collection.Item, error) {
	rows, err := s.repo.List(ctx, kind, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing %s for %s: %w", kind, ownerID, err)
	}
	items := make([]collection.Item, 0, len(rows))
	for _, row := range rows {
		items = append(items, fromRow(row))
	}
	return items, nil
}

func (s *Store) Upsert(ctx context.Context, kind string, item collection.Item) error {
	if err := s.repo.Upsert(ctx, toRow(kind, item.OwnerID, item)); err != nil {
		return fmt.Errorf("upserting %s item: %w", kind, err)
	}
	s.changed(ctx, kind, item.OwnerID)
	return nil
}

func (s *Store) Delete(ctx context.Context, kind, ownerID, itemID string) error {
	if err := s.repo.Delete(ctx, kind, ownerID, itemID); err != nil {
		return fmt.Errorf("deleting %s item: %w", kind, err)
	}
	s.changed(ctx, kind, ownerID)
	return nil
}

func (s *Store) Apply(ctx context.Context, kind, ownerID string, batch collection.Batch) error {
	if batch.Empty() {
		return nil
	}
	rows := make([]models.CollectionItem, 0, len(batch.Upserts))
	for _, it := range batch.Upserts {
		rows = append(rows, toRow(kind, ownerID, it))
	}
	if err := s.repo.ApplyBatch(ctx, kind, ownerID, RowBatch{Upserts: rows, Deletes: batch.Deletes, DeleteAll: batch.DeleteAll}); err != nil {
		return fmt.Errorf("applying %s batch: %w", kind, err)
	}
	s.changed(ctx, kind, ownerID)
	return nil
}

// changed is best effort: the write is durable, and subscribers catch up on
// the next signal or resubscribe.
func (s *Store) changed(ctx context.Context, kind, ownerID string) {
	if err := s.feed.Notify(context.WithoutCancel(ctx), kind, ownerID); err != nil {
		s.logg.WarnErr(ctx, "publishing collection change", err)
	}
}

func toRow(kind, ownerID string, it collection.Item) models.CollectionItem {
	id := it.ID
	if id == "" {
		id = it.SubjectID
	}
	return models.CollectionItem{
		Kind:      kind,
		OwnerID:   ownerID,
		ItemID:    id,
		SubjectID: it.SubjectID,
		AddedAt:   it.AddedAt.UTC().Truncate(time.Microsecond),
	}
}

func fromRow(row models.CollectionItem) collection.Item {
	return collection.Item{
		ID:        row.ItemID,
		SubjectID: row.SubjectID,
		OwnerID:   row.OwnerID,
		AddedAt:   row.AddedAt.UTC(),
	}
}

type subscription struct {
	ch       chan collection.Snapshot
	listener Listener
	done     chan struct{}
	exited   chan struct{}
	once     sync.Once
}

func (s *subscription) Snapshots() <-chan collection.Snapshot { return s.ch }

// offer replaces any snapshot the consumer has not read yet.
func (s *subscription) offer(snap collection.Snapshot) {
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- snap:
	case <-s.done:
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.listener.Close()
		<-s.exited
	})
	return err
}
