package collection

import "context"

// LocalStore persists a guest's collections on the guest's own storage scope.
// Load returns an empty list when nothing (or nothing readable) is stored.
type LocalStore interface {
	Load(ctx context.Context, kind string) ([]Item, error)
	Save(ctx context.Context, kind string, items []Item) error
	Clear(ctx context.Context, kind string) error
}

// Batch is applied atomically: either every upsert and delete lands or none do.
// DeleteAll removes every item of the owner before the upserts run.
type Batch struct {
	Upserts   []Item
	Deletes   []string
	DeleteAll bool
}

func (b Batch) Empty() bool { return !b.DeleteAll && len(b.Upserts) == 0 && len(b.Deletes) == 0 }

// RemoteStore holds authenticated users' collections.
type RemoteStore interface {
	// Subscribe opens a live query over ownerID's collection. The first
	// snapshot carries the current contents.
	Subscribe(ctx context.Context, kind, ownerID string) (Subscription, error)
	Upsert(ctx context.Context, kind string, item Item) error
	// Delete is a no-op when the item does not exist.
	Delete(ctx context.Context, kind, ownerID, itemID string) error
	Apply(ctx context.Context, kind, ownerID string, batch Batch) error
}

// Snapshot is one emission of a live subscription. A snapshot with Err set
// is the last one; the channel is closed after it.
type Snapshot struct {
	Items []Item
	Err   error
}

type Subscription interface {
	Snapshots() <-chan Snapshot
	Close() error
}

// Recorder receives collection metrics.
type Recorder interface {
	MergeCompleted(kind string, merged int)
	MergeFailed(kind string)
	MergeSkipped(kind string)
	WriteFailed(kind, op string)
	SubscriptionFailed(kind string)
}

// EventPublisher announces completed merges to other services.
type EventPublisher interface {
	PublishMerged(ctx context.Context, kind, ownerID string, subjectIDs []string) error
}

type nopRecorder struct{}

func (nopRecorder) MergeCompleted(string, int) {}
func (nopRecorder) MergeFailed(string) {}
func (nopRecorder) MergeSkipped(string) {}
func (nopRecorder) WriteFailed(string, string) {}
func (nopRecorder) SubscriptionFailed(string) {}
