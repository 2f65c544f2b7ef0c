// Package memstore provides in-memory collection stores with fault
// injection, for tests and single-process tooling.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/prestige-merchandise/storefront/internal/collection"
)

// Local is an in-memory guest store for one session.
type Local struct {
	mu    sync.Mutex
	items map[string][]collection.Item

	LoadErr  error
	SaveErr  error
	ClearErr error
}

func NewLocal() *Local {
	return &Local{items: map[string][]collection.Item{}}
}

// Seed replaces the stored items for kind without going through Save.
func (l *Local) Seed(kind string, items ...collection.Item) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items[kind] = slices.Clone(items)
}

// Snapshot returns what is stored for kind.
func (l *Local) Snapshot(kind string) []collection.Item {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.items[kind])
}

func (l *Local) SetFaults(load, save, clear error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LoadErr, l.SaveErr, l.ClearErr = load, save, clear
}

func (l *Local) Load(_ context.Context, kind string) ([]collection.Item, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.LoadErr != nil {
		return nil, l.LoadErr
	}
	return slices.Clone(l.items[kind]), nil
}

func (l *Local) Save(_ context.Context, kind string, items []collection.Item) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SaveErr != nil {
		return l.SaveErr
	}
	l.items[kind] = slices.Clone(items)
	return nil
}

func (l *Local) Clear(_ context.Context, kind string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ClearErr != nil {
		return l.ClearErr
	}
	delete(l.items, kind)
	return nil
}

type key struct {
	kind  string
	owner string
}

// Calls counts remote operations.
type Calls struct {
	Subscribes int
	Upserts    int
	Deletes    int
	Applies    int
}

// Remote is an in-memory account store with live subscriptions. Items are
// kept ordered by AddedAt, matching the SQL store.
type Remote struct {
	mu    sync.Mutex
	data  map[key][]collection.Item
	subs  map[key]map[*subscription]struct{}
	calls Calls

	upsertErr    error
	deleteErr    error
	applyErr     error
	subscribeErr error
	// beforeSubscribe runs at the start of Subscribe, outside the lock.
	beforeSubscribe func(ctx context.Context) error
}

func NewRemote() *Remote {
	return &Remote{
		data: map[key][]collection.Item{},
		subs: map[key]map[*subscription]struct{}{},
	}
}

func (r *Remote) FailUpserts(err error) {
	r.mu.Lock()
	r.upsertErr = err
	r.mu.Unlock()
}

func (r *Remote) FailDeletes(err error) {
	r.mu.Lock()
	r.deleteErr = err
	r.mu.Unlock()
}

func (r *Remote) FailApplies(err error) {
	r.mu.Lock()
	r.applyErr = err
	r.mu.Unlock()
}

func (r *Remote) FailSubscribes(err error) {
	r.mu.Lock()
	r.subscribeErr = err
	r.mu.Unlock()
}

// HoldSubscribe installs a hook that runs before every Subscribe, e.g. to
// block until a test releases it or ctx is canceled.
func (r *Remote) HoldSubscribe(hook func(ctx context.Context) error) {
	r.mu.Lock()
	r.beforeSubscribe = hook
	r.mu.Unlock()
}

// Seed replaces an owner's collection and notifies subscribers.
func (r *Remote) Seed(kind, owner string, items ...collection.Item) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{kind, owner}
	r.data[k] = nil
	for _, it := range items {
		r.upsertLocked(k, it)
	}
	r.broadcastLocked(k)
}

func (r *Remote) Items(kind, owner string) []collection.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.data[key{kind, owner}])
}

func (r *Remote) Calls() Calls {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// Subscribers reports how many live subscriptions exist for an owner.
func (r *Remote) Subscribers(kind, owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[key{kind, owner}])
}

// BreakSubscriptions ends every live subscription for an owner with err.
func (r *Remote) BreakSubscriptions(kind, owner string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{kind, owner}
	for sub := range r.subs[k] {
		sub.offer(collection.Snapshot{Err: err})
		sub.closeLocked()
	}
	delete(r.subs, k)
}

func (r *Remote) Subscribe(ctx context.Context, kind, owner string) (collection.Subscription, error) {
	r.mu.Lock()
	hook := r.beforeSubscribe
	r.mu.Unlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Subscribes++
	if r.subscribeErr != nil {
		return nil, r.subscribeErr
	}
	k := key{kind, owner}
	sub := &subscription{remote: r, key: k, ch: make(chan collection.Snapshot, 1)}
	if r.subs[k] == nil {
		r.subs[k] = map[*subscription]struct{}{}
	}
	r.subs[k][sub] = struct{}{}
	sub.offer(collection.Snapshot{Items: slices.Clone(r.data[k])})
	return sub, nil
}

func (r *Remote) Upsert(_ context.Context, kind string, item collection.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Upserts++
	if r.upsertErr != nil {
		return r.upsertErr
	}
	k := key{kind, item.OwnerID}
	r.upsertLocked(k, item)
	r.broadcastLocked(k)
	return nil
}

func (r *Remote) Delete(_ context.Context, kind, owner, itemID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Deletes++
	if r.deleteErr != nil {
		return r.deleteErr
	}
	k := key{kind, owner}
	if r.deleteLocked(k, itemID) {
		r.broadcastLocked(k)
	}
	return nil
}

// Apply is all-or-nothing: an injected failure leaves the data untouched.
func (r *Remote) Apply(_ context.Context, kind, owner string, batch collection.Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.Applies++
	if r.applyErr != nil {
		return r.applyErr
	}
	k := key{kind, owner}
	if batch.DeleteAll {
		r.data[k] = nil
	}
	for _, id := range batch.Deletes {
		r.deleteLocked(k, id)
	}
	for _, it := range batch.Upserts {
		it.OwnerID = owner
		r.upsertLocked(k, it)
	}
	r.broadcastLocked(k)
	return nil
}

func (r *Remote) upsertLocked(k key, item collection.Item) {
	items := r.data[k]
	if i := slices.IndexFunc(items, func(it collection.Item) bool { return it.ID == item.ID }); i >= 0 {
		items = slices.Delete(items, i, i+1)
	}
	items = append(items, item)
	slices.SortStableFunc(items, func(a, b collection.Item) int { return a.AddedAt.Compare(b.AddedAt) })
	r.data[k] = items
}

func (r *Remote) deleteLocked(k key, itemID string) bool {
	items := r.data[k]
	i := slices.IndexFunc(items, func(it collection.Item) bool { return it.ID == itemID })
	if i < 0 {
		return false
	}
	r.data[k] = slices.Delete(items, i, i+1)
	return true
}

func (r *Remote) broadcastLocked(k key) {
	for sub := range r.subs[k] {
		sub.offer(collection.Snapshot{Items: slices.Clone(r.data[k])})
	}
}

type subscription struct {
	remote *Remote
	key    key
	ch     chan collection.Snapshot
	closed bool
}

func (s *subscription) Snapshots() <-chan collection.Snapshot { return s.ch }

// offer keeps only the newest snapshot; callers hold remote.mu.
func (s *subscription) offer(snap collection.Snapshot) {
	if s.closed {
		return
	}
	select {
	case <-s.ch:
	default:
	}
	s.ch <- snap
}

func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

func (s *subscription) Close() error {
	s.remote.mu.Lock()
	defer s.remote.mu.Unlock()
	if subs := s.remote.subs[s.key]; subs != nil {
		delete(subs, s)
	}
	s.closeLocked()
	return nil
}
