// Package collection keeps one per-user collection (wishlist, cart, recently
// viewed) consistent for a single shopper session. Guests read and write the
// local store; authenticated users read a live remote subscription, and on
// login any guest-only items are merged into the account.
package collection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prestige-merchandise/storefront/internal/identity"
	"github.com/prestige-merchandise/storefront/internal/notify"
	pkgerrors "github.com/prestige-merchandise/storefront/pkg/errors"
	"github.com/prestige-merchandise/storefront/pkg/logger"
)

const defaultSwitchTimeout = 10 * time.Second

var (
	// ErrSuperseded is returned by an identity change that a newer one replaced
	// before its subscription was ready.
	ErrSuperseded = pkgerrors.New(pkgerrors.CodeCanceled, "identity change superseded")
	ErrClosed     = pkgerrors.New(pkgerrors.CodeConflict, "collection session closed")

	errNotStarted         = pkgerrors.New(pkgerrors.CodeConflict, "collection session has no identity yet")
	errSubscriptionClosed = errors.New("subscription closed")
)

// Outcome reports what Add did.
type Outcome string

const (
	OutcomeAdded          Outcome = "added"
	OutcomeAlreadyPresent Outcome = "already_present"
	OutcomeRefreshed      Outcome = "refreshed"
)

// Reconciliation describes the result of one identity change.
type Reconciliation struct {
	Identity identity.Identity
	// Unchanged is set when the session was already serving Identity.
	Unchanged bool
	// Degraded is set when no remote snapshot arrived; the collection reads
	// empty and no merge was attempted.
	Degraded     bool
	Merged       []Item
	Skipped int
	// LocalCleared reports that no guest data is left behind after a merge,
	// including when there was none to begin with.
	LocalCleared bool
	// MergeErr is the non-fatal merge failure, if any. Guest data is kept.
	MergeErr error
}

type Options struct {
	Kind     Kind
	Local    LocalStore
	Remote   RemoteStore
	Notifier notify.Notifier
	Recorder Recorder
	Events   EventPublisher
	Logger   *logger.Logger
	Clock    func() time.Time

	// SwitchTimeout bounds the wait for the first remote snapshot and the
	// merge write.
	SwitchTimeout time.Duration
}

// Session is the reconciler for one (shopper session, kind) pair.
type Session struct {
	kind          Kind
	local         LocalStore
	remote        RemoteStore
	notes         notify.Notifier
	rec           Recorder
	events        EventPublisher
	logg          *logger.Logger
	now           func() time.Time
	switchTimeout time.Duration
	logCtx        context.Context

	// transition is held for the whole of an identity change.
	transition sync.Mutex
	// guestWrites serializes read-modify-write cycles on the local store.
	guestWrites sync.Mutex

	mu        sync.Mutex
	identity  identity.Identity
	started   bool
	live      bool
	items     []Item
	gen       uint64
	sub       Subscription
	tickets   map[*ticket]struct{}
	watchers  map[uint64]chan []Item
	nextWatch uint64
	closed    bool
}

type ticket struct {
	target identity.Identity
	cancel context.CancelCauseFunc
}

// NewSession builds a reconciler. It serves nothing until the first
// OnIdentityChange; ctx only seeds the fields of background log entries.
func NewSession(ctx context.Context, opts Options) (*Session, error) {
	if opts.Kind.Name == "" {
		return nil, fmt.Errorf("collection kind is required")
	}
	if opts.Local == nil || opts.Remote == nil {
		return nil, fmt.Errorf("local and remote stores are required")
	}
	s := &Session{
		kind:          opts.Kind,
		local:         opts.Local,
		remote:        opts.Remote,
		notes:         opts.Notifier,
		rec:           opts.Recorder,
		events:        opts.Events,
		logg:          opts.Logger,
		now:           opts.Clock,
		switchTimeout: opts.SwitchTimeout,
		items:         []Item{},
		tickets:       map[*ticket]struct{}{},
		watchers:      map[uint64]chan []Item{},
	}
	if s.notes == nil {
		s.notes = notify.Discard
	}
	if s.rec == nil {
		s.rec = nopRecorder{}
	}
	if s.logg == nil {
		s.logg = logger.Discard()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.switchTimeout <= 0 {
		s.switchTimeout = defaultSwitchTimeout
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.logCtx = s.logg.WithCollection(context.WithoutCancel(ctx), s.kind.Name)
	return s, nil
}

func (s *Session) Kind() Kind { return s.kind }

// OnIdentityChange switches the authoritative store to the one selected by
// id. Calls are serialized; a call for a different identity cancels the
// subscription setup of any call still waiting, which then returns
// ErrSuperseded. A merge write already in flight is never canceled.
func (s *Session) OnIdentityChange(ctx context.Context, id identity.Identity) (Reconciliation, error) {
	result := Reconciliation{Identity: id}
	setupCtx, t, err := s.enqueue(ctx, id)
	if err != nil {
		return result, err
	}
	defer s.dequeue(t)

	s.transition.Lock()
	defer s.transition.Unlock()

	if err := s.setupErr(setupCtx); err != nil {
		return result, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return result, ErrClosed
	}
	if s.started && s.live && s.identity.Equal(id) {
		s.mu.Unlock()
		result.Unchanged = true
		return result, nil
	}
	s.mu.Unlock()

	if id.IsGuest() {
		return s.becomeGuest(setupCtx)
	}
	return s.becomeUser(setupCtx, id)
}

func (s *Session) enqueue(ctx context.Context, id identity.Identity) (context.Context, *ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}
	for other := range s.tickets {
		if !other.target.Equal(id) {
			other.cancel(ErrSuperseded)
		}
	}
	setupCtx, cancel := context.WithCancelCause(ctx)
	t := &ticket{target: id, cancel: cancel}
	s.tickets[t] = struct{}{}
	return setupCtx, t, nil
}

func (s *Session) dequeue(t *ticket) {
	s.mu.Lock()
	delete(s.tickets, t)
	s.mu.Unlock()
	t.cancel(nil)
}

func (s *Session) setupErr(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrSuperseded) || errors.Is(cause, ErrClosed) {
		return cause
	}
	return pkgerrors.Wrap(pkgerrors.CodeCanceled, cause, "identity change canceled")
}

func (s *Session) becomeGuest(ctx context.Context) (Reconciliation, error) {
	result := Reconciliation{Identity: identity.Guest()}
	items, err := s.local.Load(ctx, s.kind.Name)
	if err != nil {
		if setupErr := s.setupErr(ctx); setupErr != nil {
			return result, setupErr
		}
		s.logg.WarnErr(ctx, "guest collection unreadable, serving empty collection", err)
		s.notify(ctx, notify.LevelWarning, fmt.Sprintf("We couldn't load your %s right now.", s.kind.Label))
		items = nil
		result.Degraded = true
	}

	s.mu.Lock()
	s.gen++
	old := s.sub
	s.sub = nil
	s.identity = identity.Guest()
	s.started = true
	s.live = err == nil
	s.items = cloneItems(items)
	s.publishLocked()
	s.mu.Unlock()

	closeQuietly(old)
	return result, nil
}

func (s *Session) becomeUser(ctx context.Context, id identity.Identity) (Reconciliation, error) {
	result := Reconciliation{Identity: id}
	ctx = s.logg.WithUserID(ctx, id.UserID())

	// The previous source stops contributing before the new one is ready.
	s.mu.Lock()
	s.gen++
	gen := s.gen
	old := s.sub
	s.sub = nil
	s.identity = id
	s.started = true
	s.live = false
	s.items = []Item{}
	s.publishLocked()
	s.mu.Unlock()
	closeQuietly(old)

	waitCtx, cancel := context.WithTimeout(ctx, s.switchTimeout)
	defer cancel()

	sub, err := s.remote.Subscribe(waitCtx, s.kind.Name, id.UserID())
	if err != nil {
		if setupErr := s.setupErr(ctx); setupErr != nil {
			return result, setupErr
		}
		s.degrade(ctx, gen, err)
		s.rec.MergeSkipped(s.kind.Name)
		result.Degraded = true
		return result, nil
	}

	first, err := awaitFirst(waitCtx, sub)
	if err != nil {
		closeQuietly(sub)
		if setupErr := s.setupErr(ctx); setupErr != nil {
			return result, setupErr
		}
		s.degrade(ctx, gen, err)
		s.rec.MergeSkipped(s.kind.Name)
		result.Degraded = true
		return result, nil
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		closeQuietly(sub)
		return result, ErrClosed
	}
	s.sub = sub
	s.live = true
	s.items = cloneItems(first.Items)
	s.publishLocked()
	s.mu.Unlock()

	go s.pump(gen, sub)

	return s.merge(ctx, result, first.Items), nil
}

func awaitFirst(ctx context.Context, sub Subscription) (Snapshot, error) {
	select {
	case snap, ok := <-sub.Snapshots():
		if !ok {
			return Snapshot{}, errSubscriptionClosed
		}
		if snap.Err != nil {
			return Snapshot{}, snap.Err
		}
		return snap, nil
	case <-ctx.Done():
		return Snapshot{}, context.Cause(ctx)
	}
}

// merge copies guest-only items into the account. It runs on a context
// detached from cancellation so a newer identity change cannot tear it.
func (s *Session) merge(ctx context.Context, result Reconciliation, remote []Item) Reconciliation {
	userID := result.Identity.UserID()
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.switchTimeout)
	defer cancel()

	// A guest write that passed its identity check lands before the load
	// below. Later ones see the account identity and fail with ErrSuperseded.
	s.guestWrites.Lock()
	defer s.guestWrites.Unlock()

	local, err := s.local.Load(writeCtx, s.kind.Name)
	if err != nil {
		s.logg.WarnErr(ctx, "reading guest collection for merge", err)
		s.rec.MergeFailed(s.kind.Name)
		result.MergeErr = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read guest "+s.kind.Name)
		s.notify(ctx, notify.LevelWarning, fmt.Sprintf("We couldn't move your guest %s into your account yet. We'll try again next time you sign in.", s.kind.Label))
		return result
	}
	if len(local) == 0 {
		result.LocalCleared = true
		return result
	}

	plan := planMerge(s.kind, userID, local, remote)
	result.Skipped = plan.skipped
	if plan.batch.Empty() {
		result.LocalCleared = s.clearLocal(writeCtx)
		s.rec.MergeCompleted(s.kind.Name, 0)
		return result
	}

	if err := s.remote.Apply(writeCtx, s.kind.Name, userID, plan.batch); err != nil {
		s.logg.WarnErr(s.logg.WithField(ctx, "merge_items", len(plan.batch.Upserts)), "merging guest collection failed, keeping guest copy", err)
		s.rec.MergeFailed(s.kind.Name)
		result.MergeErr = pkgerrors.Wrap(pkgerrors.CodeDependency, err, "merge guest "+s.kind.Name)
		s.notify(ctx, notify.LevelWarning, fmt.Sprintf("We couldn't move your guest %s into your account yet. We'll try again next time you sign in.", s.kind.Label))
		return result
	}

	result.Merged = plan.batch.Upserts
	result.LocalCleared = s.clearLocal(writeCtx)
	s.rec.MergeCompleted(s.kind.Name, len(plan.batch.Upserts))
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"merged":  len(plan.batch.Upserts),
		"skipped": plan.skipped,
	}), "guest collection merged")
	s.notify(ctx, notify.LevelSuccess, fmt.Sprintf("Moved %s from your guest %s into your account.", countItems(len(plan.batch.Upserts)), s.kind.Label))

	if s.events != nil {
		if err := s.events.PublishMerged(writeCtx, s.kind.Name, userID, subjectIDs(plan.batch.Upserts)); err != nil {
			s.logg.WarnErr(ctx, "publishing merge event", err)
		}
	}
	return result
}

func (s *Session) clearLocal(ctx context.Context) bool {
	if err := s.local.Clear(ctx, s.kind.Name); err != nil {
		// The next login finds every item already present and clears again.
		s.logg.WarnErr(ctx, "clearing guest collection after merge", err)
		return false
	}
	return true
}

func (s *Session) pump(gen uint64, sub Subscription) {
	for snap := range sub.Snapshots() {
		if snap.Err != nil {
			s.degrade(s.logCtx, gen, snap.Err)
			return
		}
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.items = cloneItems(snap.Items)
		s.publishLocked()
		s.mu.Unlock()
	}

	s.mu.Lock()
	current := s.gen == gen && s.sub == sub
	s.mu.Unlock()
	if current {
		s.degrade(s.logCtx, gen, errSubscriptionClosed)
	}
}

// degrade empties the projection after a subscription failure. The next
// identity change for the same user subscribes again.
func (s *Session) degrade(ctx context.Context, gen uint64, cause error) {
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	old := s.sub
	s.sub = nil
	s.live = false
	s.items = []Item{}
	s.publishLocked()
	s.mu.Unlock()
	closeQuietly(old)

	s.logg.WarnErr(ctx, "collection subscription failed, serving empty collection", cause)
	s.rec.SubscriptionFailed(s.kind.Name)
	s.notify(ctx, notify.LevelWarning, fmt.Sprintf("We couldn't load your %s right now.", s.kind.Label))
}

// Add puts subjectID in the authoritative store. Guests get "already present"
// or a refresh per the kind's duplicate policy; accounts always upsert.
func (s *Session) Add(ctx context.Context, subjectID string) (Outcome, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "subject id is required")
	}
	id, items, err := s.current()
	if err != nil {
		return "", err
	}
	if id.IsGuest() {
		return s.addGuest(ctx, subjectID)
	}

	item := Item{ID: subjectID, SubjectID: subjectID, OwnerID: id.UserID(), AddedAt: s.now().UTC()}
	outcome := OutcomeAdded
	present := indexOfSubject(items, subjectID) >= 0
	if present {
		outcome = OutcomeRefreshed
		if s.kind.OnDuplicate == ReportDuplicate {
			outcome = OutcomeAlreadyPresent
		}
	}

	evict := []Item(nil)
	if !present {
		evict = s.kind.overflow(append(items, item))
	}
	if len(evict) > 0 {
		err = s.remote.Apply(ctx, s.kind.Name, id.UserID(), Batch{Upserts: []Item{item}, Deletes: itemIDs(evict)})
	} else {
		err = s.remote.Upsert(ctx, s.kind.Name, item)
	}
	if err != nil {
		return "", s.writeFailed(ctx, "add", err)
	}
	s.confirmAdd(ctx, outcome)
	return outcome, nil
}

func (s *Session) addGuest(ctx context.Context, subjectID string) (Outcome, error) {
	s.guestWrites.Lock()
	defer s.guestWrites.Unlock()

	gen, items, err := s.guestView(ctx)
	if err != nil {
		return "", s.writeFailed(ctx, "add", err)
	}

	outcome := OutcomeAdded
	if i := indexOfSubject(items, subjectID); i >= 0 {
		if s.kind.OnDuplicate == ReportDuplicate {
			s.confirmAdd(ctx, OutcomeAlreadyPresent)
			return OutcomeAlreadyPresent, nil
		}
		items = slices.Delete(items, i, i+1)
		outcome = OutcomeRefreshed
	}
	items = append(items, NewItem(subjectID, s.now()))
	if drop := s.kind.overflow(items); len(drop) > 0 {
		items = items[len(drop):]
	}

	if err := s.local.Save(ctx, s.kind.Name, items); err != nil {
		return "", s.writeFailed(ctx, "add", err)
	}
	s.replaceGuestItems(gen, items)
	s.confirmAdd(ctx, outcome)
	return outcome, nil
}

func (s *Session) confirmAdd(ctx context.Context, outcome Outcome) {
	if outcome == OutcomeAlreadyPresent {
		s.notify(ctx, notify.LevelInfo, fmt.Sprintf("Already in your %s.", s.kind.Label))
		return
	}
	s.notify(ctx, notify.LevelSuccess, fmt.Sprintf("Added to your %s.", s.kind.Label))
}

// Remove deletes subjectID from the authoritative store; absent is not an error.
func (s *Session) Remove(ctx context.Context, subjectID string) error {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "subject id is required")
	}
	id, items, err := s.current()
	if err != nil {
		return err
	}

	if !id.IsGuest() {
		itemID := subjectID
		i := indexOfSubject(items, subjectID)
		if i >= 0 {
			itemID = items[i].ID
		}
		if err := s.remote.Delete(ctx, s.kind.Name, id.UserID(), itemID); err != nil {
			return s.writeFailed(ctx, "remove", err)
		}
		if i >= 0 {
			s.notify(ctx, notify.LevelSuccess, fmt.Sprintf("Removed from your %s.", s.kind.Label))
		}
		return nil
	}

	s.guestWrites.Lock()
	defer s.guestWrites.Unlock()
	gen, items, err := s.guestView(ctx)
	if err != nil {
		return s.writeFailed(ctx, "remove", err)
	}
	i := indexOfSubject(items, subjectID)
	if i < 0 {
		return nil
	}
	items = slices.Delete(items, i, i+1)
	if err := s.local.Save(ctx, s.kind.Name, items); err != nil {
		return s.writeFailed(ctx, "remove", err)
	}
	s.replaceGuestItems(gen, items)
	s.notify(ctx, notify.LevelSuccess, fmt.Sprintf("Removed from your %s.", s.kind.Label))
	return nil
}

// Clear empties the authoritative store. Accounts are cleared with one
// owner-wide delete, so rows missing from the projection go too.
func (s *Session) Clear(ctx context.Context) error {
	id, _, err := s.current()
	if err != nil {
		return err
	}

	if !id.IsGuest() {
		if err := s.remote.Apply(ctx, s.kind.Name, id.UserID(), Batch{DeleteAll: true}); err != nil {
			return s.writeFailed(ctx, "clear", err)
		}
		s.notify(ctx, notify.LevelSuccess, fmt.Sprintf("Your %s is now empty.", s.kind.Label))
		return nil
	}

	s.guestWrites.Lock()
	defer s.guestWrites.Unlock()
	s.mu.Lock()
	if !s.identity.IsGuest() {
		s.mu.Unlock()
		return ErrSuperseded
	}
	gen := s.gen
	s.mu.Unlock()
	if err := s.local.Clear(ctx, s.kind.Name); err != nil {
		return s.writeFailed(ctx, "clear", err)
	}
	s.replaceGuestItems(gen, []Item{})
	s.notify(ctx, notify.LevelSuccess, fmt.Sprintf("Your %s is now empty.", s.kind.Label))
	return nil
}

// guestView re-reads the guest items before a write. Another API instance
// serving the same browser session may have changed them, and a write must
// never overwrite data it could not see.
func (s *Session) guestView(ctx context.Context) (uint64, []Item, error) {
	s.mu.Lock()
	if !s.identity.IsGuest() {
		s.mu.Unlock()
		return 0, nil, ErrSuperseded
	}
	gen := s.gen
	s.mu.Unlock()
	loaded, err := s.local.Load(ctx, s.kind.Name)
	if err != nil {
		return 0, nil, err
	}
	return gen, cloneItems(loaded), nil
}

func (s *Session) replaceGuestItems(gen uint64, items []Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || !s.identity.IsGuest() {
		return
	}
	s.items = cloneItems(items)
	s.live = true
	s.publishLocked()
}

func (s *Session) writeFailed(ctx context.Context, op string, err error) error {
	if errors.Is(err, ErrSuperseded) || errors.Is(err, ErrClosed) {
		return err
	}
	s.logg.WarnErr(s.logg.WithField(ctx, "op", op), "collection write failed", err)
	s.rec.WriteFailed(s.kind.Name, op)
	s.notify(ctx, notify.LevelError, fmt.Sprintf("We couldn't update your %s. Please try again.", s.kind.Label))
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("%s %s", op, s.kind.Name))
}

func (s *Session) current() (identity.Identity, []Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return identity.Identity{}, nil, ErrClosed
	}
	if !s.started {
		return identity.Identity{}, nil, errNotStarted
	}
	return s.identity, cloneItems(s.items), nil
}

// Contains reads the in-memory projection only.
func (s *Session) Contains(subjectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return indexOfSubject(s.items, strings.TrimSpace(subjectID)) >= 0
}

func (s *Session) Items() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneItems(s.items)
}

func (s *Session) Identity() identity.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Watch streams the read model. The channel holds only the latest state and
// receives the current one immediately. It is closed by cancel or Close.
func (s *Session) Watch() (<-chan []Item, func()) {
	ch := make(chan []Item, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatch
	s.nextWatch++
	s.watchers[id] = ch
	ch <- cloneItems(s.items)
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.watchers[id]; ok {
				delete(s.watchers, id)
				close(c)
			}
		})
	}
}

func (s *Session) publishLocked() {
	for _, ch := range s.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- cloneItems(s.items)
	}
}

// Close releases the subscription and every watcher. Pending identity
// changes fail with ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	for t := range s.tickets {
		t.cancel(ErrClosed)
	}
	sub := s.sub
	s.sub = nil
	for id, ch := range s.watchers {
		delete(s.watchers, id)
		close(ch)
	}
	s.mu.Unlock()

	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (s *Session) notify(ctx context.Context, level notify.Level, msg string) {
	if s.kind.Quiet && (level == notify.LevelInfo || level == notify.LevelSuccess) {
		return
	}
	s.notes.Notify(ctx, notify.Notice{Level: level, Message: msg, At: s.now().UTC()})
}

func closeQuietly(sub Subscription) {
	if sub != nil {
		_ = sub.Close()
	}
}

func countItems(n int) string {
	if n == 1 {
		return "1 item"
	}
	return fmt.Sprintf("%d items", n)
}
