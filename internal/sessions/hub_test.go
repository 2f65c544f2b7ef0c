package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/internal/collection/memstore"
	"github.com/prestige-merchandise/storefront/internal/identity"
	"github.com/prestige-merchandise/storefront/internal/notify"
	pkgerrors "github.com/prestige-merchandise/storefront/pkg/errors"
)

type gaugeStub struct {
	mu   sync.Mutex
	last int
}

func (g *gaugeStub) SetActiveSessions(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = n
}

type harness struct {
	hub    *Hub
	remote *memstore.Remote
	locals map[string]*memstore.Local
	gauge  *gaugeStub
	now    time.Time
	mu     sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		remote: memstore.NewRemote(),
		locals: map[string]*memstore.Local{},
		gauge:  &gaugeStub{},
		now:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	factory := func(ctx context.Context, sessionID string, kind collection.Kind, notes notify.Notifier) (*collection.Session, error) {
		return collection.NewSession(ctx, collection.Options{
			Kind:     kind,
			Local:    h.local(sessionID),
			Remote:   h.remote,
			Notifier: notes,
		})
	}
	h.hub = NewHub(factory, Config{IdleTTL: time.Minute, NoticeCapacity: 10}, nil, h.gauge, nil)
	h.hub.now = h.clock
	t.Cleanup(func() { _ = h.hub.Close() })
	return h
}

func (h *harness) local(sessionID string) *memstore.Local {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.locals[sessionID]
	if !ok {
		l = memstore.NewLocal()
		h.locals[sessionID] = l
	}
	return l
}

func (h *harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func TestAcquireReusesSessionAndSwitchesIdentity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	lease, err := h.hub.Acquire(ctx, "s1", collection.Wishlist, identity.Guest())
	if err != nil {
		t.Fatalf("acquire guest: %v", err)
	}
	if _, err := lease.Add(ctx, "P1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	first := lease.Session()
	lease.Release()

	lease, err = h.hub.Acquire(ctx, "s1", collection.Wishlist, identity.Authenticated("U1"))
	if err != nil {
		t.Fatalf("acquire user: %v", err)
	}
	defer lease.Release()

	if lease.Session() != first {
		t.Fatal("expected the same reconciler for the same session and kind")
	}
	if len(lease.Reconciliation.Merged) != 1 {
		t.Fatalf("expected one merged item, got %+v", lease.Reconciliation)
	}
	if got := h.remote.Items(collection.Wishlist.Name, "U1"); len(got) != 1 || got[0].SubjectID != "P1" {
		t.Fatalf("unexpected remote items %+v", got)
	}

	var sawMerge bool
	for _, n := range lease.Notices() {
		sawMerge = sawMerge || n.Level == notify.LevelSuccess
	}
	if !sawMerge {
		t.Fatal("expected a success notice for the merge")
	}
	if h.hub.Len() != 1 {
		t.Fatalf("expected one session, got %d", h.hub.Len())
	}
}

func TestAcquireKeepsKindsApart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	a, err := h.hub.Acquire(ctx, "s1", collection.Wishlist, identity.Guest())
	if err != nil {
		t.Fatalf("acquire wishlist: %v", err)
	}
	defer a.Release()
	b, err := h.hub.Acquire(ctx, "s1", collection.Cart, identity.Guest())
	if err != nil {
		t.Fatalf("acquire cart: %v", err)
	}
	defer b.Release()

	if a.Session() == b.Session() {
		t.Fatal("kinds must have separate reconcilers")
	}
	h.gauge.mu.Lock()
	defer h.gauge.mu.Unlock()
	if h.gauge.last != 2 {
		t.Fatalf("expected gauge 2, got %d", h.gauge.last)
	}
}

func TestAcquireRequiresSessionID(t *testing.T) {
	h := newHarness(t)
	_, err := h.hub.Acquire(context.Background(), " ", collection.Cart, identity.Guest())
	if !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestFactoryErrorIsReturned(t *testing.T) {
	hub := NewHub(func(context.Context, string, collection.Kind, notify.Notifier) (*collection.Session, error) {
		return nil, errors.New("no stores")
	}, Config{}, nil, nil, nil)
	if _, err := hub.Acquire(context.Background(), "s1", collection.Cart, identity.Guest()); err == nil {
		t.Fatal("expected factory error")
	}
	if hub.Len() != 0 {
		t.Fatal("failed sessions must not be cached")
	}
}

func TestSweepDisposesIdleUnleasedSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	idle, err := h.hub.Acquire(ctx, "idle", collection.Wishlist, identity.Authenticated("U1"))
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	idle.Release()
	held, err := h.hub.Acquire(ctx, "held", collection.Wishlist, identity.Guest())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer held.Release()

	h.advance(2 * time.Minute)
	n, err := h.hub.Sweep()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one disposed session, got %d", n)
	}
	if h.hub.Len() != 1 {
		t.Fatalf("expected the leased session to survive, got %d", h.hub.Len())
	}
	if subs := h.remote.Subscribers(collection.Wishlist.Name, "U1"); subs != 0 {
		t.Fatalf("disposed session must drop its subscription, got %d", subs)
	}
}

func TestCloseRejectsNewLeases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lease, err := h.hub.Acquire(ctx, "s1", collection.Cart, identity.Guest())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	lease.Release()

	if err := h.hub.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.hub.Acquire(ctx, "s1", collection.Cart, identity.Guest()); !errors.Is(err, ErrHubClosed) {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	h := newHarness(t)
	h.hub.cfg.SweepInterval = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.hub.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop")
	}
}
