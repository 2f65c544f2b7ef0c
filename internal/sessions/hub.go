// Package sessions owns the collection reconcilers of live shopper sessions.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/internal/identity"
	"github.com/prestige-merchandise/storefront/internal/notify"
	pkgerrors "github.com/prestige-merchandise/storefront/pkg/errors"
	"github.com/prestige-merchandise/storefront/pkg/logger"
	"github.com/prestige-merchandise/storefront/pkg/metrics"
	"go.uber.org/multierr"
)

const (
	defaultIdleTTL        = 30 * time.Minute
	defaultSweepInterval  = time.Minute
	defaultNoticeCapacity = 20
	sweepJob              = "session_sweep"
)

var ErrHubClosed = pkgerrors.New(pkgerrors.CodeDependency, "session hub is shutting down")

// Factory builds the reconciler for one (session, kind) pair. notes is the
// session's notifier and must be passed to the reconciler. It runs under the
// hub lock and must not block.
type Factory func(ctx context.Context, sessionID string, kind collection.Kind, notes notify.Notifier) (*collection.Session, error)

type gauge interface {
	SetActiveSessions(n int)
}

type Config struct {
	IdleTTL        time.Duration
	SweepInterval  time.Duration
	NoticeCapacity int
}

type key struct {
	session string
	kind    string
}

type entry struct {
	session  *collection.Session
	notices  *notify.Buffer
	refs     int
	lastSeen time.Time
}

// Hub hands out leases on session reconcilers and disposes idle ones.
type Hub struct {
	factory Factory
	cfg     Config
	logg    *logger.Logger
	gauge   gauge
	jobs    *metrics.JobMetrics
	now     func() time.Time

	mu      sync.Mutex
	entries map[key]*entry
	closed  bool
}

func NewHub(factory Factory, cfg Config, logg *logger.Logger, g gauge, jobs *metrics.JobMetrics) *Hub {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.NoticeCapacity <= 0 {
		cfg.NoticeCapacity = defaultNoticeCapacity
	}
	if logg == nil {
		logg = logger.Discard()
	}
	return &Hub{
		factory: factory,
		cfg:     cfg,
		logg:    logg,
		gauge:   g,
		jobs:    jobs,
		now:     time.Now,
		entries: map[key]*entry{},
	}
}

// Acquire returns a lease on the reconciler for (sessionID, kind), switching
// it to id first when needed. Merge failures are reported as notices on the
// lease, not as errors. Callers must Release the lease.
func (h *Hub) Acquire(ctx context.Context, sessionID string, kind collection.Kind, id identity.Identity) (*Lease, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "session id is required")
	}
	ctx = h.logg.WithCollection(h.logg.WithSessionID(ctx, sessionID), kind.Name)

	e, err := h.checkout(ctx, sessionID, kind)
	if err != nil {
		return nil, err
	}
	lease := &Lease{hub: h, entry: e}

	res, err := e.session.OnIdentityChange(ctx, id)
	if err != nil {
		lease.Release()
		if errors.Is(err, collection.ErrClosed) {
			return nil, ErrHubClosed
		}
		return nil, err
	}
	lease.Reconciliation = res
	if !res.Unchanged {
		h.logTransition(ctx, res)
	}
	return lease, nil
}

func (h *Hub) checkout(ctx context.Context, sessionID string, kind collection.Kind) (*entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	k := key{sessionID, kind.Name}
	e, ok := h.entries[k]
	if !ok {
		notices := notify.NewBuffer(h.cfg.NoticeCapacity)
		s, err := h.factory(ctx, sessionID, kind, notify.Fanout(notify.NewLog(h.logg), notices))
		if err != nil {
			return nil, fmt.Errorf("creating %s session: %w", kind.Name, err)
		}
		e = &entry{session: s, notices: notices}
		h.entries[k] = e
		h.reportSizeLocked()
	}
	e.refs++
	e.lastSeen = h.now()
	return e, nil
}

func (h *Hub) release(e *entry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.refs--
	e.lastSeen = h.now()
}

func (h *Hub) logTransition(ctx context.Context, res collection.Reconciliation) {
	fields := map[string]any{
		"identity":      res.Identity.String(),
		"merged":        len(res.Merged),
		"skipped":       res.Skipped,
		"local_cleared": res.LocalCleared,
		"degraded":      res.Degraded,
	}
	ctx = h.logg.WithFields(ctx, fields)
	if res.MergeErr != nil {
		h.logg.WarnErr(ctx, "identity transition finished with merge failure", res.MergeErr)
		return
	}
	h.logg.Debug(ctx, "identity transition finished")
}

// Len reports how many reconcilers are live.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Run sweeps idle sessions until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			n, err := h.Sweep()
			h.jobs.Observe(sweepJob, time.Since(start), err)
			if err != nil {
				h.logg.WarnErr(ctx, "closing idle sessions", err)
			}
			if n > 0 {
				h.logg.Debug(h.logg.WithField(ctx, "disposed", n), "idle sessions swept")
			}
		}
	}
}

// Sweep disposes sessions with no lease held for longer than the idle TTL.
func (h *Hub) Sweep() (int, error) {
	cutoff := h.now().Add(-h.cfg.IdleTTL)
	var idle []*entry
	h.mu.Lock()
	for k, e := range h.entries {
		if e.refs == 0 && e.lastSeen.Before(cutoff) {
			idle = append(idle, e)
			delete(h.entries, k)
		}
	}
	h.reportSizeLocked()
	h.mu.Unlock()

	var err error
	for _, e := range idle {
		err = multierr.Append(err, e.session.Close())
	}
	return len(idle), err
}

// Close disposes every session; later Acquire calls fail.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	entries := h.entries
	h.entries = map[key]*entry{}
	h.reportSizeLocked()
	h.mu.Unlock()

	var err error
	for _, e := range entries {
		err = multierr.Append(err, e.session.Close())
	}
	return err
}

func (h *Hub) reportSizeLocked() {
	if h.gauge != nil {
		h.gauge.SetActiveSessions(len(h.entries))
	}
}

// Lease pins a session reconciler for the duration of a request or stream.
type Lease struct {
	hub   *Hub
	entry *entry
	once  sync.Once

	// Reconciliation is the identity transition this Acquire performed, if any.
	Reconciliation collection.Reconciliation
}

func (l *Lease) Session() *collection.Session { return l.entry.session }

func (l *Lease) Kind() collection.Kind { return l.entry.session.Kind() }

func (l *Lease) Identity() identity.Identity { return l.entry.session.Identity() }

func (l *Lease) Items() []collection.Item { return l.entry.session.Items() }

func (l *Lease) Contains(subjectID string) bool { return l.entry.session.Contains(subjectID) }

func (l *Lease) Add(ctx context.Context, subjectID string) (collection.Outcome, error) {
	return l.entry.session.Add(ctx, subjectID)
}

func (l *Lease) Remove(ctx context.Context, subjectID string) error {
	return l.entry.session.Remove(ctx, subjectID)
}

func (l *Lease) Clear(ctx context.Context) error {
	return l.entry.session.Clear(ctx)
}

func (l *Lease) Watch() (<-chan []collection.Item, func()) {
	return l.entry.session.Watch()
}

// Notices drains the notices raised for this session since the last call.
func (l *Lease) Notices() []notify.Notice {
	return l.entry.notices.Drain()
}

func (l *Lease) Release() {
	l.once.Do(func() { l.hub.release(l.entry) })
}
