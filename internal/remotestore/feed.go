package remotestore

import (
	"context"
	"sync"

	redisclient "github.com/prestige-merchandise/storefront/pkg/redis"
)

// ChangeFeed signals that an owner's collection changed. Signals carry no
// payload; listeners re-read the rows.
type ChangeFeed interface {
	// Listen is registered by the time it returns, so no later Notify is missed.
	Listen(ctx context.Context, kind, ownerID string) (Listener, error)
	Notify(ctx context.Context, kind, ownerID string) error
}

type Listener interface {
	C() <-chan struct{}
	Close() error
}

// signal coalesces: a pending signal absorbs later ones.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// RedisFeed fans change signals out over redis pub/sub so every API instance
// sees writes made by any other.
type RedisFeed struct {
	client *redisclient.Client
}

func NewRedisFeed(client *redisclient.Client) *RedisFeed {
	return &RedisFeed{client: client}
}

func (f *RedisFeed) Listen(ctx context.Context, kind, ownerID string) (Listener, error) {
	ps, err := f.client.Subscribe(ctx, f.client.CollectionChannel(kind, ownerID))
	if err != nil {
		return nil, err
	}
	l := &redisListener{c: make(chan struct{}, 1), done: make(chan struct{}), closeFn: ps.Close}
	msgs := ps.Channel()
	go func() {
		defer close(l.c)
		for {
			select {
			case <-l.done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				signal(l.c)
			}
		}
	}()
	return l, nil
}

func (f *RedisFeed) Notify(ctx context.Context, kind, ownerID string) error {
	return f.client.Publish(ctx, f.client.CollectionChannel(kind, ownerID), "changed")
}

type redisListener struct {
	c       chan struct{}
	done    chan struct{}
	once    sync.Once
	closeFn func() error
}

func (l *redisListener) C() <-chan struct{} { return l.c }

func (l *redisListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.closeFn()
	})
	return err
}

// LocalFeed is an in-process feed for single-node deployments and tests.
type LocalFeed struct {
	mu        sync.Mutex
	listeners map[string]map[*localListener]struct{}
}

func NewLocalFeed() *LocalFeed {
	return &LocalFeed{listeners: map[string]map[*localListener]struct{}{}}
}

func feedKey(kind, ownerID string) string { return kind + "\x00" + ownerID }

func (f *LocalFeed) Listen(_ context.Context, kind, ownerID string) (Listener, error) {
	l := &localListener{feed: f, key: feedKey(kind, ownerID), c: make(chan struct{}, 1)}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listeners[l.key] == nil {
		f.listeners[l.key] = map[*localListener]struct{}{}
	}
	f.listeners[l.key][l] = struct{}{}
	return l, nil
}

func (f *LocalFeed) Notify(_ context.Context, kind, ownerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for l := range f.listeners[feedKey(kind, ownerID)] {
		signal(l.c)
	}
	return nil
}

type localListener struct {
	feed   *LocalFeed
	key    string
	c      chan struct{}
	closed bool
}

func (l *localListener) C() <-chan struct{} { return l.c }

func (l *localListener) Close() error {
	l.feed.mu.Lock()
	defer l.feed.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	delete(l.feed.listeners[l.key], l)
	if len(l.feed.listeners[l.key]) == 0 {
		delete(l.feed.listeners, l.key)
	}
	close(l.c)
	return nil
}
