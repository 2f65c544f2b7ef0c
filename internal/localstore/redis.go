package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/pkg/logger"
	redisclient "github.com/prestige-merchandise/storefront/pkg/redis"
)

// Redis stores each guest collection as one JSON value with a sliding TTL,
// so abandoned guest data expires on its own.
type Redis struct {
	client *redisclient.Client
	ttl    time.Duration
	logg   *logger.Logger
}

func NewRedis(client *redisclient.Client, ttl time.Duration, logg *logger.Logger) *Redis {
	if logg == nil {
		logg = logger.Discard()
	}
	return &Redis{client: client, ttl: ttl, logg: logg}
}

func (r *Redis) ForSession(sessionID string) collection.LocalStore {
	return &redisScope{Redis: r, sessionID: sessionID}
}

// Close is a no-op; the client belongs to the caller.
func (r *Redis) Close() error { return nil }

type redisScope struct {
	*Redis
	sessionID string
}

func (s *redisScope) key(kind string) string {
	return s.client.GuestCollectionKey(s.sessionID, kind)
}

func (s *redisScope) Load(ctx context.Context, kind string) ([]collection.Item, error) {
	raw, err := s.client.Get(ctx, s.key(kind))
	if errors.Is(err, redisclient.Nil) {
		return []collection.Item{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading guest %s: %w", kind, err)
	}
	return decode(ctx, s.logg, raw), nil
}

func (s *redisScope) Save(ctx context.Context, kind string, items []collection.Item) error {
	value, err := encode(items)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(kind), value, s.ttl); err != nil {
		return fmt.Errorf("writing guest %s: %w", kind, err)
	}
	return nil
}

func (s *redisScope) Clear(ctx context.Context, kind string) error {
	if err := s.client.Del(ctx, s.key(kind)); err != nil {
		return fmt.Errorf("clearing guest %s: %w", kind, err)
	}
	return nil
}
