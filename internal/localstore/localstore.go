// Package localstore keeps guest collections, scoped to one shopper session.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/pkg/config"
	"github.com/prestige-merchandise/storefront/pkg/db"
	"github.com/prestige-merchandise/storefront/pkg/db/models"
	"github.com/prestige-merchandise/storefront/pkg/logger"
	redisclient "github.com/prestige-merchandise/storefront/pkg/redis"
)

// Provider hands out the guest store of a session.
type Provider interface {
	ForSession(sessionID string) collection.LocalStore
	Close() error
}

// Open selects the configured driver. The redis client is required for the
// redis driver and ignored otherwise.
func Open(cfg config.GuestConfig, rdb *redisclient.Client, logg *logger.Logger) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case config.GuestDriverRedis:
		if rdb == nil {
			return nil, fmt.Errorf("guest store driver %q needs redis configured", cfg.Driver)
		}
		return NewRedis(rdb, cfg.TTL, logg), nil
	case config.GuestDriverSQLite:
		client, err := db.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := client.DB().AutoMigrate(&models.LocalEntry{}); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("migrating guest store: %w", err)
		}
		return NewSQLite(client, cfg.TTL, logg), nil
	default:
		return nil, fmt.Errorf("unknown guest store driver %q", cfg.Driver)
	}
}

func encode(items []collection.Item) (string, error) {
	if items == nil {
		items = []collection.Item{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "", fmt.Errorf("encoding guest collection: %w", err)
	}
	return string(data), nil
}

// decode treats unreadable data as an empty collection; the next save
// overwrites it.
func decode(ctx context.Context, logg *logger.Logger, raw string) []collection.Item {
	var items []collection.Item
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		if logg != nil {
			logg.WarnErr(ctx, "malformed guest collection, treating as empty", err)
		}
		return []collection.Item{}
	}
	out := make([]collection.Item, 0, len(items))
	for _, it := range items {
		if strings.TrimSpace(it.SubjectID) == "" {
			continue
		}
		if it.ID == "" {
			it.ID = it.SubjectID
		}
		out = append(out, it)
	}
	return out
}
