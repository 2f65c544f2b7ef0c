package localstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prestige-merchandise/storefront/internal/collection"
	"github.com/prestige-merchandise/storefront/pkg/db"
	"github.com/prestige-merchandise/storefront/pkg/db/models"
	"github.com/prestige-merchandise/storefront/pkg/logger"
	"github.com/prestige-merchandise/storefront/pkg/metrics"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SQLite keeps guest collections in the local_entries table. Entries older
// than the TTL are removed by Prune.
type SQLite struct {
	client *db.Client
	ttl    time.Duration
	logg   *logger.Logger
	now    func() time.Time
}

func NewSQLite(client *db.Client, ttl time.Duration, logg *logger.Logger) *SQLite {
	if logg == nil {
		logg = logger.Discard()
	}
	return &SQLite{client: client, ttl: ttl, logg: logg, now: time.Now}
}

func (s *SQLite) ForSession(sessionID string) collection.LocalStore {
	return &sqliteScope{SQLite: s, sessionID: sessionID}
}

func (s *SQLite) Close() error { return s.client.Close() }

// Prune deletes entries untouched for longer than the TTL.
func (s *SQLite) Prune(ctx context.Context) (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	res := s.client.DB().WithContext(ctx).
		Where("updated_at < ?", s.now().UTC().Add(-s.ttl)).
		Delete(&models.LocalEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning guest entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// RunJanitor prunes on every tick until ctx is done.
func (s *SQLite) RunJanitor(ctx context.Context, interval time.Duration, jobs *metrics.JobMetrics) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			start := time.Now()
			n, err := s.Prune(ctx)
			jobs.Observe("guest_prune", time.Since(start), err)
			if err != nil {
				s.logg.WarnErr(ctx, "guest store prune failed", err)
				continue
			}
			if n > 0 {
				s.logg.Info(s.logg.WithField(ctx, "pruned", n), "expired guest collections removed")
			}
		}
	}
}

type sqliteScope struct {
	*SQLite
	sessionID string
}

func (s *sqliteScope) Load(ctx context.Context, kind string) ([]collection.Item, error) {
	var entry models.LocalEntry
	err := s.client.DB().WithContext(ctx).
		Where("scope = ? AND key = ?", s.sessionID, kind).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []collection.Item{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading guest %s: %w", kind, err)
	}
	return decode(ctx, s.logg, entry.Value), nil
}

func (s *sqliteScope) Save(ctx context.Context, kind string, items []collection.Item) error {
	value, err := encode(items)
	if err != nil {
		return err
	}
	entry := models.LocalEntry{Scope: s.sessionID, Key: kind, Value: value, UpdatedAt: s.now().UTC()}
	err = s.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&entry).Error
	if err != nil {
		return fmt.Errorf("writing guest %s: %w", kind, err)
	}
	return nil
}

func (s *sqliteScope) Clear(ctx context.Context, kind string) error {
	err := s.client.DB().WithContext(ctx).
		Where("scope = ? AND key = ?", s.sessionID, kind).
		Delete(&models.LocalEntry{}).Error
	if err != nil {
		return fmt.Errorf("clearing guest %s: %w", kind, err)
	}
	return nil
}
