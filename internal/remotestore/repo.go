package remotestore

import (
	"context"
	"time"

	"github.com/prestige-merchandise/storefront/pkg/db"
	"github.com/prestige-merchandise/storefront/pkg/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the SQL layer over collection_items.
type Repository struct {
	db *gorm.DB
}

func NewRepository(conn *gorm.DB) *Repository {
	return &Repository{db: conn}
}

// List returns an owner's items oldest first; item_id breaks addedAt ties.
func (r *Repository) List(ctx context.Context, kind, ownerID string) ([]models.CollectionItem, error) {
	var rows []models.CollectionItem
	err := r.db.WithContext(ctx).
		Where("kind = ? AND owner_id = ?", kind, ownerID).
		Order("added_at ASC").
		Order("item_id ASC").
		Find(&rows).Error
	return rows, err
}

func (r *Repository) Upsert(ctx context.Context, row models.CollectionItem) error {
	return upsert(r.db.WithContext(ctx), []models.CollectionItem{row})
}

func (r *Repository) Delete(ctx context.Context, kind, ownerID, itemID string) error {
	return r.db.WithContext(ctx).
		Where("kind = ? AND owner_id = ? AND item_id = ?", kind, ownerID, itemID).
		Delete(&models.CollectionItem{}).Error
}

// RowBatch is one transactional change to an owner's collection.
type RowBatch struct {
	Upserts   []models.CollectionItem
	Deletes   []string
	DeleteAll bool
}

// ApplyBatch runs deletes then upserts in one transaction.
func (r *Repository) ApplyBatch(ctx context.Context, kind, ownerID string, batch RowBatch) error {
	return db.WithTx(ctx, r.db, func(tx *gorm.DB) error {
		switch {
		case batch.DeleteAll:
			if err := tx.Where("kind = ? AND owner_id = ?", kind, ownerID).
				Delete(&models.CollectionItem{}).Error; err != nil {
				return err
			}
		case len(batch.Deletes) > 0:
			if err := tx.Where("kind = ? AND owner_id = ? AND item_id IN ?", kind, ownerID, batch.Deletes).
				Delete(&models.CollectionItem{}).Error; err != nil {
				return err
			}
		}
		if len(batch.Upserts) > 0 {
			return upsert(tx, batch.Upserts)
		}
		return nil
	})
}

func upsert(tx *gorm.DB, rows []models.CollectionItem) error {
	now := time.Now().UTC()
	for i := range rows {
		rows[i].UpdatedAt = now
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "kind"}, {Name: "owner_id"}, {Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"subject_id", "added_at", "updated_at"}),
	}).Create(&rows).Error
}
