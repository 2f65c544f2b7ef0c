package models

import "time"

// CollectionItem is one entry of a user's wishlist, cart or recently viewed list.
type CollectionItem struct {
	Kind      string    `gorm:"column:kind;primaryKey;index:idx_collection_items_owner_added,priority:1"`
	OwnerID   string    `gorm:"column:owner_id;primaryKey;index:idx_collection_items_owner_added,priority:2"`
	ItemID    string    `gorm:"column:item_id;primaryKey"`
	SubjectID string    `gorm:"column:subject_id;not null"`
	AddedAt   time.Time `gorm:"column:added_at;not null;index:idx_collection_items_owner_added,priority:3"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (CollectionItem) TableName() string { return "collection_items" }
