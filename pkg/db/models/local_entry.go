package models

import "time"

// LocalEntry holds a guest collection serialized as JSON, keyed by session scope.
type LocalEntry struct {
	Scope     string    `gorm:"column:scope;primaryKey"`
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (LocalEntry) TableName() string { return "local_entries" }
