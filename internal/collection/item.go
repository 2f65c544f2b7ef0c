package collection

import (
	"slices"
	"time"
)

// Item is one entry of a collection. ID equals SubjectID for every kind
// shipped today, which keeps at most one entry per subject.
type Item struct {
	ID        string    `json:"id"`
	SubjectID string    `json:"subjectId"`
	OwnerID   string    `json:"ownerId,omitempty"`
	AddedAt   time.Time `json:"addedAt"`
}

// NewItem builds a guest item for subjectID stamped at now.
func NewItem(subjectID string, now time.Time) Item {
	return Item{ID: subjectID, SubjectID: subjectID, AddedAt: now.UTC()}
}

func cloneItems(items []Item) []Item {
	if items == nil {
		return []Item{}
	}
	return slices.Clone(items)
}

func indexOfSubject(items []Item, subjectID string) int {
	return slices.IndexFunc(items, func(it Item) bool { return it.SubjectID == subjectID })
}

func subjectSet(items []Item) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, it := range items {
		set[it.SubjectID] = struct{}{}
	}
	return set
}

func itemIDs(items []Item) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	return ids
}

func subjectIDs(items []Item) []string {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.SubjectID)
	}
	return ids
}
