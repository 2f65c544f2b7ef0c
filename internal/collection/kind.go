package collection

import "strings"

// DuplicatePolicy decides what adding an already present subject does.
type DuplicatePolicy int

const (
	// ReportDuplicate leaves guest data untouched and reports "already present".
	ReportDuplicate DuplicatePolicy = iota
	// RefreshDuplicate moves the entry to the newest position with a new addedAt.
	RefreshDuplicate
)

// Kind describes one per-user collection.
type Kind struct {
	Name        string
	Label       string
	OnDuplicate DuplicatePolicy
	// MaxItems caps the collection; the oldest entries are evicted. Zero means unbounded.
	MaxItems int
	// Quiet kinds only surface warnings and errors, never confirmations.
	Quiet bool
}

var (
	Wishlist       = Kind{Name: "wishlist", Label: "wishlist", OnDuplicate: ReportDuplicate}
	Cart           = Kind{Name: "cart", Label: "cart", OnDuplicate: ReportDuplicate}
	RecentlyViewed = Kind{Name: "recently_viewed", Label: "recently viewed", OnDuplicate: RefreshDuplicate, MaxItems: 12, Quiet: true}
)

var kinds = []Kind{Wishlist, Cart, RecentlyViewed}

// Kinds lists the registered collection kinds.
func Kinds() []Kind {
	out := make([]Kind, len(kinds))
	copy(out, kinds)
	return out
}

func LookupKind(name string) (Kind, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, k := range kinds {
		if k.Name == name {
			return k, true
		}
	}
	return Kind{}, false
}

// overflow returns the oldest entries that must go so items fits the cap.
// items is in insertion order, oldest first.
func (k Kind) overflow(items []Item) []Item {
	if k.MaxItems <= 0 || len(items) <= k.MaxItems {
		return nil
	}
	return items[:len(items)-k.MaxItems]
}
