// Package identity describes who a collection session acts for.
package identity

import "strings"

// Identity is either a guest or an authenticated user. The zero value is Guest.
type Identity struct {
	userID string
}

func Guest() Identity { return Identity{} }

// Authenticated returns the identity for userID; a blank id yields Guest.
func Authenticated(userID string) Identity {
	return Identity{userID: strings.TrimSpace(userID)}
}

func (i Identity) IsGuest() bool { return i.userID == "" }

func (i Identity) UserID() string { return i.userID }

func (i Identity) Equal(other Identity) bool { return i.userID == other.userID }

func (i Identity) String() string {
	if i.IsGuest() {
		return "guest"
	}
	return "user:" + i.userID
}
