// Package users resolves user identities for viewer summaries.
package users

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// avatarBaseURL is the dicebear endpoint used to render avatars.
const avatarBaseURL = "https://api.dicebear.com/9.x/avataaars/svg"

// User is one known user.
type User struct {
	ID         string `bson:"_id" json:"id"`
	Name       string `bson:"name" json:"name"`
	AvatarSeed string `bson:"avatar_seed" json:"avatarSeed"`
}

// AvatarURL renders the avatar image URL for a seed.
func AvatarURL(seed string) string {
	return fmt.Sprintf("%s?seed=%s", avatarBaseURL, url.QueryEscape(seed))
}

// Directory looks up users by id. Unknown users resolve to (nil, nil).
type Directory interface {
	GetByID(ctx context.Context, userID string) (*User, error)
}

// MemoryDirectory is an in-memory Directory for tests and single-process
// runs. Unknown users are materialized on first lookup so a sync session
// never fails on identity resolution.
type MemoryDirectory struct {
	mu    sync.RWMutex
	users map[string]*User
}

// NewMemoryDirectory creates an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{users: make(map[string]*User)}
}

// Add registers a user.
func (d *MemoryDirectory) Add(u *User) {
	d.mu.Lock()
	d.users[u.ID] = u
	d.mu.Unlock()
}

// GetByID implements Directory.
func (d *MemoryDirectory) GetByID(ctx context.Context, userID string) (*User, error) {
	d.mu.RLock()
	u, ok := d.users[userID]
	d.mu.RUnlock()
	if ok {
		copied := *u
		return &copied, nil
	}

	u = &User{ID: userID, Name: userID, AvatarSeed: userID}
	d.mu.Lock()
	d.users[userID] = u
	d.mu.Unlock()
	copied := *u
	return &copied, nil
}
