package store

import (
	"slices"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
)

// Presence holds the set of users currently online, excluding the current
// user. It is replaced wholesale on every presence event and never patched
// incrementally, so a missed event cannot cause drift.
type Presence struct {
	mu        sync.RWMutex
	users     map[string]models.User
	updatedAt time.Time
}

// NewPresence creates an empty presence store.
func NewPresence() *Presence {
	return &Presence{
		users: make(map[string]models.User),
	}
}

// Replace sets the online users to exactly users, minus selfID.
func (p *Presence) Replace(users []models.User, selfID string) {
	next := make(map[string]models.User, len(users))

	for _, u := range users {
		if u.ID == "" || u.ID == selfID {
			continue
		}

		next[u.ID] = u
	}

	p.mu.Lock()
	p.users = next
	p.updatedAt = time.Now()
	p.mu.Unlock()
}

// IsOnline reports whether userID is in the current presence set.
func (p *Presence) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.users[userID]

	return ok
}

// IDs returns the online user ids, sorted.
func (p *Presence) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.users))
	for id := range p.users {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Users returns the online users sorted by id.
func (p *Presence) Users() []models.User {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]models.User, 0, len(p.users))
	for _, u := range p.users {
		out = append(out, u)
	}

	slices.SortFunc(out, func(a, b models.User) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}

		return 0
	})

	return out
}

// Len returns the number of online users.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.users)
}

// UpdatedAt returns when the set was last replaced, zero if never.
func (p *Presence) UpdatedAt() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.updatedAt
}

// Clear empties the store.
func (p *Presence) Clear() {
	p.mu.Lock()
	clear(p.users)
	p.updatedAt = time.Time{}
	p.mu.Unlock()
}
