package persistence

import (
	"fmt"
	"sync"
	"time"

	"github.com/fredabila/orcbot/internal/domain/entity"
	"github.com/fredabila/orcbot/pkg/safejson"
)

// FileKnownUserRepository persists the KnownUser directory (spec §3) in
// known_users.json, keyed by (channel, id), using the same atomic-rewrite
// discipline as the other flat-JSON stores.
type FileKnownUserRepository struct {
	mu    sync.Mutex
	path  string
	users []*entity.KnownUser
}

// NewFileKnownUserRepository loads (or initializes) the known-user directory.
func NewFileKnownUserRepository(path string) (*FileKnownUserRepository, error) {
	r := &FileKnownUserRepository{path: path}
	if err := safejson.ReadFile(path, &r.users); err != nil {
		return nil, fmt.Errorf("load known user repository: %w", err)
	}
	return r, nil
}

func (r *FileKnownUserRepository) persistLocked() error {
	return safejson.WriteFile(r.path, r.users)
}

// Touch records a sighting of (channel, id), creating the record if new and
// incrementing its message count, bumping LastSeen to now.
func (r *FileKnownUserRepository) Touch(channel, id, name, username string) (*entity.KnownUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for _, u := range r.users {
		if u.Channel == channel && u.ID == id {
			u.Touch(now)
			if name != "" {
				u.Name = name
			}
			if username != "" {
				u.Username = username
			}
			return u, r.persistLocked()
		}
	}
	u := &entity.KnownUser{Channel: channel, ID: id, Name: name, Username: username, LastSeen: now, MessageCount: 1}
	r.users = append(r.users, u)
	return u, r.persistLocked()
}

// List returns every known user across all channels.
func (r *FileKnownUserRepository) List() ([]*entity.KnownUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.KnownUser, len(r.users))
	copy(out, r.users)
	return out, nil
}

// Get returns the record for (channel, id), or nil if unseen.
func (r *FileKnownUserRepository) Get(channel, id string) *entity.KnownUser {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.Channel == channel && u.ID == id {
			return u
		}
	}
	return nil
}
