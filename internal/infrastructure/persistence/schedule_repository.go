// Package persistence additions for the flat-JSON-file repositories spec §6
// names as authoritative (schedules.json, known_users.json), alongside the
// teacher's existing GORM-backed Agent/Message repositories. Grounded on
// the same write-temp-then-rename discipline as queue.ActionQueue and
// memory.Store, via pkg/safejson, rather than gorm — these records are
// small, single-writer, and read-mostly, matching spec's explicit
// "flat JSON files remain authoritative; any SQL-backed store is
// supplementary" design note (§6).
package persistence

import (
	"fmt"
	"sync"

	"github.com/fredabila/orcbot/internal/domain/entity"
	"github.com/fredabila/orcbot/pkg/safejson"
)

// FileScheduleRepository implements scheduler.ScheduleStore against a
// single schedules.json file.
type FileScheduleRepository struct {
	mu      sync.Mutex
	path    string
	entries []*entity.ScheduleEntry
}

// NewFileScheduleRepository loads (or initializes) the schedule store.
func NewFileScheduleRepository(path string) (*FileScheduleRepository, error) {
	r := &FileScheduleRepository{path: path}
	if err := safejson.ReadFile(path, &r.entries); err != nil {
		return nil, fmt.Errorf("load schedule repository: %w", err)
	}
	return r, nil
}

func (r *FileScheduleRepository) persistLocked() error {
	return safejson.WriteFile(r.path, r.entries)
}

// List returns all persisted schedule entries.
func (r *FileScheduleRepository) List() ([]*entity.ScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*entity.ScheduleEntry, len(r.entries))
	copy(out, r.entries)
	return out, nil
}

// Save upserts a schedule entry by ID.
func (r *FileScheduleRepository) Save(entry *entity.ScheduleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.entries {
		if e.ID == entry.ID {
			r.entries[i] = entry
			return r.persistLocked()
		}
	}
	r.entries = append(r.entries, entry)
	return r.persistLocked()
}

// Delete removes a schedule entry by ID; a no-op if absent.
func (r *FileScheduleRepository) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	found := false
	for _, e := range r.entries {
		if e.ID == id {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	if !found {
		return nil
	}
	return r.persistLocked()
}
