// Package queue implements the ActionQueue (spec §4.1): a prioritized,
// lane-separated, deduplicated queue of Actions with resume-on-reply
// semantics and durable persistence.
//
// Grounded on the teacher's eventbus.PersistentBus durability discipline
// (flush-before-return, atomic file replace) generalized to a single
// whole-file JSON document via pkg/safejson, and on the teacher's
// StateMachine for status-transition bookkeeping style.
package queue

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fredabila/orcbot/internal/domain/entity"
	"github.com/fredabila/orcbot/internal/domain/valueobject"
	"github.com/fredabila/orcbot/pkg/safejson"
	"go.uber.org/zap"
)

// ActionQueue is the single-writer, multi-reader store of Actions for one
// dispatcher (primary or a worker). It is safe for concurrent use.
type ActionQueue struct {
	mu      sync.Mutex
	path    string
	actions []*entity.Action
	logger  *zap.Logger
	notes   MemoryNoter
}

// MemoryNoter lets the ActionQueue record a system-note memory entry when
// it resumes a waiting action on reply (spec §4.1), without importing the
// memory package's concrete store (avoids a dependency cycle — MemoryStore
// itself does not depend on ActionQueue).
type MemoryNoter interface {
	RecordSystemNote(actionID, content string)
}

// New loads an ActionQueue from path (actions.json), creating an empty one
// if the file does not exist.
func New(path string, logger *zap.Logger, notes MemoryNoter) (*ActionQueue, error) {
	q := &ActionQueue{path: path, logger: logger, notes: notes}
	var stored []*entity.Action
	if err := safejson.ReadFile(path, &stored); err != nil {
		return nil, fmt.Errorf("load action queue: %w", err)
	}
	q.actions = stored
	return q, nil
}

func (q *ActionQueue) persistLocked() error {
	if err := safejson.WriteFile(q.path, q.actions); err != nil {
		q.logger.Error("persist action queue failed", zap.Error(err))
		return err
	}
	return nil
}

// Push appends a new action, applying dedup-by-(source,messageId) and the
// resume-on-reply rule from spec §4.1. It returns the action that now
// represents this request: either the newly created one, or the resumed
// waiting action, or nil if the push was a no-op duplicate.
func (q *ActionQueue) Push(id string, payload entity.ActionPayload, priority int, lane valueobject.Lane) (*entity.Action, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Dedup: a pending/waiting/in-progress action already carries this
	// (source, messageId).
	if payload.Source != "" && payload.MessageID != "" {
		for _, a := range q.actions {
			if a.IsTerminal() {
				continue
			}
			if a.MatchesMessage(payload.Source, payload.MessageID) {
				return nil, nil
			}
		}
	}

	// Resume-on-reply: newest waiting action on the same (source, sourceId)
	// thread wins.
	if payload.Source != "" && payload.SourceID != "" {
		var resume *entity.Action
		for _, a := range q.actions {
			if a.Status != valueobject.ActionWaiting {
				continue
			}
			if !a.MatchesThread(payload.Source, payload.SourceID) {
				continue
			}
			if resume == nil || a.Timestamp.After(resume.Timestamp) {
				resume = a
			}
		}
		if resume != nil {
			now := time.Now()
			resume.Payload.Description += "\n\n[USER FOLLOW-UP]: " + payload.Description
			resume.Payload.LastUserMessageText = payload.Description
			resume.Payload.ResumedFromWaitingAt = &now
			resume.Status = valueobject.ActionPending
			resume.UpdatedAt = now
			if err := q.persistLocked(); err != nil {
				return nil, err
			}
			if q.notes != nil {
				q.notes.RecordSystemNote(resume.ID, fmt.Sprintf("Resumed from waiting: user replied %q", payload.Description))
			}
			return resume, nil
		}
	}

	action := entity.NewAction(id, payload, priority, lane)
	q.actions = append(q.actions, action)
	if err := q.persistLocked(); err != nil {
		return nil, err
	}
	return action, nil
}

// GetNext returns the highest-priority pending action (ties broken by
// oldest timestamp), or nil if another action is already in-progress or
// none are pending.
func (q *ActionQueue) GetNext() *entity.Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, a := range q.actions {
		if a.Status == valueobject.ActionInProgress {
			return nil
		}
	}

	var best *entity.Action
	for _, a := range q.actions {
		if a.Status != valueobject.ActionPending {
			continue
		}
		if best == nil {
			best = a
			continue
		}
		if a.Priority > best.Priority {
			best = a
		} else if a.Priority == best.Priority && a.Timestamp.Before(best.Timestamp) {
			best = a
		}
	}
	return best
}

// UpdateStatus transitions an action's status and persists.
func (q *ActionQueue) UpdateStatus(id string, status valueobject.ActionStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := q.findLocked(id)
	if a == nil {
		return fmt.Errorf("update status %s: %w", id, entity.ErrActionNotFound)
	}
	a.Status = status
	a.UpdatedAt = time.Now()
	return q.persistLocked()
}

// UpdatePayload merges patch fields into the action's payload via fn and
// stamps UpdatedAt, persisting the result.
func (q *ActionQueue) UpdatePayload(id string, fn func(*entity.ActionPayload)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := q.findLocked(id)
	if a == nil {
		return fmt.Errorf("update payload %s: %w", id, entity.ErrActionNotFound)
	}
	fn(&a.Payload)
	a.UpdatedAt = time.Now()
	return q.persistLocked()
}

// Get returns the action with the given id, or nil.
func (q *ActionQueue) Get(id string) *entity.Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.findLocked(id)
}

func (q *ActionQueue) findLocked(id string) *entity.Action {
	for _, a := range q.actions {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// GetQueue returns a read-only snapshot of all actions, sorted by priority
// then timestamp for stable display.
func (q *ActionQueue) GetQueue() []*entity.Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := make([]*entity.Action, len(q.actions))
	for i, a := range q.actions {
		cp := *a
		snap[i] = &cp
	}
	sort.SliceStable(snap, func(i, j int) bool {
		if snap[i].Priority != snap[j].Priority {
			return snap[i].Priority > snap[j].Priority
		}
		return snap[i].Timestamp.Before(snap[j].Timestamp)
	})
	return snap
}

// MarkStale forces any action in-progress for longer than maxRun to
// failed (spec §4.7 stalled-action detection), and any action still
// in-progress from before a crash and older than maxStale to failed
// (spec §4.7 crash recovery). Both share the same mechanics; callers pass
// the appropriate threshold for each case.
func (q *ActionQueue) MarkStale(threshold time.Duration, now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []string
	for _, a := range q.actions {
		if a.Status != valueobject.ActionInProgress {
			continue
		}
		if now.Sub(a.UpdatedAt) > threshold {
			a.Status = valueobject.ActionFailed
			a.UpdatedAt = now
			failed = append(failed, a.ID)
		}
	}
	if len(failed) > 0 {
		q.persistLocked()
	}
	return failed
}

// ResumeStaleWaiting transitions waiting actions older than maxStale back
// to pending with an appended system note (spec §4.7, §8 boundary case).
func (q *ActionQueue) ResumeStaleWaiting(maxStale time.Duration, now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var resumed []string
	for _, a := range q.actions {
		if a.Status != valueobject.ActionWaiting {
			continue
		}
		if now.Sub(a.UpdatedAt) <= maxStale {
			continue
		}
		a.Payload.Description += "\n\n[SYSTEM NOTE]: user did not reply"
		a.Status = valueobject.ActionPending
		a.UpdatedAt = now
		resumed = append(resumed, a.ID)
	}
	if len(resumed) > 0 {
		q.persistLocked()
	}
	return resumed
}

// Cancel marks a non-terminal action failed (spec §5 cancelAction). It is
// a no-op (returns false) for an already-terminal action.
func (q *ActionQueue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	a := q.findLocked(id)
	if a == nil || a.IsTerminal() {
		return false
	}
	a.Status = valueobject.ActionFailed
	a.UpdatedAt = time.Now()
	q.persistLocked()
	return true
}

// ClearAll cancels every non-terminal action (spec §5 clearActionQueue).
func (q *ActionQueue) ClearAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	now := time.Now()
	for _, a := range q.actions {
		if a.IsTerminal() {
			continue
		}
		a.Status = valueobject.ActionFailed
		a.UpdatedAt = now
		n++
	}
	if n > 0 {
		q.persistLocked()
	}
	return n
}
