// Package memory implements the MemoryStore (spec §3, §4.2 step 7): a
// durable, step-scoped short/episodic memory log with a pluggable optional
// backend for the `long` memory type.
//
// Grounded on the teacher's domain/memory.MemoryManager-wraps-a-store
// shape, re-targeted at spec's flat-JSON persistence model instead of an
// in-process vector index; the vector-backed LongStore (wired from
// internal/infrastructure/memory/vectorstore) is injected as an optional
// collaborator exactly the way the teacher's MemoryManager wraps a
// VectorStore interface.
package memory

import (
	"fmt"
	"sort"
	"sync"

	"github.com/fredabila/orcbot/internal/domain/entity"
	"github.com/fredabila/orcbot/pkg/safejson"
	"github.com/google/uuid"
)

// LongStore is the optional backend for `long`-typed entries — semantic,
// cross-session recall. The core's own DecisionLoop never queries it for
// similarity search (out of scope per spec §1); it is write/list-only from
// the Store's perspective.
type LongStore interface {
	Append(entry *entity.MemoryEntry) error
	List(limit int) ([]*entity.MemoryEntry, error)
}

type document struct {
	Memories []*entity.MemoryEntry `json:"memories"`
}

// Store is the MemoryStore: short/episodic entries are authoritative in a
// single JSON file (memory.json per spec §6); long entries are optionally
// mirrored into LongStore when one is configured.
type Store struct {
	mu   sync.Mutex
	path string
	doc  document
	long LongStore
}

// New loads a Store from path, creating an empty one if missing.
func New(path string, long LongStore) (*Store, error) {
	s := &Store{path: path, long: long}
	if err := safejson.ReadFile(path, &s.doc); err != nil {
		return nil, fmt.Errorf("load memory store: %w", err)
	}
	return s, nil
}

func (s *Store) persistLocked() error {
	return safejson.WriteFile(s.path, &s.doc)
}

// Record appends a new memory entry, routing `long` entries to the
// optional vector backend in addition to the JSON log (so a reload of the
// flat file alone remains a faithful history even without a long store
// configured).
func (s *Store) Record(entryType entity.MemoryEntryType, content string, meta entity.MemoryEntryMetadata) (*entity.MemoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &entity.MemoryEntry{
		ID:       uuid.NewString(),
		Type:     entryType,
		Content:  content,
		Metadata: meta,
	}
	e.Timestamp = nowFn()
	s.doc.Memories = append(s.doc.Memories, e)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	if entryType == entity.MemoryLong && s.long != nil {
		if err := s.long.Append(e); err != nil {
			return e, fmt.Errorf("mirror to long store: %w", err)
		}
	}
	return e, nil
}

// RecordSystemNote implements queue.MemoryNoter: it records a short,
// step-scoped system note tied to an action.
func (s *Store) RecordSystemNote(actionID, content string) {
	s.Record(entity.MemoryShort, content, entity.MemoryEntryMetadata{ActionID: actionID, Role: "system"})
}

// TaskStart records the episodic task-start entry (spec §4.2 step 1).
func (s *Store) TaskStart(actionID, description string) (*entity.MemoryEntry, error) {
	return s.Record(entity.MemoryEpisodic, "task-start: "+description, entity.MemoryEntryMetadata{ActionID: actionID})
}

// TaskConclusion records the episodic task-conclusion entry (spec §4.2 step 7).
func (s *Store) TaskConclusion(actionID, summary string) (*entity.MemoryEntry, error) {
	return s.Record(entity.MemoryEpisodic, "task-conclusion: "+summary, entity.MemoryEntryMetadata{ActionID: actionID})
}

// ForAction returns all entries tagged with actionID, in recorded order.
func (s *Store) ForAction(actionID string) []*entity.MemoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*entity.MemoryEntry
	for _, e := range s.doc.Memories {
		if e.Metadata.ActionID == actionID {
			out = append(out, e)
		}
	}
	return out
}

// Recent returns the most recent n entries of any type, newest last.
func (s *Store) Recent(n int) []*entity.MemoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := append([]*entity.MemoryEntry(nil), s.doc.Memories...)
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}

// PurgeAction removes step-scoped entries for a completed action (spec
// §4.2 step 7, §3 "purged on action completion"). Episodic entries for the
// action (task-start/task-conclusion) survive.
func (s *Store) PurgeAction(actionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.doc.Memories[:0]
	purged := 0
	for _, e := range s.doc.Memories {
		if e.Metadata.ActionID == actionID && e.IsStepScoped() {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	s.doc.Memories = kept
	if purged > 0 {
		s.persistLocked()
	}
	return purged
}

// nowFn is overridable in tests; production always uses time.Now.
var nowFn = defaultNow
