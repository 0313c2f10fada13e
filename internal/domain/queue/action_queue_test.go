package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fredabila/orcbot/internal/domain/entity"
	"github.com/fredabila/orcbot/internal/domain/valueobject"
	"go.uber.org/zap"
)

type noopNoter struct{ notes []string }

func (n *noopNoter) RecordSystemNote(actionID, content string) {
	n.notes = append(n.notes, content)
}

func newTestQueue(t *testing.T) (*ActionQueue, *noopNoter) {
	t.Helper()
	dir := t.TempDir()
	notes := &noopNoter{}
	q, err := New(filepath.Join(dir, "actions.json"), zap.NewNop(), notes)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q, notes
}

func TestPushDedupByMessageID(t *testing.T) {
	q, _ := newTestQueue(t)

	a1, err := q.Push("a1", entity.ActionPayload{Description: "d1", Source: "tg", SourceID: "42", MessageID: "m1"}, 5, valueobject.LaneUser)
	if err != nil || a1 == nil {
		t.Fatalf("first push should succeed: %v", err)
	}

	a2, err := q.Push("a2", entity.ActionPayload{Description: "d2", Source: "tg", SourceID: "42", MessageID: "m1"}, 5, valueobject.LaneUser)
	if err != nil {
		t.Fatalf("dup push errored: %v", err)
	}
	if a2 != nil {
		t.Fatalf("expected no-op for duplicate (source, messageId), got %+v", a2)
	}

	if len(q.GetQueue()) != 1 {
		t.Fatalf("expected exactly 1 action, got %d", len(q.GetQueue()))
	}
}

func TestResumeOnReply(t *testing.T) {
	q, notes := newTestQueue(t)

	a1, _ := q.Push("a1", entity.ActionPayload{Description: "Build me a daily digest", Source: "tg", SourceID: "42", MessageID: "m1"}, 5, valueobject.LaneUser)
	if err := q.UpdateStatus(a1.ID, valueobject.ActionWaiting); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	resumed, err := q.Push("a2", entity.ActionPayload{Description: "tech and music", Source: "tg", SourceID: "42", MessageID: "m2"}, 5, valueobject.LaneUser)
	if err != nil {
		t.Fatalf("resume push errored: %v", err)
	}
	if resumed == nil || resumed.ID != a1.ID {
		t.Fatalf("expected the original waiting action to be resumed, got %+v", resumed)
	}
	if resumed.Status != valueobject.ActionPending {
		t.Fatalf("expected resumed action to be pending, got %s", resumed.Status)
	}
	wantSuffix := "[USER FOLLOW-UP]: tech and music"
	if got := resumed.Payload.Description; len(got) < len(wantSuffix) || got[len(got)-len(wantSuffix):] != wantSuffix {
		t.Fatalf("expected description to end with %q, got %q", wantSuffix, got)
	}
	if len(q.GetQueue()) != 1 {
		t.Fatalf("resume must not create a new action, got %d actions", len(q.GetQueue()))
	}
	if len(notes.notes) != 1 {
		t.Fatalf("expected a system-note memory to be recorded, got %d", len(notes.notes))
	}
}

func TestGetNextRespectsInProgressExclusivity(t *testing.T) {
	q, _ := newTestQueue(t)

	a1, _ := q.Push("a1", entity.ActionPayload{Description: "low"}, 3, valueobject.LaneUser)
	q.Push("a2", entity.ActionPayload{Description: "high"}, 8, valueobject.LaneUser)

	next := q.GetNext()
	if next == nil || next.Priority != 8 {
		t.Fatalf("expected highest priority pending action, got %+v", next)
	}

	if err := q.UpdateStatus(a1.ID, valueobject.ActionInProgress); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if got := q.GetNext(); got != nil {
		t.Fatalf("expected nil while an action is in-progress, got %+v", got)
	}
}

func TestCancelTerminalIsNoOp(t *testing.T) {
	q, _ := newTestQueue(t)
	a, _ := q.Push("a1", entity.ActionPayload{Description: "d"}, 5, valueobject.LaneUser)
	q.UpdateStatus(a.ID, valueobject.ActionCompleted)

	if q.Cancel(a.ID) {
		t.Fatalf("cancel of a terminal action should be a no-op")
	}
}

func TestResumeStaleWaiting(t *testing.T) {
	q, _ := newTestQueue(t)
	a, _ := q.Push("a1", entity.ActionPayload{Description: "d"}, 5, valueobject.LaneUser)
	q.UpdateStatus(a.ID, valueobject.ActionWaiting)

	past := time.Now().Add(-2 * time.Hour)
	q.mu.Lock()
	q.actions[0].UpdatedAt = past
	q.mu.Unlock()

	resumed := q.ResumeStaleWaiting(time.Hour, time.Now())
	if len(resumed) != 1 {
		t.Fatalf("expected the stale waiting action to resume, got %v", resumed)
	}
	if got := q.Get(a.ID).Status; got != valueobject.ActionPending {
		t.Fatalf("expected pending, got %s", got)
	}
}
