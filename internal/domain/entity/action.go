package entity

import (
	"time"

	"github.com/fredabila/orcbot/internal/domain/valueobject"
)

// ActionPayload carries everything the DecisionLoop needs about the
// originating request. It is a plain struct (not a value object) because
// the dispatcher mutates it in place via ActionQueue.UpdatePayload.
type ActionPayload struct {
	Description          string `json:"description"`
	Source                string `json:"source,omitempty"`
	SourceID              string `json:"sourceId,omitempty"`
	UserID                string `json:"userId,omitempty"`
	ChatID                string `json:"chatId,omitempty"`
	MessageID             string `json:"messageId,omitempty"`
	SenderName            string `json:"senderName,omitempty"`
	IsHeartbeat           bool   `json:"isHeartbeat,omitempty"`
	IsOwner               bool   `json:"isOwner,omitempty"`
	IsAdmin               bool   `json:"isAdmin"`
	RequiresResponse      bool   `json:"requiresResponse,omitempty"`
	LastUserMessageText   string `json:"lastUserMessageText,omitempty"`
	ResumedFromWaitingAt  *time.Time `json:"resumedFromWaitingAt,omitempty"`
}

// ActionRetry tracks bounded-retry bookkeeping for an action.
type ActionRetry struct {
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"maxAttempts"`
}

// Action is the unit of work held by the ActionQueue (spec §3).
type Action struct {
	ID        string               `json:"id"`
	Type      string               `json:"type"`
	Priority  int                  `json:"priority"`
	Lane      valueobject.Lane     `json:"lane"`
	Status    valueobject.ActionStatus `json:"status"`
	Payload   ActionPayload        `json:"payload"`
	Timestamp time.Time            `json:"timestamp"`
	UpdatedAt time.Time            `json:"updatedAt"`
	Retry     *ActionRetry         `json:"retry,omitempty"`
}

// NewAction constructs a pending Action with the given priority/lane.
// Priority is clamped to [1,10] per spec §3.
func NewAction(id string, payload ActionPayload, priority int, lane valueobject.Lane) *Action {
	if priority < 1 {
		priority = 1
	}
	if priority > 10 {
		priority = 10
	}
	now := time.Now()
	return &Action{
		ID:        id,
		Type:      "TASK",
		Priority:  priority,
		Lane:      lane,
		Status:    valueobject.ActionPending,
		Payload:   payload,
		Timestamp: now,
		UpdatedAt: now,
	}
}

// IsTerminal reports whether the action has reached a state the dispatcher
// will never act on again.
func (a *Action) IsTerminal() bool {
	return a.Status == valueobject.ActionCompleted || a.Status == valueobject.ActionFailed
}

// MatchesMessage reports whether this action is the dedup target for an
// inbound (source, messageId) pair — spec §4.1 push dedup rule.
func (a *Action) MatchesMessage(source, messageID string) bool {
	if messageID == "" || source == "" {
		return false
	}
	return a.Payload.Source == source && a.Payload.MessageID == messageID
}

// MatchesThread reports whether this action is a resume-on-reply candidate
// for an inbound (source, sourceId) pair — spec §4.1 resume rule.
func (a *Action) MatchesThread(source, sourceID string) bool {
	if sourceID == "" || source == "" {
		return false
	}
	return a.Payload.Source == source && a.Payload.SourceID == sourceID
}
