package entity

import "time"

// KnownUser records a contact seen on a channel (spec §3). Keyed externally
// by (Channel, ID).
type KnownUser struct {
	Channel      string    `json:"channel"`
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Username     string    `json:"username,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
	MessageCount int       `json:"messageCount"`
}

// Touch records a new inbound message from this user.
func (u *KnownUser) Touch(at time.Time) {
	u.LastSeen = at
	u.MessageCount++
}
