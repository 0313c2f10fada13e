package entity

import (
	"time"

	"github.com/fredabila/orcbot/internal/domain/valueobject"
)

// ScheduleEntry is a persisted scheduler fire (spec §3). Schedule holds
// either a cron expression (`*/15 * * * *`) or an RFC3339 absolute instant,
// distinguished by Kind: ScheduleHeartbeat entries are always cron-style
// recurring, ScheduleOneOff entries are absolute-time-or-cron fire-once.
type ScheduleEntry struct {
	ID        string                    `json:"id"`
	Kind      valueobject.ScheduleKind  `json:"kind"`
	Schedule  string                    `json:"schedule"`
	Task      string                    `json:"task"`
	Priority  int                       `json:"priority"`
	CreatedAt time.Time                 `json:"createdAt"`
	RawInput  string                    `json:"rawInput"`
}
