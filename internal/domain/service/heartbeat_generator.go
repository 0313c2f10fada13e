package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fredabila/orcbot/internal/domain/valueobject"
	"github.com/fredabila/orcbot/pkg/safejson"
	"go.uber.org/zap"
)

// HeartbeatGeneratorConfig carries the tunables spec §4.5 names: the base
// interval, idle-backoff ceiling, and cross-heartbeat cooldown.
type HeartbeatGeneratorConfig struct {
	Interval        time.Duration // base tick, default 1h
	Cooldown        time.Duration // minimum gap between heartbeats, default 60s
	MaxIdleBackoff  int           // exponential backoff ceiling multiplier, default 8
	LastTickPath    string        // last_heartbeat timestamp file (autonomy lane)
}

// DefaultHeartbeatGeneratorConfig mirrors the teacher's HeartbeatConfig
// defaults, extended with spec's idle-backoff/cooldown additions.
func DefaultHeartbeatGeneratorConfig() HeartbeatGeneratorConfig {
	return HeartbeatGeneratorConfig{
		Interval:       time.Hour,
		Cooldown:       60 * time.Second,
		MaxIdleBackoff: 8,
	}
}

// HeartbeatContext is everything the rich prompt draws from (spec §4.5):
// memory, pending schedules, queue state, the user profile/journal/learning
// files, known contacts, and the current time-of-day.
type HeartbeatContext struct {
	RecentMemory    []string
	PendingSchedule []string
	QueueSummary    string
	Profile         string
	Journal         string
	Learning        string
	Contacts        []string
	Now             time.Time
}

// HeartbeatDispatcher is the subset of ActionQueue/orchestrator behavior the
// generator needs: check for an idle worker to delegate to, and push a new
// autonomy-lane action when none is available or delegation isn't wanted.
type HeartbeatDispatcher interface {
	HasPendingAutonomyAction() bool
	IdleWorkerAvailable() bool
	DelegateToIdleWorker(ctx context.Context, task string) error
	PushAutonomyAction(ctx context.Context, task string) error
}

// HeartbeatGenerator builds and dispatches heartbeat prompts on a schedule,
// backing off exponentially during idle stretches and resetting on any
// productive outcome (spec §4.5). Grounded on the teacher's
// HeartbeatService ticker-loop shape, generalized with idle severity,
// backoff, and a cooldown it does not have.
type HeartbeatGenerator struct {
	cfg    HeartbeatGeneratorConfig
	logger *zap.Logger

	mu            sync.Mutex
	running       bool
	cancel        context.CancelFunc
	idleStreak    int // consecutive no-op heartbeats, drives backoff
	lastFire      time.Time
}

// NewHeartbeatGenerator constructs a generator from config.
func NewHeartbeatGenerator(cfg HeartbeatGeneratorConfig, logger *zap.Logger) *HeartbeatGenerator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.MaxIdleBackoff <= 0 {
		cfg.MaxIdleBackoff = 8
	}
	if cfg.LastTickPath != "" {
		var ts string
		if line, err := safejson.ReadLine(cfg.LastTickPath); err == nil && line != "" {
			ts = line
		}
		_ = ts
	}
	return &HeartbeatGenerator{cfg: cfg, logger: logger}
}

// Start begins the periodic loop, calling tick(ctx) on every eligible fire.
func (h *HeartbeatGenerator) Start(ctx context.Context, tick func(ctx context.Context) (productive bool, err error)) {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.running = true
	h.mu.Unlock()

	go h.loop(loopCtx, tick)
}

// Stop halts the loop.
func (h *HeartbeatGenerator) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running && h.cancel != nil {
		h.cancel()
		h.running = false
	}
}

func (h *HeartbeatGenerator) loop(ctx context.Context, tick func(ctx context.Context) (bool, error)) {
	ticker := time.NewTicker(h.nextInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.fire(ctx, tick)
			ticker.Reset(h.nextInterval())
		}
	}
}

// nextInterval applies the exponential idle-backoff, capped at
// MaxIdleBackoff multiples of the base interval.
func (h *HeartbeatGenerator) nextInterval() time.Duration {
	h.mu.Lock()
	streak := h.idleStreak
	h.mu.Unlock()

	mult := 1
	for i := 0; i < streak && mult < h.cfg.MaxIdleBackoff; i++ {
		mult *= 2
	}
	if mult > h.cfg.MaxIdleBackoff {
		mult = h.cfg.MaxIdleBackoff
	}
	return h.cfg.Interval * time.Duration(mult)
}

func (h *HeartbeatGenerator) fire(ctx context.Context, tick func(ctx context.Context) (bool, error)) {
	h.mu.Lock()
	if time.Since(h.lastFire) < h.cfg.Cooldown {
		h.mu.Unlock()
		return
	}
	h.lastFire = time.Now()
	h.mu.Unlock()

	productive, err := tick(ctx)
	if err != nil {
		h.logger.Warn("heartbeat tick failed", zap.Error(err))
	}
	if h.cfg.LastTickPath != "" {
		if werr := safejson.WriteLine(h.cfg.LastTickPath, h.lastFire.Format(time.RFC3339)); werr != nil {
			h.logger.Warn("failed to persist last heartbeat timestamp", zap.Error(werr))
		}
	}

	h.mu.Lock()
	if productive {
		h.idleStreak = 0
	} else {
		h.idleStreak++
	}
	h.mu.Unlock()
}

// MaybeFire checks cooldown and, if due, builds the prompt via promptFn and
// dispatches it, updating the idle-streak bookkeeping exactly as the
// internal ticker-driven fire path does. This is the entry point the
// SchedulerSet's own Tick loop drives (spec §4.7's 10s tick doubles as the
// heartbeat pulse) instead of Start's self-contained ticker, so a single
// clock governs both stale-action recovery and heartbeat cadence.
func (h *HeartbeatGenerator) MaybeFire(ctx context.Context, dispatcher HeartbeatDispatcher, promptFn func() string) {
	h.mu.Lock()
	if time.Since(h.lastFire) < h.cfg.Cooldown {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.fire(ctx, func(ctx context.Context) (bool, error) {
		dispatched, err := h.Dispatch(ctx, dispatcher, promptFn())
		return dispatched, err
	})
}

// IdleSeverity classifies how long the system has been idle, for injecting
// into the heartbeat prompt (spec §4.5).
func (h *HeartbeatGenerator) IdleSeverity() valueobject.IdleSeverity {
	h.mu.Lock()
	streak := h.idleStreak
	h.mu.Unlock()

	switch {
	case streak >= 6:
		return valueobject.IdleHigh
	case streak >= 2:
		return valueobject.IdleModerate
	default:
		return valueobject.IdleLow
	}
}

// BuildPrompt assembles the rich heartbeat prompt from every ambient source
// spec §4.5 names: memory, schedules, queue, profile, journal, learning,
// contacts, time-of-day, and idle severity.
func (h *HeartbeatGenerator) BuildPrompt(hc HeartbeatContext) string {
	var sb strings.Builder
	sb.WriteString("[HEARTBEAT] ")
	sb.WriteString(hc.Now.Format("Monday 15:04"))
	sb.WriteString(fmt.Sprintf(" — idle severity: %s\n\n", h.IdleSeverity()))

	if hc.Profile != "" {
		sb.WriteString("## User profile\n" + hc.Profile + "\n\n")
	}
	if len(hc.RecentMemory) > 0 {
		sb.WriteString("## Recent memory\n")
		for _, m := range hc.RecentMemory {
			sb.WriteString("- " + m + "\n")
		}
		sb.WriteString("\n")
	}
	if len(hc.PendingSchedule) > 0 {
		sb.WriteString("## Pending schedules\n")
		for _, s := range hc.PendingSchedule {
			sb.WriteString("- " + s + "\n")
		}
		sb.WriteString("\n")
	}
	if hc.QueueSummary != "" {
		sb.WriteString("## Queue\n" + hc.QueueSummary + "\n\n")
	}
	if hc.Journal != "" {
		sb.WriteString("## Journal\n" + hc.Journal + "\n\n")
	}
	if hc.Learning != "" {
		sb.WriteString("## Learning notes\n" + hc.Learning + "\n\n")
	}
	if len(hc.Contacts) > 0 {
		sb.WriteString("## Known contacts\n" + strings.Join(hc.Contacts, ", ") + "\n\n")
	}
	sb.WriteString("Decide whether anything is worth proactively doing right now. If nothing is, set goals_met=true with no tool calls.")
	return sb.String()
}

// Dispatch decides whether to emit a heartbeat action: skip if one is
// already pending, delegate to an idle worker when one exists, otherwise
// push a new autonomy-lane action (spec §4.5 emission rules).
func (h *HeartbeatGenerator) Dispatch(ctx context.Context, dispatcher HeartbeatDispatcher, prompt string) (bool, error) {
	if dispatcher.HasPendingAutonomyAction() {
		return false, nil
	}
	if dispatcher.IdleWorkerAvailable() {
		return true, dispatcher.DelegateToIdleWorker(ctx, prompt)
	}
	return true, dispatcher.PushAutonomyAction(ctx, prompt)
}
