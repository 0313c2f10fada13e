// Package scheduler implements the SchedulerSet (spec §4.7): the Tick
// scheduler, persistent heartbeat-cron jobs, and one-off schedules, plus
// crash recovery of actions left in-progress by a prior run.
//
// Grounded on the teacher's CronService (interfaces/telegram/cron_service.go)
// map-of-jobs-plus-executor-callback shape and context-cancel lifecycle,
// replacing its hand-rolled, SQLite-backed, non-full-cron-syntax parser
// with github.com/robfig/cron/v3 (adopted from the wider example pack —
// see DESIGN.md) so full standard cron syntax (5-field specs at minute
// resolution, with steps, ranges and lists) is supported, and backing persistence with the flat-JSON
// ScheduleRepository instead of SQLite, per spec §6's "flat JSON files are
// authoritative" rule.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fredabila/orcbot/internal/domain/entity"
	"github.com/fredabila/orcbot/internal/domain/valueobject"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// ScheduleStore is the persistence seam for ScheduleEntry records
// (internal/infrastructure/persistence implements it against a flat JSON
// file via pkg/safejson).
type ScheduleStore interface {
	List() ([]*entity.ScheduleEntry, error)
	Save(entry *entity.ScheduleEntry) error
	Delete(id string) error
}

// QueuePusher is the subset of ActionQueue the scheduler needs: pushing a
// new action when a schedule fires or a stale one resumes.
type QueuePusher interface {
	Push(id string, payload entity.ActionPayload, priority int, lane valueobject.Lane) (*entity.Action, error)
	MarkStale(threshold time.Duration, now time.Time) []string
	ResumeStaleWaiting(maxStale time.Duration, now time.Time) []string
}

// HeartbeatEvaluator lets the Tick scheduler ask the Heartbeat Generator to
// consider firing, without importing the service package (avoids a
// scheduler -> service import cycle since service may one day reference
// scheduling state).
type HeartbeatEvaluator interface {
	MaybeFire(ctx context.Context)
}

// Config carries the Tick interval and the crash-recovery/stale-waiting
// thresholds spec §4.7 names.
type Config struct {
	TickInterval    time.Duration // default 10s
	StaleActionMax  time.Duration // in-progress longer than this -> failed
	StaleWaitingMax time.Duration // waiting longer than this -> resumed
}

// DefaultConfig mirrors spec §4.7's stated defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:    10 * time.Second,
		StaleActionMax:  30 * time.Minute,
		StaleWaitingMax: time.Hour,
	}
}

// SchedulerSet bundles the Tick scheduler, the persistent heartbeat-cron
// runner, and the one-off scheduler behind a single lifecycle.
type SchedulerSet struct {
	cfg       Config
	queue     QueuePusher
	store     ScheduleStore
	heartbeat HeartbeatEvaluator
	logger    *zap.Logger

	cronRunner *cron.Cron
	mu         sync.Mutex
	oneOffs    map[string]cron.EntryID
	cancel     context.CancelFunc
}

// New constructs a SchedulerSet. robfig/cron's standard (5-field, minute
// resolution) parser is used, matching the granularity the teacher's own
// hand-rolled parser supported.
func New(cfg Config, queue QueuePusher, store ScheduleStore, heartbeat HeartbeatEvaluator, logger *zap.Logger) *SchedulerSet {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 10 * time.Second
	}
	if cfg.StaleActionMax <= 0 {
		cfg.StaleActionMax = 30 * time.Minute
	}
	if cfg.StaleWaitingMax <= 0 {
		cfg.StaleWaitingMax = time.Hour
	}
	return &SchedulerSet{
		cfg:        cfg,
		queue:      queue,
		store:      store,
		heartbeat:  heartbeat,
		logger:     logger,
		cronRunner: cron.New(),
		oneOffs:    make(map[string]cron.EntryID),
	}
}

// Start performs crash recovery, loads persisted schedules, and starts the
// Tick loop and the cron runner.
func (s *SchedulerSet) Start(ctx context.Context) error {
	now := time.Now()
	if failed := s.queue.MarkStale(s.cfg.StaleActionMax, now); len(failed) > 0 {
		s.logger.Warn("crash recovery: marked stale in-progress actions failed", zap.Strings("action_ids", failed))
	}
	if resumed := s.queue.ResumeStaleWaiting(s.cfg.StaleWaitingMax, now); len(resumed) > 0 {
		s.logger.Info("resumed stale waiting actions", zap.Strings("action_ids", resumed))
	}

	entries, err := s.store.List()
	if err != nil {
		return fmt.Errorf("load schedule entries: %w", err)
	}
	for _, e := range entries {
		if err := s.arm(e, now); err != nil {
			s.logger.Warn("failed to arm schedule entry", zap.String("id", e.ID), zap.Error(err))
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.cronRunner.Start()
	go s.tickLoop(loopCtx)
	return nil
}

// Stop halts both the Tick loop and the cron runner.
func (s *SchedulerSet) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cronRunner.Stop()
	<-stopCtx.Done()
}

func (s *SchedulerSet) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *SchedulerSet) tick(ctx context.Context) {
	now := time.Now()
	if failed := s.queue.MarkStale(s.cfg.StaleActionMax, now); len(failed) > 0 {
		s.logger.Info("tick: marked stalled actions failed", zap.Strings("action_ids", failed))
	}
	if resumed := s.queue.ResumeStaleWaiting(s.cfg.StaleWaitingMax, now); len(resumed) > 0 {
		s.logger.Info("tick: resumed stale waiting actions", zap.Strings("action_ids", resumed))
	}
	if s.heartbeat != nil {
		s.heartbeat.MaybeFire(ctx)
	}
}

// arm schedules one ScheduleEntry: heartbeat-kind entries register a
// persistent cron job; one-off entries fire once and self-delete,
// immediately if their time has already passed (marked "(delayed)").
func (s *SchedulerSet) arm(entry *entity.ScheduleEntry, now time.Time) error {
	switch entry.Kind {
	case valueobject.ScheduleHeartbeat:
		id, err := s.cronRunner.AddFunc(entry.Schedule, func() {
			s.fire(entry, "")
		})
		if err != nil {
			return fmt.Errorf("add cron job %q: %w", entry.Schedule, err)
		}
		s.mu.Lock()
		s.oneOffs[entry.ID] = id
		s.mu.Unlock()
		return nil
	case valueobject.ScheduleOneOff:
		return s.armOneOff(entry, now)
	default:
		return fmt.Errorf("unknown schedule kind %q", entry.Kind)
	}
}

func (s *SchedulerSet) armOneOff(entry *entity.ScheduleEntry, now time.Time) error {
	at, err := time.Parse(time.RFC3339, entry.Schedule)
	if err != nil {
		// Not an absolute timestamp: treat as a cron expression that fires
		// once then deregisters itself.
		var id cron.EntryID
		id, err = s.cronRunner.AddFunc(entry.Schedule, func() {
			s.fire(entry, "")
			s.cronRunner.Remove(id)
			s.store.Delete(entry.ID)
		})
		if err != nil {
			return fmt.Errorf("add one-off cron job %q: %w", entry.Schedule, err)
		}
		return nil
	}

	if at.Before(now) {
		// Past-due at load: fire immediately, marked delayed.
		s.fire(entry, " (delayed)")
		return s.store.Delete(entry.ID)
	}

	delay := at.Sub(now)
	time.AfterFunc(delay, func() {
		s.fire(entry, "")
		s.store.Delete(entry.ID)
	})
	return nil
}

func (s *SchedulerSet) fire(entry *entity.ScheduleEntry, suffix string) {
	task := entry.Task + suffix
	lane := valueobject.LaneAutonomy
	if entry.Kind == valueobject.ScheduleOneOff {
		lane = valueobject.LaneUser
	}
	if _, err := s.queue.Push(entry.ID+"-fire-"+time.Now().Format("150405"), entity.ActionPayload{
		Description: task,
	}, entry.Priority, lane); err != nil {
		s.logger.Error("failed to push action for fired schedule", zap.String("schedule_id", entry.ID), zap.Error(err))
	}
}

// ListArmed returns the ids of the armed heartbeat-kind entries, sorted,
// for status/admin surfaces. One-off entries are not tracked in this map
// and are not listed.
func (s *SchedulerSet) ListArmed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.oneOffs))
	for id := range s.oneOffs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
