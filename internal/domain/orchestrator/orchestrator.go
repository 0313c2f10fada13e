// Package orchestrator implements the Orchestrator (spec §4.6): the
// registry of spawned AgentInstance workers, task assignment/completion
// routing, and capability-normalized spawn requests. The actual process/
// IPC mechanics live in internal/infrastructure/ipc; this package depends
// only on the small WorkerHandle interface below, keeping the domain layer
// free of os/exec concerns per the teacher's layering (domain depends on
// infrastructure only through interfaces it declares).
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fredabila/orcbot/internal/domain/entity"
	"github.com/fredabila/orcbot/internal/domain/valueobject"
	"go.uber.org/zap"
)

const maxSpawnDepth = 3

// WorkerHandle is the orchestrator's view of one running worker process,
// implemented by *ipc.Worker in the infrastructure layer.
type WorkerHandle interface {
	AssignTask(ctx context.Context, taskID, description string, priority int, lane string) error
	Stop(ctx context.Context) error
	CurrentTask() string
}

// WorkerFactory spawns a new worker process for the given spec and returns
// its handle once the init message has been sent (not necessarily once
// ready — readiness arrives asynchronously via onReady/onTaskDone).
type WorkerFactory func(ctx context.Context, spec SpawnSpec) (WorkerHandle, error)

// SpawnSpec is the normalized request passed to WorkerFactory.
type SpawnSpec struct {
	AgentID       string
	ParentAgentID string
	SpawnDepth    int
	DataDir       string
	Capabilities  []string
}

type agentRecord struct {
	id           string
	parentID     string
	depth        int
	status       valueobject.AgentWorkerStatus
	handle       WorkerHandle
	capabilities []string
}

// Orchestrator owns the worker registry and the pending-dispatch queue for
// tasks assigned to not-yet-ready workers (spec §4.6
// "pendingTaskDispatch[agentId]").
type Orchestrator struct {
	mu      sync.Mutex
	agents  map[string]*agentRecord
	pending map[string][]*entity.DelegatedTask
	cancelled map[string]string // taskID -> reason, for cancel-while-assigned

	factory WorkerFactory
	logger  *zap.Logger
}

// New constructs an empty Orchestrator.
func New(factory WorkerFactory, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		agents:    make(map[string]*agentRecord),
		pending:   make(map[string][]*entity.DelegatedTask),
		cancelled: make(map[string]string),
		factory:   factory,
		logger:    logger,
	}
}

// normalizeCapabilities lowercases, trims, dedups, and always includes
// "execute" (spec §4.6 capability normalization).
func normalizeCapabilities(caps []string) []string {
	seen := map[string]bool{"execute": true}
	out := []string{"execute"}
	for _, c := range caps {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SpawnAgent creates a new worker registry entry and starts its process via
// the configured factory. Returns entity.ErrMaxSpawnDepth if the requested
// depth would exceed the spawn-depth cap.
func (o *Orchestrator) SpawnAgent(ctx context.Context, agentID, parentID string, depth int, dataDir string, capabilities []string) error {
	if depth > maxSpawnDepth {
		return entity.ErrMaxSpawnDepth
	}

	o.mu.Lock()
	if _, exists := o.agents[agentID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("agent %s already registered", agentID)
	}
	rec := &agentRecord{
		id:           agentID,
		parentID:     parentID,
		depth:        depth,
		status:       valueobject.WorkerIdle,
		capabilities: normalizeCapabilities(capabilities),
	}
	o.agents[agentID] = rec
	o.mu.Unlock()

	handle, err := o.factory(ctx, SpawnSpec{
		AgentID:       agentID,
		ParentAgentID: parentID,
		SpawnDepth:    depth,
		DataDir:       dataDir,
		Capabilities:  rec.capabilities,
	})
	if err != nil {
		o.mu.Lock()
		delete(o.agents, agentID)
		o.mu.Unlock()
		return fmt.Errorf("spawn worker %s: %w", agentID, err)
	}

	o.mu.Lock()
	rec.handle = handle
	o.mu.Unlock()
	return nil
}

// MarkReady transitions a worker to idle-and-ready and flushes any task
// that was queued while it was starting.
func (o *Orchestrator) MarkReady(ctx context.Context, agentID string) {
	o.mu.Lock()
	rec, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return
	}
	rec.status = valueobject.WorkerIdle
	queued := o.pending[agentID]
	delete(o.pending, agentID)
	o.mu.Unlock()

	for _, task := range queued {
		if reason, cancelled := o.takeCancelled(task.ID); cancelled {
			o.logger.Info("dropping cancelled task instead of dispatching", zap.String("task_id", task.ID), zap.String("reason", reason))
			continue
		}
		if err := o.AssignTask(ctx, agentID, task); err != nil {
			o.logger.Warn("failed to flush pending task to newly-ready worker", zap.String("agent_id", agentID), zap.String("task_id", task.ID), zap.Error(err))
		}
	}
}

// AssignTask sends a task to a worker if it is idle; if the worker isn't
// ready yet, the task is queued in pendingTaskDispatch. A send failure
// reverts the worker's status atomically rather than leaving it marked
// working with no task in flight.
func (o *Orchestrator) AssignTask(ctx context.Context, agentID string, task *entity.DelegatedTask) error {
	o.mu.Lock()
	rec, ok := o.agents[agentID]
	if !ok {
		o.mu.Unlock()
		return entity.ErrWorkerNotFound
	}
	if rec.handle == nil {
		o.pending[agentID] = append(o.pending[agentID], task)
		o.mu.Unlock()
		return nil
	}
	if rec.status != valueobject.WorkerIdle {
		o.mu.Unlock()
		return entity.ErrWorkerNotIdle
	}
	rec.status = valueobject.WorkerWorking
	handle := rec.handle
	o.mu.Unlock()

	if err := handle.AssignTask(ctx, task.ID, task.Description, task.Priority, "autonomy"); err != nil {
		o.mu.Lock()
		rec.status = valueobject.WorkerIdle
		o.mu.Unlock()
		return fmt.Errorf("assign task %s to %s: %w", task.ID, agentID, err)
	}
	return nil
}

// OnTaskDone transitions a worker back to idle after a task-completed or
// task-failed message, so the scheduler/heartbeat can immediately consider
// it for the next dispatch.
func (o *Orchestrator) OnTaskDone(agentID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec, ok := o.agents[agentID]; ok {
		rec.status = valueobject.WorkerIdle
	}
}

// OnWorkerExit marks a worker terminated and, if it was mid-task, returns
// the in-flight task id so the caller can re-queue it (unless it was
// cancelled in the meantime).
func (o *Orchestrator) OnWorkerExit(agentID string) (requeueTaskID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec, ok := o.agents[agentID]
	if !ok {
		return ""
	}
	rec.status = valueobject.WorkerTerminated
	if rec.handle == nil {
		return ""
	}
	taskID := rec.handle.CurrentTask()
	if taskID == "" {
		return ""
	}
	if _, cancelled := o.cancelled[taskID]; cancelled {
		delete(o.cancelled, taskID)
		return ""
	}
	return taskID
}

// CancelTask records a cancellation reason for an in-flight task; if it is
// later observed to have been running on a worker that exits, OnWorkerExit
// will not re-queue it.
func (o *Orchestrator) CancelTask(taskID, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelled[taskID] = reason
}

func (o *Orchestrator) takeCancelled(taskID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	reason, ok := o.cancelled[taskID]
	if ok {
		delete(o.cancelled, taskID)
	}
	return reason, ok
}

// IdleWorker returns an idle, ready worker's agent id if one exists, for
// the Heartbeat Generator's delegate-to-idle-worker check.
func (o *Orchestrator) IdleWorker() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.agents))
	for id := range o.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		rec := o.agents[id]
		if rec.status == valueobject.WorkerIdle && rec.handle != nil {
			return id, true
		}
	}
	return "", false
}

// Terminate stops a worker process. The primary instance (agentID=="") can
// never be terminated through this path.
func (o *Orchestrator) Terminate(ctx context.Context, agentID string) error {
	if agentID == "" {
		return entity.ErrPrimaryNotTerminable
	}
	o.mu.Lock()
	rec, ok := o.agents[agentID]
	o.mu.Unlock()
	if !ok {
		return entity.ErrWorkerNotFound
	}
	if rec.handle == nil {
		return nil
	}
	return rec.handle.Stop(ctx)
}
