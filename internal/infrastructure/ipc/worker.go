package ipc

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// WorkerState mirrors sideload.ModuleState's lifecycle, renamed to the
// Orchestrator's own vocabulary (spec §4.6: spawn -> init/ready handshake
// -> running -> stopping -> stopped/error).
type WorkerState int32

const (
	WorkerCreated WorkerState = iota
	WorkerStarting
	WorkerReady
	WorkerStopping
	WorkerStopped
	WorkerErrored
)

func (s WorkerState) String() string {
	switch s {
	case WorkerCreated:
		return "created"
	case WorkerStarting:
		return "starting"
	case WorkerReady:
		return "ready"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	case WorkerErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// SpawnConfig carries everything needed to fork one worker process: the
// binary/args to exec, its isolated data directory, and its identity
// within the spawn tree (agent id, parent, depth — spec §4.6 caps spawn
// depth to prevent runaway self-replication).
type SpawnConfig struct {
	AgentID       string
	ParentAgentID string
	SpawnDepth    int
	DataDir       string
	Command       string
	Args          []string
	Capabilities  []string
}

// Worker supervises one subprocess: its Transport, OS process handle, and
// lifecycle state. Adapted from sideload.Module's startStdio/initialize/
// Stop mechanics, retargeted from a plugin-capability handshake to the
// Orchestrator's init/ready worker handshake.
type Worker struct {
	cfg    SpawnConfig
	cmd    *exec.Cmd
	tr     *Transport
	state  atomic.Int32
	logger *zap.Logger

	mu          sync.Mutex
	lastErr     error
	currentTask string
}

// NewWorker constructs an un-started Worker.
func NewWorker(cfg SpawnConfig, logger *zap.Logger) *Worker {
	w := &Worker{cfg: cfg, logger: logger}
	w.state.Store(int32(WorkerCreated))
	return w
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// CurrentTask returns the task id the worker is presently executing, or "".
func (w *Worker) CurrentTask() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTask
}

// Start forks the worker subprocess, wires its stdio pipes into a
// Transport, and sends the init handshake. onMessage is invoked for every
// message the worker emits (the Orchestrator routes task-completed/
// task-failed/status/log/error there).
func (w *Worker) Start(ctx context.Context, onMessage func(*Worker, Message), onExit func(*Worker, error)) error {
	w.state.Store(int32(WorkerStarting))

	cmd := exec.CommandContext(ctx, w.cfg.Command, w.cfg.Args...)
	cmd.Dir = w.cfg.DataDir
	cmd.Env = append(os.Environ(), "ORCBOT_WORKER=1", "ORCBOT_AGENT_ID="+w.cfg.AgentID)
	cmd.Stderr = &logWriter{logger: w.logger, agentID: w.cfg.AgentID}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.state.Store(int32(WorkerErrored))
		return fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.state.Store(int32(WorkerErrored))
		return fmt.Errorf("worker stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		w.state.Store(int32(WorkerErrored))
		return fmt.Errorf("start worker process: %w", err)
	}
	w.cmd = cmd
	w.tr = NewTransport(stdin, stdout)
	w.tr.OnMessage(func(msg Message) {
		if msg.Type == MsgReady {
			w.state.Store(int32(WorkerReady))
		}
		if msg.Type == MsgTaskStarted {
			w.mu.Lock()
			w.currentTask = msg.TaskID
			w.mu.Unlock()
		}
		if msg.Type == MsgTaskCompleted || msg.Type == MsgTaskFailed {
			w.mu.Lock()
			w.currentTask = ""
			w.mu.Unlock()
		}
		onMessage(w, msg)
	})

	go func() {
		err := cmd.Wait()
		w.state.Store(int32(WorkerStopped))
		if onExit != nil {
			onExit(w, err)
		}
	}()

	caps := make([]interface{}, len(w.cfg.Capabilities))
	for i, c := range w.cfg.Capabilities {
		caps[i] = c
	}
	return w.tr.Send(ctx, NewMessage(MsgInit, "", map[string]interface{}{
		InitKeyAgentID:       w.cfg.AgentID,
		InitKeyDataDir:       w.cfg.DataDir,
		InitKeyCapabilities:  caps,
		InitKeySpawnDepth:    w.cfg.SpawnDepth,
		InitKeyParentAgentID: w.cfg.ParentAgentID,
	}))
}

// AssignTask sends a task message, only valid while the worker is ready
// and idle.
func (w *Worker) AssignTask(ctx context.Context, taskID, description string, priority int, lane string) error {
	if w.State() != WorkerReady {
		return fmt.Errorf("worker %s is not ready (state=%s)", w.cfg.AgentID, w.State())
	}
	if w.CurrentTask() != "" {
		return fmt.Errorf("worker %s is already running task %s", w.cfg.AgentID, w.CurrentTask())
	}
	return w.tr.Send(ctx, NewMessage(MsgTask, taskID, map[string]interface{}{
		TaskKeyDescription: description,
		TaskKeyPriority:    priority,
		TaskKeyLane:        lane,
	}))
}

// Ping sends a liveness probe; the caller should expect a MsgPong via
// onMessage within a reasonable deadline.
func (w *Worker) Ping(ctx context.Context) error {
	return w.tr.Send(ctx, NewMessage(MsgPing, "", nil))
}

// RequestStatus asks the worker to report its current state.
func (w *Worker) RequestStatus(ctx context.Context) error {
	return w.tr.Send(ctx, NewMessage(MsgStatusRequest, "", nil))
}

// Stop sends a graceful shutdown notice, waits briefly, then kills the
// process if it hasn't exited — mirrors sideload.Module.Stop's
// notify-then-kill pattern.
func (w *Worker) Stop(ctx context.Context) error {
	w.state.Store(int32(WorkerStopping))
	if w.tr != nil {
		_ = w.tr.Send(ctx, NewMessage(MsgShutdown, "", nil))
	}

	select {
	case <-time.After(500 * time.Millisecond):
	case <-ctx.Done():
	}

	if w.cmd != nil && w.cmd.Process != nil && w.State() != WorkerStopped {
		if err := w.cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill worker process: %w", err)
		}
	}
	if w.tr != nil {
		w.tr.Close()
	}
	return nil
}

// logWriter adapts a worker's stderr into structured log lines, mirroring
// sideload.logWriter.
type logWriter struct {
	logger  *zap.Logger
	agentID string
}

func (l *logWriter) Write(p []byte) (int, error) {
	l.logger.Warn("worker stderr", zap.String("agent_id", l.agentID), zap.ByteString("line", p))
	return len(p), nil
}
