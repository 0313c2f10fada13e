// WorkerAgent drives one spawned sub-agent process (spec §4.6): it reads
// the parent's init/task/ping/shutdown messages over stdin, executes at
// most one task at a time through the same GuardrailEngine/ActionRunner
// pipeline Core's dispatch loop uses, and reports task-started/completed/
// failed back over stdout.
//
// Grounded on the teacher's sideload.Module child-side handshake
// (initialize -> ready -> serve loop), retargeted from a plugin's
// JSON-RPC method dispatch to the Orchestrator's flat ipc.Message
// vocabulary (internal/infrastructure/ipc/protocol.go).
package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fredabila/orcbot/internal/domain/memory"
	"github.com/fredabila/orcbot/internal/domain/service"
	"github.com/fredabila/orcbot/internal/infrastructure/config"
	"github.com/fredabila/orcbot/internal/infrastructure/ipc"
	"go.uber.org/zap"
)

// RunWorker is the entry point the "worker" CLI subcommand calls. It
// blocks until the parent sends MsgShutdown, stdin closes, or ctx is
// cancelled.
func RunWorker(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	tr := ipc.NewTransport(os.Stdout, os.Stdin)
	defer tr.Close()

	w := &workerAgent{transport: tr, cfg: cfg, logger: logger, done: make(chan struct{})}
	tr.OnMessage(w.handle)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return nil
	case <-tr.Done():
		return nil
	}
}

// workerAgent holds the one ActionRunner a worker process builds on init
// and reuses across every task it's assigned (a worker is reused across
// several delegated tasks, not re-spawned per task — spec §4.6).
type workerAgent struct {
	transport *ipc.Transport
	cfg       *config.Config
	logger    *zap.Logger

	mu          sync.Mutex
	agentID     string
	dataDir     string
	runner      *service.ActionRunner
	mem         *memory.Store
	currentTask string

	doneOnce sync.Once
	done     chan struct{}
}

func (w *workerAgent) handle(msg ipc.Message) {
	ctx := context.Background()
	switch msg.Type {
	case ipc.MsgInit:
		w.onInit(ctx, msg)
	case ipc.MsgTask:
		go w.onTask(ctx, msg)
	case ipc.MsgPing:
		_ = w.transport.Send(ctx, ipc.NewMessage(ipc.MsgPong, "", nil))
	case ipc.MsgStatusRequest:
		w.onStatus(ctx)
	case ipc.MsgShutdown:
		w.doneOnce.Do(func() { close(w.done) })
	}
}

func (w *workerAgent) onInit(ctx context.Context, msg ipc.Message) {
	dataDir, _ := msg.Payload[ipc.InitKeyDataDir].(string)
	agentID, _ := msg.Payload[ipc.InitKeyAgentID].(string)

	w.mu.Lock()
	w.dataDir = dataDir
	w.agentID = agentID
	w.mu.Unlock()

	runner, mem, err := w.buildRunner(dataDir)
	if err != nil {
		w.logger.Error("worker init failed", zap.String("agent_id", agentID), zap.Error(err))
		_ = w.transport.Send(ctx, ipc.NewMessage(ipc.MsgError, "", map[string]interface{}{ipc.FailureKeyReason: err.Error()}))
		return
	}

	w.mu.Lock()
	w.runner = runner
	w.mem = mem
	w.mu.Unlock()

	_ = w.transport.Send(ctx, ipc.NewMessage(ipc.MsgReady, "", nil))
}

// buildRunner reuses Core's own LLM-router/tool-registry construction —
// a delegated sub-agent needs the same skill surface its parent does,
// just rooted at its own isolated data directory (spec §4.6's worker
// isolation requirement).
func (w *workerAgent) buildRunner(dataDir string) (*service.ActionRunner, *memory.Store, error) {
	if dataDir == "" {
		dataDir = filepath.Join(config.HomeDir(), "workers", w.agentID)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create worker data dir: %w", err)
	}

	mem, err := memory.New(filepath.Join(dataDir, "memory.json"), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("load worker memory store: %w", err)
	}

	router := buildLLMRouter(w.cfg, w.logger)
	registry, err := buildToolRegistry(w.cfg, w.logger, router)
	if err != nil {
		return nil, nil, fmt.Errorf("build worker tool registry: %w", err)
	}

	guardrails := service.NewGuardrailEngine(service.DefaultGuardrailConfig(), w.logger)
	review := service.NewReviewGate(router, w.cfg.Agent.DefaultModel, w.logger)
	toolExec := service.NewToolExecutorAdapter(registry, nil, w.logger)

	loopCfg := service.DefaultDecisionLoopConfig()
	loopCfg.Model = w.cfg.Agent.DefaultModel
	loopCfg.ClassifierModel = w.cfg.Agent.DefaultModel

	return service.NewActionRunner(router, toolExec, guardrails, review, mem, loopCfg, w.logger), mem, nil
}

func (w *workerAgent) onTask(ctx context.Context, msg ipc.Message) {
	w.mu.Lock()
	runner, mem := w.runner, w.mem
	if runner == nil || w.currentTask != "" {
		w.mu.Unlock()
		_ = w.transport.Send(ctx, ipc.NewMessage(ipc.MsgTaskFailed, msg.TaskID, map[string]interface{}{
			ipc.FailureKeyReason: "worker not ready or already busy",
		}))
		return
	}
	w.currentTask = msg.TaskID
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.currentTask = ""
		w.mu.Unlock()
	}()

	description, _ := msg.Payload[ipc.TaskKeyDescription].(string)
	lane, _ := msg.Payload[ipc.TaskKeyLane].(string)

	_ = w.transport.Send(ctx, ipc.NewMessage(ipc.MsgTaskStarted, msg.TaskID, nil))

	hooks := service.RunnerHooks{
		SendMessage: func(ctx context.Context, channel, target, text string) error {
			return fmt.Errorf("delegated sub-agents cannot send channel messages directly; report results in the task summary instead")
		},
		SendFile: func(ctx context.Context, channel, target, path, caption string) error {
			return fmt.Errorf("delegated sub-agents cannot send files directly; report results in the task summary instead")
		},
		ScheduleTask: func(ctx context.Context, spec, task string, priority int) error {
			return fmt.Errorf("delegated sub-agents cannot arm schedules")
		},
		ChannelOfSkill: func(skill string) (string, bool) { return "", false },
		Lane:           lane,
		Description:    description,
	}

	systemPrompt := "You are a delegated sub-agent executing one scoped task on behalf of orcbot's primary agent. Be thorough but stay within the task description; your final thought becomes the summary the primary agent reads back."
	result, err := runner.Run(ctx, msg.TaskID, systemPrompt, description, lane, hooks)

	if mem != nil {
		if _, terr := mem.TaskConclusion(msg.TaskID, summaryOf(result, err)); terr != nil {
			w.logger.Warn("failed to record worker task conclusion", zap.Error(terr))
		}
		mem.PurgeAction(msg.TaskID)
	}

	if err != nil {
		_ = w.transport.Send(ctx, ipc.NewMessage(ipc.MsgTaskFailed, msg.TaskID, map[string]interface{}{
			ipc.FailureKeyReason: err.Error(),
		}))
		return
	}
	_ = w.transport.Send(ctx, ipc.NewMessage(ipc.MsgTaskCompleted, msg.TaskID, map[string]interface{}{
		"summary": result.FinalThought,
	}))
}

func summaryOf(result *service.RunResult, err error) string {
	if err != nil {
		return "failed: " + err.Error()
	}
	return result.FinalThought
}

func (w *workerAgent) onStatus(ctx context.Context) {
	w.mu.Lock()
	task := w.currentTask
	w.mu.Unlock()

	state := "ready"
	if task != "" {
		state = "busy"
	}
	_ = w.transport.Send(ctx, ipc.NewMessage(ipc.MsgStatus, "", map[string]interface{}{
		ipc.StatusKeyState:       state,
		ipc.StatusKeyCurrentTask: task,
	}))
}
