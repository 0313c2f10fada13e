// Package application is the composition root (spec §9): Core wires every
// domain/infrastructure collaborator built under internal/domain and
// internal/infrastructure into the single running system a channel
// adapter's InboundSink and the scheduler's Tick loop both drive.
//
// Grounded on the teacher's application/app.go (the existing App struct
// that wires GormDB, repositories, AgentLoop, and the HTTP/gRPC servers
// behind one constructor) — Core follows the same "one struct, one
// constructor, Close() releases everything" shape, swapping AgentLoop's
// conversation-per-message model for the ActionQueue -> DecisionLoop ->
// GuardrailEngine -> MemoryStore pipeline spec §2 names.
package application

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fredabila/orcbot/internal/domain/channel"
	"github.com/fredabila/orcbot/internal/domain/entity"
	"github.com/fredabila/orcbot/internal/domain/lock"
	"github.com/fredabila/orcbot/internal/domain/memory"
	"github.com/fredabila/orcbot/internal/domain/orchestrator"
	"github.com/fredabila/orcbot/internal/domain/queue"
	"github.com/fredabila/orcbot/internal/domain/scheduler"
	"github.com/fredabila/orcbot/internal/domain/service"
	domaintool "github.com/fredabila/orcbot/internal/domain/tool"
	"github.com/fredabila/orcbot/internal/domain/valueobject"
	"github.com/fredabila/orcbot/internal/infrastructure/config"
	infraipc "github.com/fredabila/orcbot/internal/infrastructure/ipc"
	"github.com/fredabila/orcbot/internal/infrastructure/llm"
	"github.com/fredabila/orcbot/internal/infrastructure/persistence"
	"github.com/fredabila/orcbot/internal/infrastructure/sandbox"
	infratool "github.com/fredabila/orcbot/internal/infrastructure/tool"
	"github.com/fredabila/orcbot/internal/interfaces/telegram"
	"go.uber.org/zap"
)

// Core is the spec §9 single DI-wired value: every long-lived component the
// primary process owns, plus the dispatch loop that pulls Actions off the
// queue and drives them through the DecisionLoop.
type Core struct {
	cfg    *config.Config
	logger *zap.Logger

	lock         *lock.InstanceLock
	queue        *queue.ActionQueue
	memoryStore  *memory.Store
	guardrails   *service.GuardrailEngine
	review       *service.ReviewGate
	runner       *service.ActionRunner
	orchestrator *orchestrator.Orchestrator
	scheduler    *scheduler.SchedulerSet
	heartbeat    *service.HeartbeatGenerator
	policy       *channel.Policy
	tools        domaintool.Registry
	knownUsers   *persistence.FileKnownUserRepository

	chMu     sync.RWMutex
	channels map[string]channel.Channel

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// paths bundles the data-directory file locations Core needs, all rooted
// under config.HomeDir() (spec §6: flat JSON files are authoritative).
type paths struct {
	root         string
	actions      string
	memoryFile   string
	schedules    string
	knownUsers   string
	lastTick     string
}

func newPaths(root string) paths {
	return paths{
		root:       root,
		actions:    filepath.Join(root, "actions.json"),
		memoryFile: filepath.Join(root, "memory.json"),
		schedules:  filepath.Join(root, "schedules.json"),
		knownUsers: filepath.Join(root, "known_users.json"),
		lastTick:   filepath.Join(root, "last_heartbeat"),
	}
}

// New assembles a Core from configuration: acquires the single-instance
// lock, loads every flat-JSON store, builds the LLM router, the Skill
// registry (reusing the teacher's infrastructure/tool.RegisterAllTools),
// the GuardrailEngine/ReviewGate/ActionRunner triple, the Orchestrator, and
// the SchedulerSet — then wires the HeartbeatGenerator's autonomy-lane
// pushes through both.
func New(cfg *config.Config, logger *zap.Logger) (*Core, error) {
	root := config.HomeDir()
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	p := newPaths(root)

	il, err := lock.Acquire(root)
	if err != nil {
		return nil, fmt.Errorf("acquire instance lock: %w", err)
	}

	knownUsers, err := persistence.NewFileKnownUserRepository(p.knownUsers)
	if err != nil {
		il.Release()
		return nil, fmt.Errorf("load known users: %w", err)
	}

	mem, err := memory.New(p.memoryFile, nil)
	if err != nil {
		il.Release()
		return nil, fmt.Errorf("load memory store: %w", err)
	}

	aq, err := queue.New(p.actions, logger, mem)
	if err != nil {
		il.Release()
		return nil, fmt.Errorf("load action queue: %w", err)
	}

	scheduleStore, err := persistence.NewFileScheduleRepository(p.schedules)
	if err != nil {
		il.Release()
		return nil, fmt.Errorf("load schedules: %w", err)
	}

	router := buildLLMRouter(cfg, logger)
	registry, err := buildToolRegistry(cfg, logger, router)
	if err != nil {
		il.Release()
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	guardrails := service.NewGuardrailEngine(service.DefaultGuardrailConfig(), logger)
	review := service.NewReviewGate(router, cfg.Agent.DefaultModel, logger)

	toolExec := service.NewToolExecutorAdapter(registry, nil, logger)

	loopCfg := service.DefaultDecisionLoopConfig()
	loopCfg.Model = cfg.Agent.DefaultModel
	loopCfg.ClassifierModel = cfg.Agent.DefaultModel
	runner := service.NewActionRunner(router, toolExec, guardrails, review, mem, loopCfg, logger)

	policy := channel.NewPolicy(defaultToolChannelMap(), []string{"send_email"})

	// c is allocated before the Orchestrator so its WorkerFactory can be a
	// method value bound to c — the factory is only ever invoked later (on
	// SpawnAgent, well after New returns), by which point every field below
	// is populated. This avoids a NewOrchestrator(factory)/SetFactory(...)
	// two-step the domain package doesn't expose.
	c := &Core{
		cfg:         cfg,
		logger:      logger,
		lock:        il,
		queue:       aq,
		memoryStore: mem,
		guardrails:  guardrails,
		review:      review,
		runner:      runner,
		policy:      policy,
		tools:       registry,
		knownUsers:  knownUsers,
		channels:    make(map[string]channel.Channel),
		stopCh:      make(chan struct{}),
	}
	c.orchestrator = orchestrator.New(c.spawnWorker, logger)

	c.heartbeat = service.NewHeartbeatGenerator(service.HeartbeatGeneratorConfig{LastTickPath: p.lastTick}, logger)
	c.scheduler = scheduler.New(scheduler.DefaultConfig(), aq, scheduleStore, &heartbeatEvaluatorAdapter{core: c}, logger)

	return c, nil
}

// defaultToolChannelMap mirrors spec §4.3 item 12's example: send_message
// routes through whichever channel the originating InboundTask named, so
// this starts empty (fully permissive) and is populated from config in a
// future pass — recorded as an Open Question decision in DESIGN.md.
func defaultToolChannelMap() map[string]string {
	return map[string]string{}
}

func buildLLMRouter(cfg *config.Config, logger *zap.Logger) *llm.Router {
	r := llm.NewRouter(logger)
	for _, p := range cfg.Agent.Providers {
		r.AddProvider(llm.NewOpenAIBuiltinProvider(llm.ProviderConfig{
			Name:    p.Name,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Models:  p.Models,
		}, logger))
	}
	return r
}

func buildToolRegistry(cfg *config.Config, logger *zap.Logger, router *llm.Router) (domaintool.Registry, error) {
	registry := domaintool.NewInMemoryRegistry()

	sb, err := sandbox.NewProcessSandbox(sandbox.DefaultConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("init sandbox: %w", err)
	}

	infratool.RegisterAllTools(infratool.ToolLayerDeps{
		Registry:  registry,
		Logger:    logger,
		Sandbox:   sb,
		PythonEnv: cfg.PythonEnv,
		SkillsDir: filepath.Join(config.HomeDir(), "skills"),
		Workspace: cfg.Agent.Workspace,
	})
	return registry, nil
}

// RegisterChannel makes ch available as a send/react target and, if it
// implements channel's inbound path, wires it so Core.PushInbound routes
// tasks from it into the ActionQueue.
func (c *Core) RegisterChannel(ch channel.Channel) {
	c.chMu.Lock()
	defer c.chMu.Unlock()
	c.channels[ch.Name()] = ch
}

// startTelegram constructs the telegram.Adapter from config, registers it
// as a channel.Channel, and begins polling. A no-op when no bot token is
// configured, so Core still boots cleanly in channel-less/test setups.
func (c *Core) startTelegram(ctx context.Context) error {
	if c.cfg.Telegram.BotToken == "" {
		return nil
	}
	adapter, err := telegram.NewAdapter(&telegram.Config{
		BotToken:       c.cfg.Telegram.BotToken,
		AllowedUserIDs: c.cfg.Telegram.AllowIDs,
		DMPolicy:       c.cfg.Telegram.DMPolicy,
		GroupPolicy:    c.cfg.Telegram.GroupPolicy,
		GroupAllowFrom: c.cfg.Telegram.GroupAllowFrom,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("init telegram adapter: %w", err)
	}
	ch := telegram.NewChannelAdapter(adapter, c, c.logger, c.cfg.Telegram.AdminUserIDs)
	c.RegisterChannel(ch)
	return adapter.Start(ctx)
}

func (c *Core) channelFor(name string) (channel.Channel, bool) {
	c.chMu.RLock()
	defer c.chMu.RUnlock()
	ch, ok := c.channels[name]
	return ch, ok
}

// PushInbound implements channel.InboundSink: every registered channel
// adapter's inbound handler calls this with the message it received, which
// becomes (or resumes) an Action on the queue (spec §2, §4.1).
func (c *Core) PushInbound(ctx context.Context, task channel.InboundTask) error {
	if _, err := c.knownUsers.Touch(task.Channel, task.UserID, task.SenderName, ""); err != nil {
		c.logger.Warn("failed to record known user", zap.Error(err))
	}

	_, err := c.queue.Push(
		fmt.Sprintf("%s-%s-%d", task.Channel, task.MessageID, time.Now().UnixNano()),
		entity.ActionPayload{
			Description:         task.Text,
			Source:              task.Channel,
			SourceID:            task.SourceID,
			MessageID:           task.MessageID,
			UserID:              task.UserID,
			SenderName:          task.SenderName,
			IsAdmin:             task.IsAdmin,
			RequiresResponse:    true,
			LastUserMessageText: task.Text,
		},
		5,
		valueobject.LaneUser,
	)
	return err
}

// Run starts the scheduler and the dispatch loop and blocks until ctx is
// cancelled or Stop is called.
func (c *Core) Run(ctx context.Context) error {
	if err := c.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := c.startTelegram(ctx); err != nil {
		c.logger.Error("telegram channel failed to start", zap.Error(err))
	}

	c.wg.Add(1)
	go c.dispatchLoop(ctx)

	select {
	case <-ctx.Done():
	case <-c.stopCh:
	}
	c.scheduler.Stop()
	c.wg.Wait()
	return nil
}

// Stop requests Run to return.
func (c *Core) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Close releases the instance lock and any other process-wide resource.
func (c *Core) Close() error {
	return c.lock.Release()
}

// dispatchLoop is the primary-lane half of spec §2's data flow:
// ActionQueue -> DecisionLoop -> GuardrailEngine (inside runner.Run) ->
// MemoryStore, polled on a short interval since GetNext is non-blocking.
func (c *Core) dispatchLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.dispatchNext(ctx)
		}
	}
}

func (c *Core) dispatchNext(ctx context.Context) {
	action := c.queue.GetNext()
	if action == nil {
		return
	}
	if err := c.queue.UpdateStatus(action.ID, valueobject.ActionInProgress); err != nil {
		c.logger.Error("failed to mark action in-progress", zap.String("action_id", action.ID), zap.Error(err))
		return
	}

	hooks := c.runnerHooks(action)
	result, err := c.runner.Run(ctx, action.ID, buildSystemPrompt(action), action.Payload.Description, string(action.Lane), hooks)

	final := valueobject.ActionCompleted
	summary := ""
	switch {
	case err != nil:
		final = valueobject.ActionFailed
		summary = err.Error()
		c.logger.Error("action run failed", zap.String("action_id", action.ID), zap.Error(err))
	case result.ForcedExit == "review-terminate" || result.ForcedExit == "":
		summary = result.FinalThought
	default:
		summary = fmt.Sprintf("%s: %s", result.ForcedExit, result.FinalThought)
	}

	if _, terr := c.memoryStore.TaskConclusion(action.ID, summary); terr != nil {
		c.logger.Warn("failed to record task conclusion", zap.Error(terr))
	}
	c.memoryStore.PurgeAction(action.ID)

	if serr := c.queue.UpdateStatus(action.ID, final); serr != nil {
		c.logger.Error("failed to finalize action status", zap.String("action_id", action.ID), zap.Error(serr))
	}
}

func buildSystemPrompt(action *entity.Action) string {
	base := "You are orcbot, an autonomous multi-channel assistant. Respond to the user's request, using tools as needed, and set goals_met=true only once real work is done."
	if action.Payload.IsHeartbeat {
		return base + " This run was triggered by a heartbeat, not a direct user message — act only if something is genuinely worth doing."
	}
	if action.Payload.IsAdmin {
		return base + " The requester is an administrator; elevated skills may be used without additional confirmation."
	}
	return base
}

// runnerHooks binds an Action's originating channel into RunnerHooks so
// GuardrailEngine's channel-policy check and the DecisionLoop's
// send_message/send_file/schedule_task tool handlers reach the right
// transport adapter.
func (c *Core) runnerHooks(action *entity.Action) service.RunnerHooks {
	return service.RunnerHooks{
		SendMessage: func(ctx context.Context, chName, target, text string) error {
			ch, ok := c.channelFor(chName)
			if !ok {
				return fmt.Errorf("no registered channel %q", chName)
			}
			return ch.SendMessage(ctx, channel.Outgoing{Target: target, Text: text, ReplyToMessageID: action.Payload.MessageID})
		},
		SendFile: func(ctx context.Context, chName, target, path, caption string) error {
			ch, ok := c.channelFor(chName)
			if !ok {
				return fmt.Errorf("no registered channel %q", chName)
			}
			return ch.SendFile(ctx, channel.Outgoing{Target: target, FilePath: path, Caption: caption})
		},
		ScheduleTask: func(ctx context.Context, spec, task string, priority int) error {
			return fmt.Errorf("schedule_task is handled by the scheduler's arm path, not yet wired from the tool call")
		},
		ChannelOfSkill: c.policy.ChannelForSkill,
		IsAdmin:        action.Payload.IsAdmin,
		Lane:           string(action.Lane),
		OriginChannel:  action.Payload.Source,
		Description:    action.Payload.Description,
	}
}

// spawnWorker is the orchestrator.WorkerFactory: it forks this same binary
// in "worker" mode (the teacher's own process self-re-execs for sub-agents
// via cmd/cli; Orchestrator generalizes that to arbitrary capability-scoped
// workers per spec §4.6).
func (c *Core) spawnWorker(ctx context.Context, spec orchestrator.SpawnSpec) (orchestrator.WorkerHandle, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve self executable: %w", err)
	}

	w := infraipc.NewWorker(infraipc.SpawnConfig{
		AgentID:       spec.AgentID,
		ParentAgentID: spec.ParentAgentID,
		SpawnDepth:    spec.SpawnDepth,
		DataDir:       spec.DataDir,
		Command:       self,
		Args:          []string{"worker"},
		Capabilities:  spec.Capabilities,
	}, c.logger)

	if err := os.MkdirAll(spec.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create worker data dir: %w", err)
	}

	if err := w.Start(ctx,
		func(worker *infraipc.Worker, msg infraipc.Message) {
			switch msg.Type {
			case infraipc.MsgReady:
				c.orchestrator.MarkReady(ctx, spec.AgentID)
			case infraipc.MsgTaskCompleted, infraipc.MsgTaskFailed:
				c.orchestrator.OnTaskDone(spec.AgentID)
			}
		},
		func(worker *infraipc.Worker, exitErr error) {
			if requeue := c.orchestrator.OnWorkerExit(spec.AgentID); requeue != "" {
				c.logger.Warn("worker exited with an assigned task, requeueing", zap.String("agent_id", spec.AgentID), zap.String("task_id", requeue))
			}
		},
	); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", spec.AgentID, err)
	}
	return w, nil
}

// heartbeatEvaluatorAdapter satisfies scheduler.HeartbeatEvaluator,
// binding the HeartbeatGenerator's due-check to Core's queue/orchestrator
// state and prompt-building context (spec §4.5).
type heartbeatEvaluatorAdapter struct {
	core *Core
}

func (h *heartbeatEvaluatorAdapter) MaybeFire(ctx context.Context) {
	h.core.heartbeat.MaybeFire(ctx, (*heartbeatDispatcher)(h.core), func() string {
		return h.core.heartbeat.BuildPrompt(h.core.buildHeartbeatContext())
	})
}

// heartbeatDispatcher satisfies service.HeartbeatDispatcher over Core's
// queue and orchestrator.
type heartbeatDispatcher Core

func (h *heartbeatDispatcher) HasPendingAutonomyAction() bool {
	c := (*Core)(h)
	for _, a := range c.queue.GetQueue() {
		if a.Lane == valueobject.LaneAutonomy && (a.Status == valueobject.ActionPending || a.Status == valueobject.ActionInProgress) {
			return true
		}
	}
	return false
}

func (h *heartbeatDispatcher) IdleWorkerAvailable() bool {
	c := (*Core)(h)
	_, ok := c.orchestrator.IdleWorker()
	return ok
}

func (h *heartbeatDispatcher) DelegateToIdleWorker(ctx context.Context, task string) error {
	c := (*Core)(h)
	agentID, ok := c.orchestrator.IdleWorker()
	if !ok {
		return fmt.Errorf("no idle worker available")
	}
	return c.orchestrator.AssignTask(ctx, agentID, entity.NewDelegatedTask(fmt.Sprintf("heartbeat-%d", time.Now().UnixNano()), task, 3))
}

func (h *heartbeatDispatcher) PushAutonomyAction(ctx context.Context, task string) error {
	c := (*Core)(h)
	_, err := c.queue.Push(fmt.Sprintf("heartbeat-%d", time.Now().UnixNano()), entity.ActionPayload{
		Description: task,
		IsHeartbeat: true,
	}, 3, valueobject.LaneAutonomy)
	return err
}

func (c *Core) buildHeartbeatContext() service.HeartbeatContext {
	recent := c.memoryStore.Recent(10)
	recentText := make([]string, 0, len(recent))
	for _, e := range recent {
		recentText = append(recentText, e.Content)
	}

	users, _ := c.knownUsers.List()
	contacts := make([]string, 0, len(users))
	for _, u := range users {
		if u.Name != "" {
			contacts = append(contacts, u.Name)
		}
	}

	return service.HeartbeatContext{
		RecentMemory: recentText,
		QueueSummary: fmt.Sprintf("%d actions queued", len(c.queue.GetQueue())),
		Contacts:     contacts,
		Now:          time.Now(),
	}
}
