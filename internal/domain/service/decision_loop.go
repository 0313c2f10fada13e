package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fredabila/orcbot/internal/domain/entity"
	domaintool "github.com/fredabila/orcbot/internal/domain/tool"
	"go.uber.org/zap"
)

// ComplexityProfile names the step/message caps for one of the four
// complexity tiers (spec §4.2).
type ComplexityProfile struct {
	Complexity  string
	MaxSteps    int
	MaxMessages int
	NeedsPlan   bool
}

// ComplexityConfig carries the operator-tunable step/message ceilings for
// the "standard" and "complex" tiers (spec §4.2, §9 Open Question #1:
// these are configuration, not code). "trivial" and "simple" tiers are
// fixed by the spec at 1 step/1 message and 3 steps/2 messages and are
// never configurable.
type ComplexityConfig struct {
	StandardMaxSteps    int // default 25
	StandardMaxMessages int // default 5
	ComplexMaxSteps     int // operator-configured, default 50
	ComplexMaxMessages  int // operator-configured, floored to 8
}

// DefaultComplexityConfig mirrors spec §4.2's literal table.
func DefaultComplexityConfig() ComplexityConfig {
	return ComplexityConfig{
		StandardMaxSteps:    25,
		StandardMaxMessages: 5,
		ComplexMaxSteps:     50,
		ComplexMaxMessages:  8,
	}
}

// BuildComplexityProfiles resolves cfg into the four concrete tiers, per
// spec §4.2's table: trivial=1/1, simple=3/2 (both fixed), standard=
// cfg.StandardMaxSteps/cfg.StandardMaxMessages (default 25/5), complex=
// cfg.ComplexMaxSteps/max(cfg.ComplexMaxMessages, 8).
func BuildComplexityProfiles(cfg ComplexityConfig) map[string]ComplexityProfile {
	standardSteps := cfg.StandardMaxSteps
	if standardSteps <= 0 {
		standardSteps = 25
	}
	standardMessages := cfg.StandardMaxMessages
	if standardMessages <= 0 {
		standardMessages = 5
	}
	complexSteps := cfg.ComplexMaxSteps
	if complexSteps <= 0 {
		complexSteps = 50
	}
	complexMessages := cfg.ComplexMaxMessages
	if complexMessages < 8 {
		complexMessages = 8
	}
	return map[string]ComplexityProfile{
		"trivial":  {Complexity: "trivial", MaxSteps: 1, MaxMessages: 1, NeedsPlan: false},
		"simple":   {Complexity: "simple", MaxSteps: 3, MaxMessages: 2, NeedsPlan: false},
		"standard": {Complexity: "standard", MaxSteps: standardSteps, MaxMessages: standardMessages, NeedsPlan: true},
		"complex":  {Complexity: "complex", MaxSteps: complexSteps, MaxMessages: complexMessages, NeedsPlan: true},
	}
}

// ClassifyComplexity resolves the complexity tier for an action description,
// per spec §4.2's classification step. An ultra-short opener (a greeting, an
// ack, a one-word reply) shortcuts straight to "trivial" without an LLM call.
// profiles is the caller's resolved BuildComplexityProfiles result, so the
// configured tiers (not hard-coded ones) govern every classification.
func ClassifyComplexity(ctx context.Context, llm LLMClient, description string, classifierModel string, profiles map[string]ComplexityProfile) (ComplexityProfile, error) {
	trimmed := strings.TrimSpace(description)
	if len(trimmed) > 0 && len(trimmed) <= 12 && !strings.ContainsAny(trimmed, "?.") {
		return profiles["trivial"], nil
	}

	req := &LLMRequest{
		Messages: []LLMMessage{
			{Role: "system", Content: "Classify the complexity of the following task as exactly one word: trivial, simple, standard, or complex. Reply with only that word."},
			{Role: "user", Content: description},
		},
		Model:       classifierModel,
		MaxTokens:   8,
		Temperature: 0,
	}
	resp, err := llm.Generate(ctx, req)
	if err != nil {
		return profiles["standard"], fmt.Errorf("classify complexity: %w", err)
	}
	word := strings.ToLower(strings.TrimSpace(resp.Content))
	if p, ok := profiles[word]; ok {
		return p, nil
	}
	return profiles["standard"], nil
}

// DecisionLoopConfig carries the model and guardrail tunables the
// DecisionLoop needs beyond AgentLoopConfig's token/time budgets.
type DecisionLoopConfig struct {
	Model           string
	ClassifierModel string
	MaxTokenBudget  int
	ToolTimeout     time.Duration
	MaxRetries      int
	RetryBaseWait   time.Duration
	Complexity      ComplexityConfig
}

// DefaultDecisionLoopConfig mirrors AgentLoop's defaults for the pieces it
// shares (token budget, tool timeout, retry policy).
func DefaultDecisionLoopConfig() DecisionLoopConfig {
	return DecisionLoopConfig{
		MaxTokenBudget: 200_000,
		ToolTimeout:    30 * time.Second,
		MaxRetries:     3,
		RetryBaseWait:  2 * time.Second,
		Complexity:     DefaultComplexityConfig(),
	}
}

// Decision is the strict-JSON shape the model must emit every step (spec
// §4.2): a thought, zero or more tool calls, and a goals_met flag.
type Decision struct {
	Thought   string                  `json:"thought"`
	ToolCalls []entity.ToolCallInfo   `json:"tool_calls"`
	GoalsMet  bool                    `json:"goals_met"`
}

// ActionRunner owns a single Action's execution from dispatch to exit. It is
// grounded on the teacher's AgentLoop's step/retry/compaction mechanics,
// generalized with a hard per-tier step/message cap and routed through a
// GuardrailEngine + ReviewGate instead of AgentLoop's "no MaxSteps, token
// budget is the only natural limit" philosophy — spec §4.2 requires a hard
// ceiling regardless of token usage.
type ActionRunner struct {
	llm        LLMClient
	tools      ToolExecutor
	guardrails *GuardrailEngine
	review     *ReviewGate
	memory     MemoryRecorder
	cfg        DecisionLoopConfig
	logger     *zap.Logger
}

// MemoryRecorder is the subset of memory.Store the DecisionLoop needs,
// kept as an interface to avoid a domain/service -> domain/memory import
// cycle (memory.Store itself has no service-layer dependency).
type MemoryRecorder interface {
	Record(entryType entity.MemoryEntryType, content string, meta entity.MemoryEntryMetadata) (*entity.MemoryEntry, error)
	TaskStart(actionID, description string) (*entity.MemoryEntry, error)
	TaskConclusion(actionID, summary string) (*entity.MemoryEntry, error)
	ForAction(actionID string) []*entity.MemoryEntry
	PurgeAction(actionID string) int
}

// NewActionRunner constructs a runner for one action's lifetime.
func NewActionRunner(llm LLMClient, tools ToolExecutor, guardrails *GuardrailEngine, review *ReviewGate, mem MemoryRecorder, cfg DecisionLoopConfig, logger *zap.Logger) *ActionRunner {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseWait <= 0 {
		cfg.RetryBaseWait = 2 * time.Second
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = 30 * time.Second
	}
	if cfg.Complexity == (ComplexityConfig{}) {
		cfg.Complexity = DefaultComplexityConfig()
	}
	return &ActionRunner{llm: llm, tools: tools, guardrails: guardrails, review: review, memory: mem, cfg: cfg, logger: logger}
}

// RunnerHooks are the channel-facing side effects a DecisionLoop step can
// trigger: sending a message, scheduling a follow-up task, or delivering a
// file/image. The orchestrating caller supplies concrete implementations so
// this package stays independent of any transport concern.
type RunnerHooks struct {
	SendMessage        func(ctx context.Context, channel, target, text string) error
	ScheduleTask       func(ctx context.Context, spec, task string, priority int) error
	SendFile           func(ctx context.Context, channel, target, path, caption string) error
	ChannelOfSkill     func(skill string) (channel string, isSend bool)
	IsAdmin            bool
	Lane               string
	SudoMode           bool
	OriginChannel      string
	Description        string
}

// RunResult is the terminal outcome of one action's DecisionLoop run.
type RunResult struct {
	Steps        int
	FinalThought string
	GoalsMet     bool
	ForcedExit   string // "" | "step-cap" | "review-terminate" | "review-bonus-steps-exhausted" | "message-budget" | "guardrail-break" | "silent-termination" | "cancelled"
}

// Run drives the full decision loop for one action (spec §4.2 steps 1-7):
// classify -> (plan) -> per-step decide/guardrail/execute -> exit handling.
func (r *ActionRunner) Run(ctx context.Context, actionID string, systemPrompt string, description string, lane string, hooks RunnerHooks) (*RunResult, error) {
	if _, err := r.memory.TaskStart(actionID, description); err != nil {
		r.logger.Warn("failed to record task-start memory", zap.Error(err))
	}

	profiles := BuildComplexityProfiles(r.cfg.Complexity)
	profile, err := ClassifyComplexity(ctx, r.llm, description, r.cfg.ClassifierModel, profiles)
	if err != nil {
		r.logger.Warn("complexity classification failed, defaulting to standard", zap.Error(err))
	}

	messages := []LLMMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: description},
	}

	if profile.NeedsPlan {
		planMsg, perr := r.buildPlan(ctx, messages)
		if perr == nil && planMsg != "" {
			messages = append(messages, LLMMessage{Role: "assistant", Content: planMsg})
		}
	}

	state := NewActionGuardState()
	result := &RunResult{}
	sentThisStep := false

	for step := 1; step <= profile.MaxSteps; step++ {
		if err := ctx.Err(); err != nil {
			result.ForcedExit = "cancelled"
			break
		}
		sentThisStep = false
		state.StepsSinceLastMessage++

		decision, derr := r.decide(ctx, messages)
		if derr != nil {
			state.InvalidDecisionRetries++
			if state.InvalidDecisionRetries >= r.cfg.MaxRetries {
				result.ForcedExit = "silent-termination"
				break
			}
			messages = append(messages, LLMMessage{Role: "user", Content: "[SYSTEM] Your last response could not be parsed as valid JSON. Reply with {\"thought\":...,\"tool_calls\":[...],\"goals_met\":bool} only."})
			continue
		}
		state.InvalidDecisionRetries = 0
		result.FinalThought = decision.Thought
		result.Steps = step

		eval := r.guardrails.Evaluate(state, decision.ToolCalls, lane, hooks.SudoMode, hooks.IsAdmin, hooks.OriginChannel, hooks.ChannelOfSkill)
		for _, note := range eval.InjectedMemory {
			r.memory.Record(entity.MemoryShort, note, entity.MemoryEntryMetadata{ActionID: actionID, Role: "system"})
			messages = append(messages, LLMMessage{Role: "user", Content: note})
		}

		if eval.NeedsReview != nil {
			verdict := r.review.Consult(ctx, actionID, description, *eval.NeedsReview, messages)
			switch verdict.Action {
			case ReviewTerminate:
				result.ForcedExit = "review-terminate"
				result.FinalThought = verdict.Reason
				step = profile.MaxSteps + 1 // break outer loop
				goto exit
			case ReviewBanSkill:
				state.BannedSkills[eval.NeedsReview.Skill] = true
				state.SkillCallCounts[eval.NeedsReview.Skill] = 0
			case ReviewBonusSteps:
				profile.MaxSteps += verdict.BonusSteps
			}
		}

		if eval.ForceBreak && len(eval.Allowed) == 0 {
			result.ForcedExit = "guardrail-break"
			break
		}

		toolResults := make([]LLMMessage, 0, len(eval.Allowed))
		stepSent := false
		for _, call := range eval.Allowed {
			out, sent, ferr := r.execute(ctx, actionID, call, hooks, state, &sentThisStep)
			if ferr != nil {
				state.ConsecutiveToolFailures[call.Name]++
			} else {
				state.ConsecutiveToolFailures[call.Name] = 0
			}
			if sent {
				stepSent = true
			}
			toolResults = append(toolResults, LLMMessage{
				Role:       "tool",
				Content:    out,
				ToolCallID: call.ID,
				Name:       call.Name,
			})
		}

		messages = append(messages, LLMMessage{Role: "assistant", Content: decision.Thought, ToolCalls: decision.ToolCalls})
		messages = append(messages, toolResults...)

		// §8 invariant: messagesSent <= maxMessages(complexity) unless
		// ReviewGate explicitly grants continuance. Checked right after any
		// step that sent a message, since MessagesSent only grows on a send.
		if stepSent && state.MessagesSent > profile.MaxMessages {
			verdict := r.review.Consult(ctx, actionID, description, ReviewReason{
				Kind:   "message-budget",
				Detail: fmt.Sprintf("messages sent (%d) exceeded the %s tier's cap (%d)", state.MessagesSent, profile.Complexity, profile.MaxMessages),
			}, messages)
			switch verdict.Action {
			case ReviewBonusSteps:
				profile.MaxMessages += verdict.BonusSteps
			default:
				result.ForcedExit = "message-budget"
				result.FinalThought = verdict.Reason
				goto exit
			}
		}

		if eval.ForceBreak {
			result.ForcedExit = "guardrail-break"
			break
		}

		if len(decision.ToolCalls) == 0 {
			if decision.GoalsMet {
				if state.MessagesSent == 0 && state.SilentTerminationRetries < 3 {
					// A goals_met=true claim with zero tool calls and zero
					// messages sent is not a real exit (spec §4.2 step 5
					// bullet 3 / §4.3 item 16 / §8): refuse up to 3 times
					// before letting it through, to avoid accepting a
					// silent no-op as "done".
					state.SilentTerminationRetries++
					messages = append(messages, LLMMessage{Role: "user", Content: "[SYSTEM] You set goals_met=true but never sent the user anything. Send a concluding message before finishing."})
					continue
				}
				result.GoalsMet = true
				break
			}
			// No tools and goals not met: nudge, and terminate once the
			// retry counter reaches 3, to avoid a silent no-op spin (spec
			// §4.3 item 16).
			state.SilentTerminationRetries++
			if state.SilentTerminationRetries >= 3 {
				result.ForcedExit = "silent-termination"
				break
			}
			messages = append(messages, LLMMessage{Role: "user", Content: "[SYSTEM] No tool calls and goals_met=false. Either act or set goals_met=true with a final message."})
			continue
		}

		if state.NeedsProgressNudge(step) && hooks.SendMessage != nil {
			messages = append(messages, LLMMessage{Role: "user", Content: "[SYSTEM] Consider sending the user a brief status update."})
		}

		if decision.GoalsMet {
			result.GoalsMet = true
			break
		}
	}

exit:
	if result.Steps >= profile.MaxSteps && !result.GoalsMet && result.ForcedExit == "" {
		verdict := r.review.Consult(ctx, actionID, description, ReviewReason{Kind: "max-steps", Detail: "step cap reached"}, messages)
		if verdict.Action == ReviewBonusSteps {
			// caller may choose to re-invoke Run with the bonus; recorded for visibility.
			result.ForcedExit = "review-bonus-steps-exhausted"
		} else {
			result.ForcedExit = "step-cap"
		}
	}

	summary := result.FinalThought
	if summary == "" {
		summary = fmt.Sprintf("exit=%s goals_met=%v steps=%d", result.ForcedExit, result.GoalsMet, result.Steps)
	}
	if _, err := r.memory.TaskConclusion(actionID, summary); err != nil {
		r.logger.Warn("failed to record task-conclusion memory", zap.Error(err))
	}
	r.memory.PurgeAction(actionID)

	return result, nil
}

func (r *ActionRunner) buildPlan(ctx context.Context, messages []LLMMessage) (string, error) {
	req := &LLMRequest{
		Messages:    append(append([]LLMMessage{}, messages...), LLMMessage{Role: "user", Content: "Before acting, write a brief numbered execution plan (3-6 steps). Do not call any tools yet."}),
		Model:       r.cfg.Model,
		MaxTokens:   400,
		Temperature: 0.2,
	}
	resp, err := r.llm.Generate(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (r *ActionRunner) decide(ctx context.Context, messages []LLMMessage) (*Decision, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(r.cfg.RetryBaseWait * time.Duration(1<<uint(attempt-1))):
			}
		}
		req := &LLMRequest{
			Messages:    append(append([]LLMMessage{}, messages...), LLMMessage{Role: "user", Content: "Respond with strict JSON: {\"thought\":string,\"tool_calls\":[{\"id\":string,\"name\":string,\"arguments\":object}],\"goals_met\":bool}"}),
			Tools:       r.tools.GetDefinitions(),
			Model:       r.cfg.Model,
			MaxTokens:   2000,
			Temperature: 0.3,
		}
		resp, err := r.llm.Generate(ctx, req)
		if err != nil {
			lastErr = err
			continue
		}
		d, perr := parseDecision(resp)
		if perr != nil {
			lastErr = perr
			continue
		}
		return d, nil
	}
	return nil, fmt.Errorf("decide: exhausted retries: %w", lastErr)
}

func parseDecision(resp *LLMResponse) (*Decision, error) {
	if len(resp.ToolCalls) > 0 {
		return &Decision{Thought: resp.Content, ToolCalls: resp.ToolCalls, GoalsMet: false}, nil
	}
	text := strings.TrimSpace(resp.Content)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		if text == "" {
			return nil, fmt.Errorf("empty decision response")
		}
		return &Decision{Thought: text, GoalsMet: false}, nil
	}
	var d Decision
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("parse decision json: %w", err)
	}
	return &d, nil
}

func (r *ActionRunner) execute(ctx context.Context, actionID string, call entity.ToolCallInfo, hooks RunnerHooks, state *ActionGuardState, sentThisStep *bool) (output string, sent bool, err error) {
	execCtx, cancel := context.WithTimeout(ctx, r.cfg.ToolTimeout)
	defer cancel()

	switch call.Name {
	case "send_message":
		text, _ := call.Arguments["text"].(string)
		allow, forceBreak := r.guardrails.EvaluateSend(state, text, *sentThisStep, hooks.Description, false)
		if !allow {
			return "send suppressed by guardrail", false, nil
		}
		if hooks.SendMessage == nil {
			return "no send_message transport configured", false, fmt.Errorf("no transport")
		}
		if sendErr := hooks.SendMessage(execCtx, hooks.OriginChannel, "", text); sendErr != nil {
			return sendErr.Error(), false, sendErr
		}
		state.RecordSend(text)
		*sentThisStep = true
		if forceBreak {
			return "sent; concluding", true, nil
		}
		return "sent", true, nil
	case "send_file", "send_image":
		path, _ := call.Arguments["path"].(string)
		caption, _ := call.Arguments["caption"].(string)
		allow, _ := r.guardrails.EvaluateSend(state, "[file:"+path+"]", *sentThisStep, hooks.Description, true)
		if !allow {
			return "file-send suppressed by guardrail", false, nil
		}
		if hooks.SendFile == nil {
			return "no send_file transport configured", false, fmt.Errorf("no transport")
		}
		if sendErr := hooks.SendFile(execCtx, hooks.OriginChannel, "", path, caption); sendErr != nil {
			return sendErr.Error(), false, sendErr
		}
		if call.Name == "send_image" {
			state.ImageGeneratedInAction = true
		}
		*sentThisStep = true
		return "sent", true, nil
	case "schedule_task":
		spec, _ := call.Arguments["schedule"].(string)
		task, _ := call.Arguments["task"].(string)
		priority := 5
		if p, ok := call.Arguments["priority"].(float64); ok {
			priority = int(p)
		}
		if hooks.ScheduleTask == nil {
			return "no scheduler configured", false, fmt.Errorf("no scheduler")
		}
		if serr := hooks.ScheduleTask(execCtx, spec, task, priority); serr != nil {
			return serr.Error(), false, serr
		}
		return "scheduled", false, nil
	case "request_supporting_data":
		state.RecordDeepTool(DefaultGuardrailConfig(), call.Name, domaintool.KindThink, false)
		return "noted", false, nil
	default:
		res, terr := r.tools.Execute(execCtx, call.Name, call.Arguments)
		kind := r.tools.GetToolKind(call.Name)
		isBrowser := strings.HasPrefix(call.Name, "browser_")
		state.RecordDeepTool(DefaultGuardrailConfig(), call.Name, kind, isBrowser)
		if terr != nil {
			return terr.Error(), false, terr
		}
		if res == nil {
			return "", false, nil
		}
		return res.DisplayOrOutput(), false, nil
	}
}
