package service

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"

	"github.com/fredabila/orcbot/internal/domain/entity"
	domaintool "github.com/fredabila/orcbot/internal/domain/tool"
	"go.uber.org/zap"
)

// GuardrailConfig carries every tunable the spec's Open Questions (§9) ask
// to expose rather than hard-code: cooldown step count, pattern window,
// skill-frequency ceilings, the research-tool set, elevated skills, the
// channel-exempt set, and the question-detector patterns.
type GuardrailConfig struct {
	SkillCallCeiling         int      // default 5
	ResearchSkillCallCeiling int      // default 15
	ResearchTools            []string // web_search, browser_*, extract_article, http_fetch, recall_memory, computer_*
	ElevatedSkills           []string
	DangerousSkills          []string // run_command, writes/deletes/installs, manage_skills
	CrossChannelExemptTools  []string
	CooldownSteps            int // default 15
	PatternWindow            int // default 6 (period-2 detection)
	RedundantLoopRepeats     int // default 3 consecutive identical decision signatures
	PlanningOnlyStreak       int // default 5 consecutive non-deep-only decisions
	NonDeepTools             []string
	QuestionPatterns         []*regexp.Regexp
	FileDeliveryKeywords     []string
}

// DefaultGuardrailConfig mirrors the literal constants named in spec §4.3.
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		SkillCallCeiling:         5,
		ResearchSkillCallCeiling: 15,
		ResearchTools:            []string{"web_search", "browser_*", "extract_article", "http_fetch", "recall_memory", "computer_*"},
		ElevatedSkills: []string{
			"run_command", "write_file", "delete_file", "install_package",
			"manage_skills", "browser_navigate", "browser_click", "schedule_task",
			"generate_image", "text_to_speech",
		},
		DangerousSkills:         []string{"run_command", "write_file", "delete_file", "install_package", "manage_skills"},
		CrossChannelExemptTools: []string{"send_email"},
		CooldownSteps:           15,
		PatternWindow:           6,
		RedundantLoopRepeats:    3,
		PlanningOnlyStreak:      5,
		NonDeepTools:            []string{"journal", "learning", "identity", "screenshot", "trace_start", "trace_stop", "request_supporting_data"},
		FileDeliveryKeywords:    []string{"send", "file", "resend", "deliver", "share", "image", "picture", "draw", "generate", "truncat", "incomplete"},
		QuestionPatterns: []*regexp.Regexp{
			regexp.MustCompile(`\?\s*$`),
			regexp.MustCompile(`(?i)would (you|it)|do you`),
			regexp.MustCompile(`(?i)should I`),
			regexp.MustCompile(`(?i)what |which |can you`),
			regexp.MustCompile(`(?i)let me know`),
			regexp.MustCompile(`(?i)please (confirm|clarify|specify)`),
			regexp.MustCompile(`(?i)is that ok`),
			regexp.MustCompile(`(?i)either .+ or `),
		},
	}
}

var templatePlaceholderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\{\{[^}]+\}\}`),
	regexp.MustCompile(`\[\[[^\]]+\]\]`),
	regexp.MustCompile(`<<[^>]+>>`),
	regexp.MustCompile(`\{%[^%]+%\}`),
}

// ActionGuardState is the per-action, per-step bookkeeping the
// GuardrailEngine consults and mutates. One instance lives for the
// lifetime of a single Action's DecisionLoop run.
type ActionGuardState struct {
	MessagesSent                      int
	SentMessageTexts                  []string
	SkillCallCounts                   map[string]int
	RecentSkillNames                  []string // last N tool names across decisions, for pattern/frequency detection
	RecentCallFingerprints            []string // last N (name,argKeys) fingerprints, parallel to RecentSkillNames
	LastDecisionSignature             string
	RedundantRepeatCount              int
	PlanningOnlyRun                   int
	ImageGeneratedInAction            bool
	DeepToolExecutedSinceLastMessage  bool
	StepsSinceLastMessage             int
	ConsecutiveToolFailures           map[string]int
	BrowserStepsSinceMessage          int
	NonBrowserStepsSinceMessage       int
	SilentTerminationRetries          int
	InvalidDecisionRetries            int
	BannedSkills                      map[string]bool
}

// NewActionGuardState initializes empty bookkeeping for a fresh action run.
func NewActionGuardState() *ActionGuardState {
	return &ActionGuardState{
		SkillCallCounts:         make(map[string]int),
		ConsecutiveToolFailures: make(map[string]int),
		BannedSkills:            make(map[string]bool),
	}
}

// GuardrailEngine is the stateless-per-step evaluator described by spec
// §4.3. "Stateless" refers to the engine value itself (safe to share across
// actions); all mutable per-action bookkeeping lives in ActionGuardState.
type GuardrailEngine struct {
	cfg    GuardrailConfig
	logger *zap.Logger
}

// NewGuardrailEngine constructs an engine from the given tunables.
func NewGuardrailEngine(cfg GuardrailConfig, logger *zap.Logger) *GuardrailEngine {
	return &GuardrailEngine{cfg: cfg, logger: logger}
}

// EvaluationResult is the GuardrailEngine's verdict for one decision step.
type EvaluationResult struct {
	Allowed         []entity.ToolCallInfo
	ForceBreak      bool
	InjectedMemory  []string
	NeedsReview     *ReviewReason // non-nil if a forced kill needs ReviewGate consultation
}

// ReviewReason names which guardrail triggered a forced-kill candidacy, so
// the DecisionLoop knows how to apply a "continue" verdict (spec §4.4).
type ReviewReason struct {
	Kind   string // "message-budget" | "skill-frequency" | "max-steps"
	Skill  string // set when Kind == "skill-frequency"
	Detail string
}

func (s *ActionGuardState) isResearch(cfg GuardrailConfig, name string) bool {
	for _, r := range cfg.ResearchTools {
		if r == name {
			return true
		}
		if strings.HasSuffix(r, "_*") && strings.HasPrefix(name, strings.TrimSuffix(r, "*")) {
			return true
		}
	}
	return false
}

func (s *ActionGuardState) isNonDeep(cfg GuardrailConfig, name string) bool {
	for _, n := range cfg.NonDeepTools {
		if n == name {
			return true
		}
	}
	return false
}

func signature(calls []entity.ToolCallInfo) string {
	parts := make([]string, 0, len(calls))
	for _, c := range calls {
		b, _ := json.Marshal(c.Arguments)
		parts = append(parts, c.Name+"|"+string(b))
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func argKeysFingerprint(c entity.ToolCallInfo) string {
	keys := make([]string, 0, len(c.Arguments))
	for k := range c.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return c.Name + "|" + strings.Join(keys, ",")
}

// Evaluate runs every applicable policy over the proposed tool batch for
// one decision step and returns the filtered batch plus any forced
// termination / injected-memory side effects.
//
// isDangerousLane/isAdmin/sudoMode/channelOfSkill/originChannel let callers
// plug in the lane/admin/channel-policy facts the engine needs without the
// engine depending on ChannelPolicy's concrete types.
func (g *GuardrailEngine) Evaluate(
	state *ActionGuardState,
	calls []entity.ToolCallInfo,
	lane string,
	sudoMode bool,
	isAdmin bool,
	originChannel string,
	channelOfSkill func(skill string) (string, bool), // ok=false if not a send skill
) EvaluationResult {
	res := EvaluationResult{}

	// 1. Intra-step dedup.
	seen := make(map[string]bool)
	deduped := make([]entity.ToolCallInfo, 0, len(calls))
	for _, c := range calls {
		b, _ := json.Marshal(c.Arguments)
		key := c.Name + "|" + string(b)
		if seen[key] {
			continue
		}
		seen[key] = true
		deduped = append(deduped, c)
	}
	calls = deduped

	// 2. Redundant-logic loop: whole-decision signature repeats.
	sig := signature(calls)
	if sig != "" && sig == state.LastDecisionSignature {
		state.RedundantRepeatCount++
	} else {
		state.RedundantRepeatCount = 0
	}
	state.LastDecisionSignature = sig
	if state.RedundantRepeatCount+1 >= g.cfg.RedundantLoopRepeats && !allCoreOrResearch(state, g.cfg, calls) {
		res.ForceBreak = true
		res.InjectedMemory = append(res.InjectedMemory, "[SYSTEM] The same tool batch has repeated 3 times with no progress. Try a different approach.")
	}

	// 3. Planning-only loop.
	allNonDeep := len(calls) > 0
	for _, c := range calls {
		if !state.isNonDeep(g.cfg, c.Name) {
			allNonDeep = false
			break
		}
	}
	if allNonDeep {
		state.PlanningOnlyRun++
	} else {
		state.PlanningOnlyRun = 0
	}
	if state.PlanningOnlyRun >= g.cfg.PlanningOnlyStreak {
		res.ForceBreak = true
		res.InjectedMemory = append(res.InjectedMemory, "[SYSTEM] Five consecutive decisions produced only planning/bookkeeping tool calls with no real progress. Take concrete action now.")
	}

	// Track recent skill names/fingerprints for pattern detection (policy 5).
	for _, c := range calls {
		state.RecentSkillNames = append(state.RecentSkillNames, c.Name)
		state.RecentCallFingerprints = append(state.RecentCallFingerprints, argKeysFingerprint(c))
		if len(state.RecentSkillNames) > g.cfg.PatternWindow {
			state.RecentSkillNames = state.RecentSkillNames[len(state.RecentSkillNames)-g.cfg.PatternWindow:]
			state.RecentCallFingerprints = state.RecentCallFingerprints[len(state.RecentCallFingerprints)-g.cfg.PatternWindow:]
		}
	}

	// 5. Pattern-based loop: last 6 skill names show period-2 A,B,A,B,A,B,
	// AND the (name,argKey) fingerprints match too at the alternating
	// positions — if names repeat but args differ, this must not break.
	if len(state.RecentCallFingerprints) == g.cfg.PatternWindow && g.cfg.PatternWindow >= 4 {
		fps := state.RecentCallFingerprints
		periodic := true
		for i := 2; i < len(fps); i++ {
			if fps[i] != fps[i-2] {
				periodic = false
				break
			}
		}
		if periodic && fps[0] != fps[1] {
			res.ForceBreak = true
			res.InjectedMemory = append(res.InjectedMemory, "[SYSTEM] Detected an alternating A,B,A,B tool-call pattern with no progress. Stop and change strategy.")
		}
	}

	var out []entity.ToolCallInfo
	for _, c := range calls {
		allow := true

		// 4. Skill-frequency ceiling.
		ceiling := g.cfg.SkillCallCeiling
		if state.isResearch(g.cfg, c.Name) {
			ceiling = g.cfg.ResearchSkillCallCeiling
		}
		if state.BannedSkills[c.Name] {
			allow = false
			res.InjectedMemory = append(res.InjectedMemory, "[SYSTEM] "+c.Name+" is temporarily banned this action; use a different approach.")
		} else if state.SkillCallCounts[c.Name]+1 > ceiling {
			res.NeedsReview = &ReviewReason{Kind: "skill-frequency", Skill: c.Name, Detail: "exceeded per-action call ceiling"}
			allow = false
		}

		// 10. Lane-based safety.
		if allow && lane == "autonomy" && !sudoMode && isDangerous(g.cfg, c.Name) {
			allow = false
			res.InjectedMemory = append(res.InjectedMemory, "[SYSTEM] "+c.Name+" is a dangerous tool and autonomy-lane actions may not run it without sudo. Ask the user for permission via a send instead.")
		}

		// 11. Admin gating.
		if allow && !isAdmin && isElevated(g.cfg, c.Name) {
			allow = false
			res.ForceBreak = true
			res.InjectedMemory = append(res.InjectedMemory, "[SYSTEM] "+c.Name+" requires admin privileges. A polite denial should be sent to the user.")
		}

		// 12. Channel policy.
		if allow && channelOfSkill != nil {
			if target, isSend := channelOfSkill(c.Name); isSend {
				exempt := false
				for _, t := range g.cfg.CrossChannelExemptTools {
					if t == c.Name {
						exempt = true
						break
					}
				}
				if !exempt && target != "" && target != originChannel {
					allow = false
					res.InjectedMemory = append(res.InjectedMemory, "[SYSTEM] "+c.Name+" may only send to the originating channel ("+originChannel+").")
				}
			}
		}

		// 14. Generate-image dedup.
		if allow && c.Name == "generate_image" && state.ImageGeneratedInAction {
			allow = false
			res.InjectedMemory = append(res.InjectedMemory, "[SYSTEM] An image was already generated this action. send_file the existing path, or set goals_met=true.")
		}

		// 6. Template placeholder block (applies to any skill with a text-bearing arg).
		if allow && containsTemplatePlaceholder(c.Arguments) {
			allow = false
			res.InjectedMemory = append(res.InjectedMemory, "[SYSTEM] Output contained an unresolved template placeholder. Stop hallucinating placeholders and produce real content.")
		}

		if allow {
			out = append(out, c)
			state.SkillCallCounts[c.Name]++
		}
	}

	res.Allowed = out
	return res
}

func allCoreOrResearch(state *ActionGuardState, cfg GuardrailConfig, calls []entity.ToolCallInfo) bool {
	for _, c := range calls {
		if !state.isResearch(cfg, c.Name) && !state.isNonDeep(cfg, c.Name) {
			return false
		}
	}
	return len(calls) > 0
}

func isDangerous(cfg GuardrailConfig, name string) bool {
	for _, d := range cfg.DangerousSkills {
		if d == name {
			return true
		}
	}
	return false
}

func isElevated(cfg GuardrailConfig, name string) bool {
	for _, e := range cfg.ElevatedSkills {
		if e == name {
			return true
		}
	}
	return false
}

func containsTemplatePlaceholder(args map[string]interface{}) bool {
	for _, v := range args {
		s, ok := v.(string)
		if !ok {
			continue
		}
		for _, p := range templatePlaceholderPatterns {
			if p.MatchString(s) {
				return true
			}
		}
	}
	return false
}

// IsQuestion implements the question-detector heuristic (spec §4.3 item 13).
func (g *GuardrailEngine) IsQuestion(text string) bool {
	for _, p := range g.cfg.QuestionPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// EvaluateSend applies the send-specific policies (7 exact-duplicate, 8
// cooldown, 9 one-send-per-step, 15 file-delivery completion) to a
// candidate outbound message. It returns whether the send is allowed and
// whether it should force the loop to break afterward.
func (g *GuardrailEngine) EvaluateSend(state *ActionGuardState, text string, sentThisStepAlready bool, taskDescription string, isFileDelivery bool) (allow bool, forceBreak bool) {
	if sentThisStepAlready {
		return false, false // 9. one send per step
	}
	for _, sent := range state.SentMessageTexts {
		if sent == text {
			return false, false // 7. exact-duplicate message block
		}
	}
	if state.StepsSinceLastMessage > 0 || state.MessagesSent > 0 {
		// cooldown applies "after step 1"
	}
	if state.MessagesSent > 0 && !state.DeepToolExecutedSinceLastMessage && state.StepsSinceLastMessage < g.cfg.CooldownSteps {
		return false, false // 8. cooldown
	}

	if isFileDelivery {
		lower := strings.ToLower(taskDescription)
		for _, kw := range g.cfg.FileDeliveryKeywords {
			if strings.Contains(lower, kw) {
				forceBreak = true
				break
			}
		}
	}
	return true, forceBreak
}

// RecordSend updates bookkeeping after a permitted send.
func (state *ActionGuardState) RecordSend(text string) {
	state.MessagesSent++
	state.SentMessageTexts = append(state.SentMessageTexts, text)
	state.StepsSinceLastMessage = 0
	state.DeepToolExecutedSinceLastMessage = false
	state.BrowserStepsSinceMessage = 0
	state.NonBrowserStepsSinceMessage = 0
}

// RecordDeepTool marks that a non-"non-deep" tool ran this step. A tool
// whose registered Kind is KindThink or KindRead never counts as deep
// progress, even if its name is absent from the configured NonDeepTools
// list — the kind is the authoritative signal, the name list a shortcut.
func (state *ActionGuardState) RecordDeepTool(cfg GuardrailConfig, name string, kind domaintool.Kind, isBrowser bool) {
	if !state.isNonDeep(cfg, name) && kind != domaintool.KindThink && kind != domaintool.KindRead {
		state.DeepToolExecutedSinceLastMessage = true
	}
	if isBrowser {
		state.BrowserStepsSinceMessage++
	} else {
		state.NonBrowserStepsSinceMessage++
	}
}

// NeedsProgressNudge implements policy 17: after >=2 browser steps or >=4
// non-browser steps (at step>=4) with zero messages sent, inject a
// status-update nudge.
func (state *ActionGuardState) NeedsProgressNudge(step int) bool {
	if state.BrowserStepsSinceMessage >= 2 {
		return true
	}
	if step >= 4 && state.NonBrowserStepsSinceMessage >= 4 {
		return true
	}
	return false
}
