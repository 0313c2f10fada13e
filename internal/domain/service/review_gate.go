package service

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"
)

// ReviewVerdictAction is what the ReviewGate decided to do about a forced
// kill candidate (spec §4.4).
type ReviewVerdictAction string

const (
	ReviewTerminate  ReviewVerdictAction = "terminate"
	ReviewBanSkill   ReviewVerdictAction = "ban-skill"
	ReviewBonusSteps ReviewVerdictAction = "bonus-steps"
)

// ReviewVerdict is the ReviewGate's parsed response.
type ReviewVerdict struct {
	Action     ReviewVerdictAction
	Reason     string
	BonusSteps int
}

// reviewDecision is the strict JSON shape the review model must emit.
type reviewDecision struct {
	Decision string `json:"decision"` // "terminate" | "continue"
	Reason   string `json:"reason"`
}

const maxBonusSteps = 5

// ReviewGate is a second, independent LLM call consulted when the
// GuardrailEngine flags a forced-kill candidate, giving the run one more
// chance to justify continuing (spec §4.4). Grounded on the teacher's
// guardrails.go budget-check pattern (a narrow, single-purpose gate) and on
// hooks.go's veto architecture (a review is itself a veto-or-allow decision).
type ReviewGate struct {
	llm    LLMClient
	model  string
	logger *zap.Logger
}

// NewReviewGate constructs a gate that uses llm for its compact review call.
func NewReviewGate(llm LLMClient, model string, logger *zap.Logger) *ReviewGate {
	return &ReviewGate{llm: llm, model: model, logger: logger}
}

// Consult builds a compact prompt describing why the GuardrailEngine wants
// to kill the run and asks the model whether to terminate or continue. A
// malformed or missing response defaults to terminate (spec §4.4 "fail
// closed"). The three continue-handling modes map to the reason kind:
// skill-frequency -> ban-skill, message-budget/max-steps -> bonus-steps
// (capped at 5), anything else -> terminate is the only safe default.
func (g *ReviewGate) Consult(ctx context.Context, actionID, taskDescription string, reason ReviewReason, recentMessages []LLMMessage) ReviewVerdict {
	prompt := g.buildPrompt(taskDescription, reason, recentMessages)

	resp, err := g.llm.Generate(ctx, &LLMRequest{
		Messages: []LLMMessage{
			{Role: "system", Content: "You are a terse reviewer deciding whether to let a stuck automation continue. Reply with strict JSON only: {\"decision\":\"terminate\"|\"continue\",\"reason\":string}."},
			{Role: "user", Content: prompt},
		},
		Model:       g.model,
		MaxTokens:   150,
		Temperature: 0,
	})
	if err != nil {
		g.logger.Warn("review gate LLM call failed, defaulting to terminate", zap.Error(err), zap.String("action_id", actionID))
		return ReviewVerdict{Action: ReviewTerminate, Reason: "review gate unavailable"}
	}

	dec, perr := parseReviewDecision(resp.Content)
	if perr != nil {
		g.logger.Warn("review gate response unparseable, defaulting to terminate", zap.Error(perr), zap.String("action_id", actionID))
		return ReviewVerdict{Action: ReviewTerminate, Reason: "unparseable review response"}
	}

	if strings.EqualFold(dec.Decision, "terminate") {
		return ReviewVerdict{Action: ReviewTerminate, Reason: dec.Reason}
	}

	switch reason.Kind {
	case "skill-frequency":
		return ReviewVerdict{Action: ReviewBanSkill, Reason: dec.Reason}
	case "message-budget", "max-steps":
		return ReviewVerdict{Action: ReviewBonusSteps, Reason: dec.Reason, BonusSteps: maxBonusSteps}
	default:
		return ReviewVerdict{Action: ReviewTerminate, Reason: dec.Reason}
	}
}

func (g *ReviewGate) buildPrompt(taskDescription string, reason ReviewReason, recentMessages []LLMMessage) string {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(taskDescription)
	sb.WriteString("\nGuardrail trigger: ")
	sb.WriteString(string(reason.Kind))
	if reason.Skill != "" {
		sb.WriteString(" (skill=" + reason.Skill + ")")
	}
	sb.WriteString("\nDetail: ")
	sb.WriteString(reason.Detail)
	sb.WriteString("\nRecent activity:\n")
	tail := recentMessages
	if len(tail) > 6 {
		tail = tail[len(tail)-6:]
	}
	for _, m := range tail {
		sb.WriteString("- ")
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		text := m.TextContent()
		if len(text) > 200 {
			text = text[:200] + "..."
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String()
}

func parseReviewDecision(text string) (*reviewDecision, error) {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, errNoJSON
	}
	var d reviewDecision
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		return nil, err
	}
	if d.Decision == "" {
		return nil, errNoJSON
	}
	return &d, nil
}

var errNoJSON = errReviewNoJSON{}

type errReviewNoJSON struct{}

func (errReviewNoJSON) Error() string { return "review gate: response contained no JSON object" }
