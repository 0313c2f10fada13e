package channel

import "strings"

// Policy maps send-capable skill names to the channel they must target
// (spec §4.3 item 12, §9 Open Question: TOOL_CHANNEL_MAP/
// CROSS_CHANNEL_EXEMPT_TOOLS are configuration, not code). A skill absent
// from ToolChannelMap is assumed channel-agnostic (no restriction).
type Policy struct {
	ToolChannelMap          map[string]string // skill name -> required channel
	CrossChannelExemptTools map[string]bool   // skills allowed to target any channel
}

// NewPolicy constructs a Policy from the two maps config supplies.
func NewPolicy(toolChannelMap map[string]string, exempt []string) *Policy {
	p := &Policy{
		ToolChannelMap:          toolChannelMap,
		CrossChannelExemptTools: make(map[string]bool, len(exempt)),
	}
	for _, t := range exempt {
		p.CrossChannelExemptTools[strings.ToLower(strings.TrimSpace(t))] = true
	}
	return p
}

// ChannelForSkill implements the GuardrailEngine.Evaluate
// channelOfSkill callback: returns the skill's required channel and
// whether it is a channel-restricted send-capable skill at all.
func (p *Policy) ChannelForSkill(skill string) (string, bool) {
	if p.CrossChannelExemptTools[skill] {
		return "", false
	}
	target, ok := p.ToolChannelMap[skill]
	return target, ok
}
