package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/KafClaw/autoflow/internal/automation"
	"github.com/KafClaw/autoflow/internal/provider"
)

// BuildSystemPrompt assembles the system prompt of a skill run.
func BuildSystemPrompt(skill *automation.Skill, now time.Time) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("You are the automation skill %q.", skill.Name))
	if skill.Description != "" {
		parts = append(parts, skill.Description)
	}
	parts = append(parts, "# Instructions\n\n"+strings.TrimSpace(skill.Instructions))
	parts = append(parts, fmt.Sprintf("# Runtime\n\n- Time: %s\n- Tools are named mcp__<server>__<tool>. Only the tools offered to you are permitted.",
		now.UTC().Format(time.RFC3339)))
	parts = append(parts, "When the task is done, reply with a final answer and no tool calls.")

	return strings.Join(parts, "\n\n---\n\n")
}

// BuildEventMessage renders the triggering event (and orchestrator inputs,
// when spawned) as the opening user message.
func BuildEventMessage(ev *automation.Event, input json.RawMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event %s from %q (type %q).\n", ev.ID, ev.Source, ev.Type)
	if len(ev.Payload) > 0 {
		b.WriteString("\nPayload:\n")
		b.WriteString(indentJSON(ev.Payload))
		b.WriteString("\n")
	}
	if len(input) > 0 && string(input) != "null" {
		b.WriteString("\nInputs:\n")
		b.WriteString(indentJSON(input))
		b.WriteString("\n")
	}
	return b.String()
}

// BuildMessages returns the opening conversation of a skill run.
func BuildMessages(skill *automation.Skill, ev *automation.Event, input json.RawMessage, now time.Time) []provider.Message {
	return []provider.Message{
		{Role: provider.RoleSystem, Content: BuildSystemPrompt(skill, now)},
		{Role: provider.RoleUser, Content: BuildEventMessage(ev, input)},
	}
}

func indentJSON(raw json.RawMessage) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	// Pre-serialized payloads are rendered as their decoded document.
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return s
		}
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func truncateStr(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
