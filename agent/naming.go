package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
)

// NamingAgent produces a short kebab-case description for a change
// prompt, used to label workspaces and branches. Failure is soft: the
// caller falls back to a generated name.
type NamingAgent struct {
	runner Runner
	logger *slog.Logger
}

// NewNamingAgent creates a naming agent on top of a runner.
func NewNamingAgent(runner Runner, logger *slog.Logger) *NamingAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &NamingAgent{runner: runner, logger: logger}
}

// ShortDesc asks the agent for a kebab-case phrase describing the
// change prompt. Returns "" when the agent fails or its output cannot
// be parsed.
func (a *NamingAgent) ShortDesc(ctx context.Context, prompt string, opts ...RunOption) string {
	instruction := "You are generating a short description for a change prompt.\n" +
		"- Produce a single JSON object ONLY, no extra text.\n" +
		"- Shape: {\"short_desc\": \"<kebab-case-phrase>\"}\n" +
		"- short_desc: 3-6 words, lowercase, kebab-case, no punctuation beyond hyphens."

	output, err := a.runner.Run(ctx, instruction+"\n\nPrompt:\n"+prompt, opts...)
	if err != nil {
		a.logger.Warn("name generation failed", "error", err)
		return ""
	}

	desc, ok := parseShortDesc(output)
	if !ok {
		a.logger.Warn("name generation output unparseable",
			"output_snippet", snippet(output, 200))
		return ""
	}
	return desc
}

// parseShortDesc reads the {"short_desc": ...} object from agent
// output, tolerating surrounding prose.
func parseShortDesc(output string) (string, bool) {
	text := strings.TrimSpace(output)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}

	var payload struct {
		ShortDesc string `json:"short_desc"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &payload); err != nil {
		return "", false
	}
	if payload.ShortDesc == "" {
		return "", false
	}
	return payload.ShortDesc, true
}
