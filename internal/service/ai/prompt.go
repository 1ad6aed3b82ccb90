package ai

import "strings"

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = `You are a friendly assistant chatting with someone through a small web widget.

Style guide:
- Talk casually and clearly, like texting a friend.
- Keep replies short: 2 to 4 lines. Expand only if the user asks for more.
- Use markdown links in the form [text](url) when pointing somewhere.
- If you do not know something, say so instead of guessing.`

// BuildSystemPrompt returns the configured prompt, or the default one when
// custom is blank.
func BuildSystemPrompt(custom string) string {
	if trimmed := strings.TrimSpace(custom); trimmed != "" {
		return trimmed
	}
	return DefaultSystemPrompt
}
