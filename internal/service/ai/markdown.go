package ai

import "regexp"

var markdownLinkPattern = regexp.MustCompile(`\[([^\]]*?)\]\s*\(\s*([^)]*?)\s*\)`)

// CleanMarkdown normalises markdown links to the compact [text](url) form so
// that renderers do not show them as plain text.
func CleanMarkdown(text string) string {
	return markdownLinkPattern.ReplaceAllString(text, "[${1}](${2})")
}
