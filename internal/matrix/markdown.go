package matrix

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

// renderMarkdown converts text to HTML. It reports false when the result
// carries no markup beyond a single paragraph, so plain replies stay plain.
func renderMarkdown(text string) (string, bool) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return "", false
	}
	out := strings.TrimSpace(buf.String())
	inner := strings.TrimSuffix(strings.TrimPrefix(out, "<p>"), "</p>")
	if inner != out && !strings.Contains(inner, "<") && !strings.Contains(inner, "&") {
		return "", false
	}
	return out, true
}
