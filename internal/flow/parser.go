package flow

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/BTreeMap/CounselPipe/internal/phase"
)

// PlaceholderReply replaces a fallback reply that is empty once fragments are stripped.
const PlaceholderReply = "I'm sorry, I couldn't put my reply into words just now. Could you tell me a little more?"

var (
	braceFragment   = regexp.MustCompile(`(?s)\{.*?\}`)
	bracketFragment = regexp.MustCompile(`(?s)\[.*?\]`)
)

// ParsedOutcome is the structured reading of one raw model reply.
type ParsedOutcome struct {
	Content string
	Phase   phase.Phase
	// Title is the raw title proposed by the model, "" when absent.
	Title     string
	ShouldEnd bool
}

// ParseResponse turns raw model text into an outcome. It tries the JSON
// object contract first and falls back to plain-text heuristics. It never
// fails and always returns non-empty Content.
func ParseResponse(raw string, expectTitle bool) ParsedOutcome {
	if strings.TrimSpace(raw) == "" {
		return parseFallback(raw)
	}
	if out, ok := parseStructured(stripCodeFence(raw), expectTitle); ok {
		return out
	}
	return parseFallback(raw)
}

// parseStructured reads a single JSON object. ok is false when text is not an
// object, is malformed or lacks a non-blank string "content".
func parseStructured(text string, expectTitle bool) (ParsedOutcome, bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") || !strings.HasSuffix(text, "}") {
		return ParsedOutcome{}, false
	}
	if !gjson.Valid(text) {
		return ParsedOutcome{}, false
	}
	root := gjson.Parse(text)
	if !root.IsObject() {
		return ParsedOutcome{}, false
	}

	content := root.Get("content")
	if content.Type != gjson.String || strings.TrimSpace(content.Str) == "" {
		return ParsedOutcome{}, false
	}

	out := ParsedOutcome{
		Content: strings.TrimSpace(content.Str),
		Phase:   phase.Initial(),
	}

	if ph := root.Get("phase"); ph.Type == gjson.String {
		if p, ok := phase.Parse(ph.Str); ok {
			out.Phase = p
		}
	}

	if expectTitle {
		if title := root.Get("title"); title.Type == gjson.String {
			out.Title = title.Str
		}
	}

	switch se := root.Get("shouldEnd"); se.Type {
	case gjson.True:
		out.ShouldEnd = true
	case gjson.String:
		out.ShouldEnd = strings.EqualFold(strings.TrimSpace(se.Str), "true")
	}

	return out, true
}

// parseFallback strips brace and bracket fragments from raw and uses the
// remainder as the reply. It is idempotent on its own output.
func parseFallback(raw string) ParsedOutcome {
	text := braceFragment.ReplaceAllString(raw, "")
	text = bracketFragment.ReplaceAllString(text, "")
	text = strings.TrimSpace(text)
	if text == "" {
		text = PlaceholderReply
	}
	return ParsedOutcome{
		Content: text,
		Phase:   phase.Initial(),
	}
}

// stripCodeFence removes a surrounding ``` or ```json fence.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if len(s) >= 4 && strings.EqualFold(s[:4], "json") {
		s = s[4:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
