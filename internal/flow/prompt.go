package flow

import (
	"strings"
	"unicode/utf8"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/phase"
)

// summaryLineRunes clips each history digest line.
const summaryLineRunes = 160

// ---- Response format ----

const responseFormatBlock = `<RESPONSE FORMAT>
Reply with exactly one JSON object and nothing else: no markdown, no code fences, no text before or after it.
Fields:
- "content" (string, required): your reply to the user.
- "phase" (string): the counseling phase your reply belongs to. Choose only from the allowed phases listed above.
- "shouldEnd" (boolean): true only when the conversation has reached a natural close and the session should end.
`

const titleInstruction = `- "title" (string): this is the first message of the session. Include a short title (a few words) summarizing what the user wants to talk about.
`

// BuildSystemPrompt assembles the system prompt for one completion request.
// Sections are emitted in a fixed order: persona instructions, the guidance
// for every phase, the current phase state, the history digest (when not
// empty) and the response format. The persona text is passed through as-is.
func BuildSystemPrompt(personaInstructions string, lastPhase phase.Phase, reachable []phase.Phase, historySummary string, isFirstTurn bool) string {
	var b strings.Builder

	b.WriteString(personaInstructions)
	b.WriteString("\n\n")

	b.WriteString(phase.GuidanceBlock())
	b.WriteString("\n")

	b.WriteString("<PHASE STATE>\n")
	b.WriteString("Current phase: ")
	b.WriteString(string(lastPhase))
	b.WriteString("\nAllowed phases: ")
	b.WriteString(phase.Join(reachable))
	b.WriteString("\nStay in the current phase until its goal is met. Never return to an earlier phase.\n")
	b.WriteString("</PHASE STATE>\n\n")

	if historySummary != "" {
		b.WriteString("<CONVERSATION SO FAR>\n")
		b.WriteString(historySummary)
		if !strings.HasSuffix(historySummary, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("</CONVERSATION SO FAR>\n\n")
	}

	b.WriteString(responseFormatBlock)
	if isFirstTurn {
		b.WriteString(titleInstruction)
	}
	b.WriteString("</RESPONSE FORMAT>\n")

	return b.String()
}

// SummarizeHistory renders the last limit turns as "SENDER[PHASE]: text"
// lines, each clipped to a fixed rune budget. It returns "" when there is
// nothing to summarize or limit is not positive.
func SummarizeHistory(turns []models.Turn, limit int) string {
	if limit <= 0 || len(turns) == 0 {
		return ""
	}
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}

	var b strings.Builder
	for _, t := range turns {
		b.WriteString(string(t.Sender))
		b.WriteString("[")
		b.WriteString(string(t.Phase))
		b.WriteString("]: ")
		b.WriteString(clipRunes(oneLine(t.Content), summaryLineRunes))
		b.WriteString("\n")
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clipRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
