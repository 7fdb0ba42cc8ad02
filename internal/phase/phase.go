// Package phase provides the fixed, ordered catalog of counseling stages and
// the static guidance text injected into LLM system prompts.
//
// The catalog is constant: it is built once at package initialization and
// never mutated, so every function here is safe for concurrent use.
package phase

import (
	"strings"
)

// Phase identifies one stage of the counseling progression.
type Phase string

const (
	Engagement  Phase = "ENGAGEMENT"
	Exploration Phase = "EXPLORATION"
	Insight     Phase = "INSIGHT"
	Action      Phase = "ACTION"
	Closing     Phase = "CLOSING"
)

// Info is the static descriptive metadata for a phase. It only feeds prompt
// text and carries no behavior.
type Info struct {
	Phase          Phase
	Name           string
	Objective      string
	Checklist      []string
	Tone           string
	TransitionHint string
}

// ---- Catalog ----

// catalog is indexed by ordinal.
var catalog = [...]Info{
	{
		Phase:     Engagement,
		Name:      "Rapport building",
		Objective: "Create a safe, welcoming space and understand why the user came today.",
		Checklist: []string{
			"Greet the user warmly and introduce yourself briefly",
			"Invite the user to share what brought them here",
			"Reflect feelings before asking for details",
		},
		Tone:           "warm, patient, non-judgmental",
		TransitionHint: "Move on once the user has named a concern they want to talk about.",
	},
	{
		Phase:     Exploration,
		Name:      "Problem exploration",
		Objective: "Understand the concern in depth: situations, thoughts, feelings and impact.",
		Checklist: []string{
			"Ask open questions, one at a time",
			"Clarify when, where and with whom the problem shows up",
			"Summarize what you heard and check it with the user",
		},
		Tone:           "curious, attentive, validating",
		TransitionHint: "Move on once the problem is concrete and the user agrees with your summary.",
	},
	{
		Phase:     Insight,
		Name:      "Insight",
		Objective: "Help the user see patterns, underlying needs and their own strengths.",
		Checklist: []string{
			"Point out recurring patterns gently",
			"Connect feelings to needs and values",
			"Highlight resources and past coping successes",
		},
		Tone:           "reflective, gentle, encouraging",
		TransitionHint: "Move on once the user expresses a new understanding or wants to change something.",
	},
	{
		Phase:     Action,
		Name:      "Action planning",
		Objective: "Turn insight into small, realistic next steps the user owns.",
		Checklist: []string{
			"Co-create one or two concrete, achievable steps",
			"Anticipate obstacles and plan around them",
			"Check the user's confidence in the plan",
		},
		Tone:           "collaborative, practical, hopeful",
		TransitionHint: "Move on once the user has a plan they feel confident about.",
	},
	{
		Phase:     Closing,
		Name:      "Closing",
		Objective: "Consolidate what was learned and end the session on a supportive note.",
		Checklist: []string{
			"Summarize the journey and the plan",
			"Acknowledge the user's effort",
			"Offer a warm goodbye and say they can return any time",
		},
		Tone:           "affirming, calm, supportive",
		TransitionHint: "This is the final stage; signal the end of the session when the user is ready.",
	},
}

var (
	ordinals      map[Phase]int
	guidanceTexts map[Phase]string
	guidanceBlock string
)

func init() {
	ordinals = make(map[Phase]int, len(catalog))
	guidanceTexts = make(map[Phase]string, len(catalog))

	var block strings.Builder
	block.WriteString("<COUNSELING PHASES>\n")
	for i, info := range catalog {
		ordinals[info.Phase] = i
		text := buildGuidance(i, info)
		guidanceTexts[info.Phase] = text
		block.WriteString(text)
	}
	block.WriteString("</COUNSELING PHASES>\n")
	guidanceBlock = block.String()
}

// ---- Public API ----

// All returns every phase in ordinal order. The returned slice is a copy.
func All() []Phase {
	out := make([]Phase, len(catalog))
	for i, info := range catalog {
		out[i] = info.Phase
	}
	return out
}

// Initial returns the first phase of the progression.
func Initial() Phase {
	return catalog[0].Phase
}

// Ordinal returns the zero-based position of p, or -1 if p is not a known phase.
func (p Phase) Ordinal() int {
	if i, ok := ordinals[p]; ok {
		return i
	}
	return -1
}

// Valid reports whether p is part of the catalog.
func (p Phase) Valid() bool {
	return p.Ordinal() >= 0
}

func (p Phase) String() string {
	return string(p)
}

// Parse matches s against the catalog, ignoring case and surrounding whitespace.
func Parse(s string) (Phase, bool) {
	candidate := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if candidate.Valid() {
		return candidate, true
	}
	return "", false
}

// InfoOf returns the catalog entry for p.
func InfoOf(p Phase) (Info, bool) {
	i := p.Ordinal()
	if i < 0 {
		return Info{}, false
	}
	info := catalog[i]
	info.Checklist = append([]string(nil), info.Checklist...)
	return info, true
}

// GuidanceText returns the precomputed guidance for a single phase, or an
// empty string for an unknown phase.
func GuidanceText(p Phase) string {
	return guidanceTexts[p]
}

// GuidanceBlock returns the guidance for every phase, in order, wrapped in a
// single tagged block.
func GuidanceBlock() string {
	return guidanceBlock
}

// ReachableFrom returns every phase whose ordinal is >= the ordinal of p.
// An unknown p is treated as the initial phase.
func ReachableFrom(p Phase) []Phase {
	start := p.Ordinal()
	if start < 0 {
		start = 0
	}
	out := make([]Phase, 0, len(catalog)-start)
	for _, info := range catalog[start:] {
		out = append(out, info.Phase)
	}
	return out
}

// AtLeast returns p when it does not precede floor, and floor otherwise.
// Unknown phases order before every known phase.
func AtLeast(p, floor Phase) Phase {
	if p.Ordinal() >= floor.Ordinal() {
		return p
	}
	return floor
}

// Join renders phases as a comma-separated list for prompt text.
func Join(phases []Phase) string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = string(p)
	}
	return strings.Join(names, ", ")
}

// ---- helpers ----

func buildGuidance(ordinal int, info Info) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(info.Phase))
	b.WriteString("] stage ")
	b.WriteString(string(rune('1' + ordinal)))
	b.WriteString(" - ")
	b.WriteString(info.Name)
	b.WriteString("\nGoal: ")
	b.WriteString(info.Objective)
	b.WriteString("\nChecklist:\n")
	for _, item := range info.Checklist {
		b.WriteString("- ")
		b.WriteString(item)
		b.WriteString("\n")
	}
	b.WriteString("Tone: ")
	b.WriteString(info.Tone)
	b.WriteString("\nWhen to advance: ")
	b.WriteString(info.TransitionHint)
	b.WriteString("\n\n")
	return b.String()
}
