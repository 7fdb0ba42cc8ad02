package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/phase"
)

var (
	accent  = lipgloss.Color("#8BC34A")
	info    = lipgloss.Color("#2196F3")
	warning = lipgloss.Color("#FFC107")
	danger  = lipgloss.Color("#E53935")
	ink     = lipgloss.Color("#101F38")

	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(accent)
	userStyle   = lipgloss.NewStyle().Bold(true).Foreground(info)
	aiStyle     = lipgloss.NewStyle().Bold(true).Foreground(accent)
	mutedStyle  = lipgloss.NewStyle().Faint(true)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(danger)
	noticeStyle = lipgloss.NewStyle().Foreground(warning)
	badgeStyle  = lipgloss.NewStyle().Foreground(ink).Background(warning)
	replyStyle  = lipgloss.NewStyle().PaddingLeft(2).Width(88)
)

func phaseBadge(p phase.Phase) string {
	return badgeStyle.Render("[" + p.String() + "]")
}

// renderPhase describes a phase for the /phase command.
func renderPhase(p phase.Phase) string {
	info, ok := phase.InfoOf(p)
	if !ok {
		return "current phase: " + phaseBadge(p)
	}
	return fmt.Sprintf("current phase: %s %s\n%s\n%s",
		phaseBadge(p), titleStyle.Render(info.Name),
		replyStyle.Render(info.Objective),
		mutedStyle.Render(replyStyle.Render(info.TransitionHint)))
}

// renderTurn formats one transcript entry.
func renderTurn(t models.Turn) string {
	who := userStyle.Render("you")
	if t.IsAI() {
		who = aiStyle.Render("counselor")
	}
	stamp := mutedStyle.Render(t.CreatedAt.Local().Format("15:04"))
	return fmt.Sprintf("%s %s %s\n%s", who, phaseBadge(t.Phase), stamp, replyStyle.Render(t.Content))
}

// renderSessionRow formats one line of the session list.
func renderSessionRow(s models.Session) string {
	title := s.Title
	if title == "" {
		title = mutedStyle.Render("(untitled)")
	}
	state := aiStyle.Render("open")
	if s.IsClosed() {
		state = mutedStyle.Render("closed")
	}
	return strings.Join([]string{
		s.ID,
		state,
		s.LastActivityAt.Local().Format("2006-01-02 15:04"),
		s.PersonaID,
		title,
	}, "  ")
}
