// Package models defines the core data structures for CounselPipe.
//
// It includes the conversation turn, session and persona types that are shared
// between the flow engine and the storage backends, plus the sentinel errors
// used to signal precondition failures.
package models

import (
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/CounselPipe/internal/phase"
)

// Sender identifies who produced a turn.
type Sender string

const (
	// SenderUser marks a turn written by the human user.
	SenderUser Sender = "USER"
	// SenderAI marks a turn produced by the AI persona (or the degraded-service fallback).
	SenderAI Sender = "AI"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum allowed length, in runes, of a user message
	MaxMessageLength = 4000
	// DefaultTitle is used when a session title cannot be derived from any input
	DefaultTitle = "New Session"
)

// Error variables for precondition failures and upstream recovery.
var (
	ErrEmptyMessage      = errors.New("message cannot be empty")
	ErrMessageTooLong    = errors.New("message exceeds maximum length")
	ErrPersonaNotFound   = errors.New("persona not found")
	ErrPersonaInactive   = errors.New("persona is inactive")
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionNotOwned   = errors.New("session does not belong to user")
	ErrSessionClosed     = errors.New("session is closed")
	ErrTransientUpstream = errors.New("language model did not return an acceptable reply")
)

// IsValidSender checks if the given sender is supported.
func IsValidSender(s Sender) bool {
	switch s {
	case SenderUser, SenderAI:
		return true
	default:
		return false
	}
}

// Turn is a single user or AI message within a session. Turns are never
// mutated after creation.
type Turn struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	Sender    Sender      `json:"sender"`
	Content   string      `json:"content"`
	Phase     phase.Phase `json:"phase"`
	CreatedAt time.Time   `json:"created_at"`
}

// IsAI reports whether the turn was produced by the AI persona.
func (t Turn) IsAI() bool {
	return t.Sender == SenderAI
}

// Session is the stateful conversation container. Its current phase is not
// stored; it is derived from the most recent AI turn.
type Session struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	PersonaID      string     `json:"persona_id"`
	Title          string     `json:"title,omitempty"` // empty until derived from the first exchange
	LastActivityAt time.Time  `json:"last_activity_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// IsClosed reports whether the session has reached its terminal state.
func (s Session) IsClosed() bool {
	return s.ClosedAt != nil
}

// HasTitle reports whether a title has been assigned.
func (s Session) HasTitle() bool {
	return s.Title != ""
}

// Persona is the AI character a session talks to.
type Persona struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Instructions string    `json:"instructions"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// ValidateMessage performs validation on inbound user message text.
func ValidateMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return ErrMessageTooLong
	}
	return nil
}

// TruncateTitle trims s and cuts it to at most maxRunes runes. It returns
// DefaultTitle when nothing is left.
func TruncateTitle(s string, maxRunes int) string {
	s = strings.TrimSpace(s)
	if maxRunes > 0 && utf8.RuneCountInString(s) > maxRunes {
		runes := []rune(s)
		s = strings.TrimSpace(string(runes[:maxRunes]))
	}
	if s == "" {
		return DefaultTitle
	}
	return s
}
