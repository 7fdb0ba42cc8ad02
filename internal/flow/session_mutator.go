package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/phase"
	"github.com/BTreeMap/CounselPipe/internal/store"
)

// DegradedReplyText is the AI turn stored when no acceptable reply could be obtained.
const DegradedReplyText = "I'm having trouble responding right now. Please give me a moment and try again."

// PhaseResult is the outcome of validating a proposed phase.
type PhaseResult struct {
	CurrentPhase  phase.Phase
	PreviousPhase phase.Phase
	Reachable     []phase.Phase
}

// SessionMutator clamps phase proposals and is the only writer of session
// state after creation. Every mutation is committed together with its AI turn.
type SessionMutator struct {
	turns    store.TurnStore
	sessions store.SessionStore
	cfg      Config
	now      func() time.Time
	newID    func() string
}

// NewSessionMutator creates a mutator using the wall clock and random UUIDs.
func NewSessionMutator(turns store.TurnStore, sessions store.SessionStore, cfg Config) *SessionMutator {
	return &SessionMutator{
		turns:    turns,
		sessions: sessions,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// ResolvePhase accepts proposed when it does not precede the phase of the
// session's latest AI turn, and keeps the previous phase otherwise.
func (m *SessionMutator) ResolvePhase(ctx context.Context, sessionID string, proposed phase.Phase) (PhaseResult, error) {
	previous := phase.Initial()
	latest, err := m.turns.LatestAITurn(ctx, sessionID)
	if err != nil {
		return PhaseResult{}, fmt.Errorf("failed to load latest AI turn: %w", err)
	}
	if latest != nil && latest.Phase.Valid() {
		previous = latest.Phase
	}

	current := phase.AtLeast(proposed, previous)
	if current != proposed {
		slog.Info("SessionMutator.ResolvePhase: phase regression clamped",
			"sessionID", sessionID, "proposed", proposed, "previous", previous)
	}
	return PhaseResult{
		CurrentPhase:  current,
		PreviousPhase: previous,
		Reachable:     phase.ReachableFrom(previous),
	}, nil
}

// ApplyOutcome creates the AI turn for outcome and updates the session: the
// title on the first turn, the activity timestamp always, and the close
// timestamp when the model ended the session. Turn and session are committed
// atomically.
func (m *SessionMutator) ApplyOutcome(ctx context.Context, session models.Session, outcome ParsedOutcome, result PhaseResult, isFirstTurn bool) (models.Turn, models.Session, error) {
	now := m.now().UTC()
	updated := session
	if isFirstTurn && outcome.Title != "" {
		updated.Title = models.TruncateTitle(outcome.Title, m.cfg.TitleMaxLength)
	}
	updated.LastActivityAt = now
	if outcome.ShouldEnd {
		closedAt := now
		updated.ClosedAt = &closedAt
	}

	turn := models.Turn{
		ID:        m.newID(),
		SessionID: session.ID,
		Sender:    models.SenderAI,
		Content:   outcome.Content,
		Phase:     result.CurrentPhase,
		CreatedAt: now,
	}
	if err := m.sessions.CommitAITurn(ctx, turn, updated); err != nil {
		return models.Turn{}, session, fmt.Errorf("failed to commit AI turn: %w", err)
	}

	slog.Debug("SessionMutator.ApplyOutcome: outcome applied",
		"sessionID", session.ID, "phase", turn.Phase, "titleSet", updated.Title != session.Title, "closed", outcome.ShouldEnd)
	return turn, updated, nil
}

// ApplyFailure stores the degraded-service reply, tagged with the user
// turn's phase. On the first exchange the title is derived from the user's
// message. The session is never closed here.
func (m *SessionMutator) ApplyFailure(ctx context.Context, session models.Session, userTurn models.Turn, isFirstTurn bool) (models.Turn, models.Session, error) {
	now := m.now().UTC()
	updated := session
	if isFirstTurn {
		updated.Title = models.TruncateTitle(userTurn.Content, m.cfg.TitleMaxLength)
	}
	updated.LastActivityAt = now

	turn := models.Turn{
		ID:        m.newID(),
		SessionID: session.ID,
		Sender:    models.SenderAI,
		Content:   DegradedReplyText,
		Phase:     userTurn.Phase,
		CreatedAt: now,
	}
	if err := m.sessions.CommitAITurn(ctx, turn, updated); err != nil {
		return models.Turn{}, session, fmt.Errorf("failed to commit degraded AI turn: %w", err)
	}

	slog.Warn("SessionMutator.ApplyFailure: degraded reply stored", "sessionID", session.ID, "phase", turn.Phase)
	return turn, updated, nil
}
