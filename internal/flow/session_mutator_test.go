package flow

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/phase"
)

func newMutatorFixture(t *testing.T) (*SessionMutator, *fixture, models.Session) {
	t.Helper()
	fx := newFixture(t, newScriptedClient())
	sess := fx.startSession(t)
	m := NewSessionMutator(fx.store, fx.store, DefaultConfig())
	m.now = fx.clock.now
	return m, fx, sess
}

func TestResolvePhase_DefaultsToInitial(t *testing.T) {
	m, _, sess := newMutatorFixture(t)
	res, err := m.ResolvePhase(context.Background(), sess.ID, phase.Insight)
	require.NoError(t, err)
	assert.Equal(t, phase.Engagement, res.PreviousPhase)
	assert.Equal(t, phase.Insight, res.CurrentPhase)
	assert.Equal(t, phase.All(), res.Reachable)
}

func TestResolvePhase_ClampsRegression(t *testing.T) {
	m, fx, sess := newMutatorFixture(t)
	fx.seedExchange(t, sess.ID, phase.Insight)

	res, err := m.ResolvePhase(context.Background(), sess.ID, phase.Exploration)
	require.NoError(t, err)
	assert.Equal(t, phase.Insight, res.PreviousPhase)
	assert.Equal(t, phase.Insight, res.CurrentPhase)
	assert.Equal(t, []phase.Phase{phase.Insight, phase.Action, phase.Closing}, res.Reachable)

	res, err = m.ResolvePhase(context.Background(), sess.ID, phase.Phase("BOGUS"))
	require.NoError(t, err)
	assert.Equal(t, phase.Insight, res.CurrentPhase)

	res, err = m.ResolvePhase(context.Background(), sess.ID, phase.Closing)
	require.NoError(t, err)
	assert.Equal(t, phase.Closing, res.CurrentPhase, "skipping ahead is allowed")
}

func TestApplyOutcome_FirstTurnTitle(t *testing.T) {
	m, fx, sess := newMutatorFixture(t)
	ctx := context.Background()

	outcome := ParsedOutcome{Content: "Welcome.", Phase: phase.Engagement, Title: "  " + strings.Repeat("t", 80) + "  "}
	res := PhaseResult{CurrentPhase: phase.Engagement, PreviousPhase: phase.Engagement, Reachable: phase.All()}
	turn, updated, err := m.ApplyOutcome(ctx, sess, outcome, res, true)
	require.NoError(t, err)

	assert.Equal(t, models.SenderAI, turn.Sender)
	assert.Equal(t, "Welcome.", turn.Content)
	assert.Equal(t, phase.Engagement, turn.Phase)
	assert.Equal(t, DefaultTitleMaxLength, utf8.RuneCountInString(updated.Title))
	assert.True(t, updated.LastActivityAt.After(sess.LastActivityAt))
	assert.False(t, updated.IsClosed())

	stored, err := fx.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Title, stored.Title)
}

func TestApplyOutcome_BlankTitleUsesDefault(t *testing.T) {
	m, _, sess := newMutatorFixture(t)
	outcome := ParsedOutcome{Content: "Welcome.", Phase: phase.Engagement, Title: "   "}
	res := PhaseResult{CurrentPhase: phase.Engagement}
	_, updated, err := m.ApplyOutcome(context.Background(), sess, outcome, res, true)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultTitle, updated.Title)
}

func TestApplyOutcome_TitleIgnoredAfterFirstTurn(t *testing.T) {
	m, _, sess := newMutatorFixture(t)
	outcome := ParsedOutcome{Content: "Go on.", Phase: phase.Engagement, Title: "Should not apply"}
	_, updated, err := m.ApplyOutcome(context.Background(), sess, outcome, PhaseResult{CurrentPhase: phase.Engagement}, false)
	require.NoError(t, err)
	assert.False(t, updated.HasTitle())
}

func TestApplyOutcome_ShouldEndClosesSession(t *testing.T) {
	m, fx, sess := newMutatorFixture(t)
	ctx := context.Background()
	outcome := ParsedOutcome{Content: "Goodbye, take care.", Phase: phase.Closing, ShouldEnd: true}
	_, updated, err := m.ApplyOutcome(ctx, sess, outcome, PhaseResult{CurrentPhase: phase.Closing}, false)
	require.NoError(t, err)
	require.True(t, updated.IsClosed())
	assert.True(t, updated.ClosedAt.Equal(updated.LastActivityAt))

	stored, err := fx.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsClosed())

	// Nothing further may be appended.
	_, _, err = m.ApplyOutcome(ctx, *stored, ParsedOutcome{Content: "late"}, PhaseResult{CurrentPhase: phase.Closing}, false)
	assert.ErrorIs(t, err, models.ErrSessionClosed)
}

func TestApplyFailure(t *testing.T) {
	m, fx, sess := newMutatorFixture(t)
	ctx := context.Background()
	userTurn := models.Turn{ID: "u1", SessionID: sess.ID, Sender: models.SenderUser, Content: "  I feel overwhelmed at work lately and cannot switch off at night  ", Phase: phase.Exploration}
	require.NoError(t, fx.store.AppendTurn(ctx, userTurn))

	turn, updated, err := m.ApplyFailure(ctx, sess, userTurn, true)
	require.NoError(t, err)
	assert.Equal(t, DegradedReplyText, turn.Content)
	assert.Equal(t, phase.Exploration, turn.Phase, "tagged with the user turn's phase")
	assert.Equal(t, models.TruncateTitle(userTurn.Content, DefaultTitleMaxLength), updated.Title)
	assert.LessOrEqual(t, utf8.RuneCountInString(updated.Title), DefaultTitleMaxLength)
	assert.False(t, updated.IsClosed())
	assert.True(t, updated.LastActivityAt.After(sess.LastActivityAt))
}

func TestApplyFailure_LaterTurnKeepsTitle(t *testing.T) {
	m, _, sess := newMutatorFixture(t)
	sess.Title = "Existing"
	userTurn := models.Turn{ID: "u1", SessionID: sess.ID, Sender: models.SenderUser, Content: "more", Phase: phase.Insight}
	_, updated, err := m.ApplyFailure(context.Background(), sess, userTurn, false)
	require.NoError(t, err)
	assert.Equal(t, "Existing", updated.Title)
}
