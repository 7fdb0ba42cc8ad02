// Package flow implements the counseling conversation engine: prompt
// assembly, the retrying reply orchestrator, response parsing, phase
// validation and the session mutations that persist each exchange.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/BTreeMap/CounselPipe/internal/genai"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/phase"
	"github.com/BTreeMap/CounselPipe/internal/store"
)

// ErrUserIDRequired is returned when a session operation has no user.
var ErrUserIDRequired = errors.New("user ID cannot be empty")

// Exchange is the result of one user message.
type Exchange struct {
	UserTurn models.Turn
	AITurn   models.Turn
	Session  models.Session
	// Degraded is true when the AI turn is the fixed degraded-service reply.
	Degraded bool
}

// Options configures a CounselingFlow.
type Options struct {
	Config Config
	Locker store.SessionLocker
	Sleep  Sleeper
	Now    func() time.Time
	NewID  func() string
}

// Option configures a CounselingFlow.
type Option func(*Options)

// WithConfig sets the engine tunables.
func WithConfig(cfg Config) Option {
	return func(o *Options) { o.Config = cfg }
}

// WithLocker sets the per-session write lock.
func WithLocker(l store.SessionLocker) Option {
	return func(o *Options) { o.Locker = l }
}

// WithSleeper replaces the backoff timer.
func WithSleeper(s Sleeper) Option {
	return func(o *Options) { o.Sleep = s }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *Options) { o.Now = now }
}

// WithIDGenerator replaces UUID generation for turns and sessions.
func WithIDGenerator(newID func() string) Option {
	return func(o *Options) { o.NewID = newID }
}

// CounselingFlow runs counseling sessions end to end.
type CounselingFlow struct {
	store        store.Store
	orchestrator *ResponseOrchestrator
	mutator      *SessionMutator
	locker       store.SessionLocker
	cfg          Config
	now          func() time.Time
	newID        func() string
}

// NewCounselingFlow wires the engine over a store and a completion client.
func NewCounselingFlow(st store.Store, client genai.ClientInterface, opts ...Option) *CounselingFlow {
	o := Options{Config: DefaultConfig()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Locker == nil {
		o.Locker = store.NewLocalSessionLocker()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	cfg := o.Config.withDefaults()

	mutator := NewSessionMutator(st, st, cfg)
	mutator.now = o.Now
	mutator.newID = o.NewID

	slog.Debug("CounselingFlow.NewCounselingFlow: engine created",
		"maxAttempts", cfg.MaxAttempts, "baseDelay", cfg.BaseDelay, "minReplyLength", cfg.MinReplyLength,
		"historyLimit", cfg.HistoryLimit, "titleMaxLength", cfg.TitleMaxLength)

	return &CounselingFlow{
		store:        st,
		orchestrator: NewResponseOrchestrator(client, st, cfg, o.Sleep),
		mutator:      mutator,
		locker:       o.Locker,
		cfg:          cfg,
		now:          o.Now,
		newID:        o.NewID,
	}
}

// StartSession opens a new, untitled session between userID and an active persona.
func (f *CounselingFlow) StartSession(ctx context.Context, userID, personaID string) (models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return models.Session{}, ErrUserIDRequired
	}
	if _, err := f.activePersona(ctx, personaID); err != nil {
		return models.Session{}, err
	}

	now := f.now().UTC()
	sess := models.Session{
		ID:             f.newID(),
		UserID:         userID,
		PersonaID:      personaID,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := f.store.CreateSession(ctx, sess); err != nil {
		return models.Session{}, fmt.Errorf("failed to start session: %w", err)
	}
	slog.Info("CounselingFlow.StartSession: session started", "sessionID", sess.ID, "userID", userID, "personaID", personaID)
	return sess, nil
}

// SendMessage runs one exchange: it persists the user's message, obtains and
// parses a reply and commits the AI turn with the session update. Once the
// preconditions pass the caller always gets an AI turn; a failed reply
// request, upstream or store, produces the degraded reply instead of an error.
func (f *CounselingFlow) SendMessage(ctx context.Context, userID, sessionID, text string) (*Exchange, error) {
	if err := models.ValidateMessage(text); err != nil {
		return nil, err
	}

	unlock, err := f.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	defer unlock()

	sess, err := f.store.GetSessionForUser(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if sess.IsClosed() {
		return nil, models.ErrSessionClosed
	}
	persona, err := f.activePersona(ctx, sess.PersonaID)
	if err != nil {
		return nil, err
	}

	priorTurns, err := f.store.CountTurns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to count turns: %w", err)
	}
	isFirstTurn := priorTurns == 0

	lastPhase, err := f.lastPhase(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	userTurn := models.Turn{
		ID:        f.newID(),
		SessionID: sessionID,
		Sender:    models.SenderUser,
		Content:   text,
		Phase:     lastPhase,
		CreatedAt: f.now().UTC(),
	}
	if err := f.store.AppendTurn(ctx, userTurn); err != nil {
		return nil, fmt.Errorf("failed to store user turn: %w", err)
	}

	reply, err := f.orchestrator.RequestReply(ctx, ReplyRequest{
		SessionID:     sessionID,
		UserMessage:   text,
		PersonaPrompt: persona.Instructions,
		IsFirstTurn:   isFirstTurn,
		ExcludeTurnID: userTurn.ID,
	})
	if err != nil {
		if errors.Is(err, models.ErrTransientUpstream) {
			slog.Warn("CounselingFlow.SendMessage: upstream failed, storing degraded reply", "sessionID", sessionID, "error", err)
		} else {
			slog.Error("CounselingFlow.SendMessage: reply request failed, storing degraded reply", "sessionID", sessionID, "error", err)
		}
		// The user turn is stored, so a reply is owed whatever failed, including the caller's context.
		aiTurn, updated, ferr := f.mutator.ApplyFailure(context.WithoutCancel(ctx), *sess, userTurn, isFirstTurn)
		if ferr != nil {
			// Left for UnansweredTurnRecovery.
			return nil, errors.Join(fmt.Errorf("failed to request reply: %w", err), ferr)
		}
		return &Exchange{UserTurn: userTurn, AITurn: aiTurn, Session: updated, Degraded: true}, nil
	}

	outcome := ParseResponse(reply, isFirstTurn)
	result, err := f.mutator.ResolvePhase(ctx, sessionID, outcome.Phase)
	if err != nil {
		return nil, err
	}
	aiTurn, updated, err := f.mutator.ApplyOutcome(ctx, *sess, outcome, result, isFirstTurn)
	if err != nil {
		return nil, err
	}

	slog.Info("CounselingFlow.SendMessage: exchange completed",
		"sessionID", sessionID, "phase", aiTurn.Phase, "previousPhase", result.PreviousPhase, "closed", updated.IsClosed())
	return &Exchange{UserTurn: userTurn, AITurn: aiTurn, Session: updated}, nil
}

// CurrentPhase derives the session's phase from its latest AI turn.
func (f *CounselingFlow) CurrentPhase(ctx context.Context, sessionID string) (phase.Phase, error) {
	sess, err := f.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess == nil {
		return "", models.ErrSessionNotFound
	}
	return f.lastPhase(ctx, sessionID)
}

// History returns every turn of a session the user owns, in creation order.
func (f *CounselingFlow) History(ctx context.Context, userID, sessionID string) ([]models.Turn, error) {
	if _, err := f.store.GetSessionForUser(ctx, sessionID, userID); err != nil {
		return nil, err
	}
	return f.store.ListTurns(ctx, sessionID, 0)
}

// Sessions lists the user's sessions, most recently active first.
func (f *CounselingFlow) Sessions(ctx context.Context, userID string) ([]models.Session, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserIDRequired
	}
	return f.store.ListSessions(ctx, userID)
}

// EndSession closes a session at the user's request. Closing an already
// closed session returns it unchanged.
func (f *CounselingFlow) EndSession(ctx context.Context, userID, sessionID string) (models.Session, error) {
	unlock, err := f.locker.Lock(ctx, sessionID)
	if err != nil {
		return models.Session{}, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	defer unlock()

	sess, err := f.store.GetSessionForUser(ctx, sessionID, userID)
	if err != nil {
		return models.Session{}, err
	}
	if sess.IsClosed() {
		return *sess, nil
	}
	closedAt := f.now().UTC()
	sess.ClosedAt = &closedAt
	if err := f.store.UpdateSession(ctx, *sess); err != nil {
		return models.Session{}, fmt.Errorf("failed to end session: %w", err)
	}
	slog.Info("CounselingFlow.EndSession: session ended", "sessionID", sessionID, "userID", userID)
	return *sess, nil
}

func (f *CounselingFlow) activePersona(ctx context.Context, personaID string) (*models.Persona, error) {
	p, err := f.store.GetPersona(ctx, personaID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, models.ErrPersonaNotFound
	}
	if !p.Active {
		return nil, models.ErrPersonaInactive
	}
	return p, nil
}

func (f *CounselingFlow) lastPhase(ctx context.Context, sessionID string) (phase.Phase, error) {
	latest, err := f.store.LatestAITurn(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load latest AI turn: %w", err)
	}
	if latest == nil || !latest.Phase.Valid() {
		return phase.Initial(), nil
	}
	return latest.Phase, nil
}
