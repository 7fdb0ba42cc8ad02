package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/CounselPipe/internal/genai"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/phase"
	"github.com/BTreeMap/CounselPipe/internal/store"
)

// errReplyTooShort records a rejected blank or short reply as the attempt's cause.
var errReplyTooShort = errors.New("reply too short")

// Sleeper waits for d or until ctx is done, returning ctx.Err() in the latter case.
type Sleeper func(ctx context.Context, d time.Duration) error

// sleepContext is the default Sleeper, backed by a timer.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ReplyRequest describes one reply to obtain from the model.
type ReplyRequest struct {
	SessionID     string
	UserMessage   string
	PersonaPrompt string
	IsFirstTurn   bool
	// ExcludeTurnID keeps the just-persisted user turn out of the history,
	// since it is sent separately as the newest message.
	ExcludeTurnID string
}

// ResponseOrchestrator obtains an acceptable raw reply from the completion
// client, retrying with linear backoff.
type ResponseOrchestrator struct {
	client genai.ClientInterface
	turns  store.TurnStore
	cfg    Config
	sleep  Sleeper
}

// NewResponseOrchestrator creates an orchestrator. A nil sleeper uses a real timer.
func NewResponseOrchestrator(client genai.ClientInterface, turns store.TurnStore, cfg Config, sleep Sleeper) *ResponseOrchestrator {
	if sleep == nil {
		sleep = sleepContext
	}
	return &ResponseOrchestrator{client: client, turns: turns, cfg: cfg.withDefaults(), sleep: sleep}
}

// RequestReply builds the prompt and history for req and calls the model up to
// MaxAttempts times. It returns the first reply whose trimmed rune count exceeds
// MinReplyLength. Exhaustion and cancellation are reported as an error matching
// models.ErrTransientUpstream. Store failures are returned as-is.
func (o *ResponseOrchestrator) RequestReply(ctx context.Context, req ReplyRequest) (string, error) {
	history, err := o.loadHistory(ctx, req.SessionID, req.ExcludeTurnID)
	if err != nil {
		return "", err
	}

	lastPhase := phase.Initial()
	latest, err := o.turns.LatestAITurn(ctx, req.SessionID)
	if err != nil {
		return "", fmt.Errorf("failed to load latest AI turn: %w", err)
	}
	if latest != nil && latest.Phase.Valid() {
		lastPhase = latest.Phase
	}

	systemPrompt := BuildSystemPrompt(
		req.PersonaPrompt,
		lastPhase,
		phase.ReachableFrom(lastPhase),
		SummarizeHistory(history, o.cfg.SummaryTurns),
		req.IsFirstTurn,
	)
	messages := toGenAIMessages(history)

	slog.Debug("ResponseOrchestrator.RequestReply: requesting reply",
		"sessionID", req.SessionID, "lastPhase", lastPhase, "historyLength", len(messages),
		"isFirstTurn", req.IsFirstTurn, "maxAttempts", o.cfg.MaxAttempts)

	var lastErr error
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %w", models.ErrTransientUpstream, err)
		}

		reply, err := o.client.Complete(ctx, systemPrompt, messages, req.UserMessage)
		switch {
		case err != nil:
			lastErr = err
			slog.Warn("ResponseOrchestrator.RequestReply: completion failed",
				"sessionID", req.SessionID, "attempt", attempt, "error", err)
		case !o.acceptable(reply):
			lastErr = errReplyTooShort
			slog.Warn("ResponseOrchestrator.RequestReply: reply rejected as too short",
				"sessionID", req.SessionID, "attempt", attempt, "replyLength", utf8.RuneCountInString(strings.TrimSpace(reply)))
		default:
			slog.Debug("ResponseOrchestrator.RequestReply: reply accepted",
				"sessionID", req.SessionID, "attempt", attempt, "replyLength", len(reply))
			return reply, nil
		}

		if attempt < o.cfg.MaxAttempts {
			delay := o.cfg.BaseDelay * time.Duration(attempt)
			if err := o.sleep(ctx, delay); err != nil {
				return "", fmt.Errorf("%w: %w", models.ErrTransientUpstream, err)
			}
		}
	}

	slog.Error("ResponseOrchestrator.RequestReply: attempts exhausted",
		"sessionID", req.SessionID, "attempts", o.cfg.MaxAttempts, "error", lastErr)
	return "", fmt.Errorf("%w after %d attempts: %w", models.ErrTransientUpstream, o.cfg.MaxAttempts, lastErr)
}

func (o *ResponseOrchestrator) acceptable(reply string) bool {
	return utf8.RuneCountInString(strings.TrimSpace(reply)) > o.cfg.MinReplyLength
}

// loadHistory returns up to HistoryLimit turns in creation order, without excludeID.
func (o *ResponseOrchestrator) loadHistory(ctx context.Context, sessionID, excludeID string) ([]models.Turn, error) {
	if o.cfg.HistoryLimit == 0 {
		return nil, nil
	}
	turns, err := o.turns.ListTurns(ctx, sessionID, o.cfg.HistoryLimit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	history := make([]models.Turn, 0, len(turns))
	for _, t := range turns {
		if excludeID != "" && t.ID == excludeID {
			continue
		}
		history = append(history, t)
	}
	if len(history) > o.cfg.HistoryLimit {
		history = history[len(history)-o.cfg.HistoryLimit:]
	}
	return history, nil
}

func toGenAIMessages(turns []models.Turn) []genai.Message {
	if len(turns) == 0 {
		return nil
	}
	out := make([]genai.Message, len(turns))
	for i, t := range turns {
		role := genai.RoleUser
		if t.IsAI() {
			role = genai.RoleAssistant
		}
		out[i] = genai.Message{Role: role, Content: t.Content}
	}
	return out
}
