package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// UnansweredTurnRecovery answers user turns that a crashed process left
// without a reply. Each one gets the degraded reply so every user turn in
// an open session is followed by an AI turn.
type UnansweredTurnRecovery struct {
	flow *CounselingFlow
}

// UnansweredTurnRecovery returns the recovery step for this engine.
func (f *CounselingFlow) UnansweredTurnRecovery() *UnansweredTurnRecovery {
	return &UnansweredTurnRecovery{flow: f}
}

// Name identifies the step in recovery logs.
func (r *UnansweredTurnRecovery) Name() string {
	return "unanswered-turns"
}

// Recover answers every user turn older than the recovery grace period that
// is still the latest turn of an open session. It returns how many were answered.
func (r *UnansweredTurnRecovery) Recover(ctx context.Context) (int, error) {
	f := r.flow
	cutoff := f.now().UTC().Add(-f.cfg.RecoveryGrace)
	turns, err := f.store.ListUnansweredTurns(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	answered := 0
	var errs []error
	for _, t := range turns {
		ok, err := r.answer(ctx, t.SessionID, t.ID)
		if err != nil {
			slog.Error("UnansweredTurnRecovery.Recover: failed to answer turn", "error", err, "sessionID", t.SessionID, "turnID", t.ID)
			errs = append(errs, err)
			continue
		}
		if ok {
			answered++
		}
	}
	if answered > 0 || len(errs) > 0 {
		slog.Info("UnansweredTurnRecovery.Recover: recovery finished", "answered", answered, "failed", len(errs), "cutoff", cutoff)
	}
	return answered, errors.Join(errs...)
}

// answer re-checks the session under its lock, since a live exchange may
// have replied after the turn was listed.
func (r *UnansweredTurnRecovery) answer(ctx context.Context, sessionID, turnID string) (bool, error) {
	f := r.flow
	unlock, err := f.locker.Lock(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	defer unlock()

	sess, err := f.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil || sess.IsClosed() {
		return false, nil
	}
	latest, err := f.store.ListTurns(ctx, sessionID, 1)
	if err != nil {
		return false, err
	}
	if len(latest) != 1 || latest[0].ID != turnID {
		return false, nil
	}
	count, err := f.store.CountTurns(ctx, sessionID)
	if err != nil {
		return false, err
	}

	if _, _, err := f.mutator.ApplyFailure(ctx, *sess, latest[0], count == 1); err != nil {
		return false, err
	}
	return true, nil
}
