package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/store"
)

// IdleSessionCloser periodically closes open sessions that have been
// inactive for longer than the TTL.
type IdleSessionCloser struct {
	sessions store.SessionStore
	locker   store.SessionLocker
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

// NewIdleSessionCloser creates a closer. Each session is closed under locker
// so an exchange in progress finishes first. A nil locker uses an in-process
// one. Non-positive ttl or interval use the defaults.
func NewIdleSessionCloser(sessions store.SessionStore, locker store.SessionLocker, ttl, interval time.Duration) *IdleSessionCloser {
	if locker == nil {
		locker = store.NewLocalSessionLocker()
	}
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &IdleSessionCloser{sessions: sessions, locker: locker, ttl: ttl, interval: interval, now: time.Now}
}

// IdleSessionCloser returns a closer sharing this engine's store, session
// locker, clock and idle settings.
func (f *CounselingFlow) IdleSessionCloser() *IdleSessionCloser {
	c := NewIdleSessionCloser(f.store, f.locker, f.cfg.IdleTTL, f.cfg.SweepInterval)
	c.now = f.now
	return c
}

// Run sweeps once per interval. It blocks until the context is cancelled.
func (c *IdleSessionCloser) Run(ctx context.Context) {
	slog.Info("IdleSessionCloser.Run: starting idle session closer", "ttl", c.ttl, "interval", c.interval)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("IdleSessionCloser.Run: stopping")
			return
		case <-ticker.C:
			if _, err := c.SweepOnce(ctx); err != nil {
				slog.Error("IdleSessionCloser.Run: sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce closes every open session idle for longer than the TTL and
// returns how many were closed. Idleness is checked again under the
// session's lock, so a session whose user wrote after the listing stays open.
func (c *IdleSessionCloser) SweepOnce(ctx context.Context) (int64, error) {
	now := c.now().UTC()
	cutoff := now.Add(-c.ttl)
	candidates, err := c.sessions.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var n int64
	var errs []error
	for _, sess := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		closed, err := c.closeOne(ctx, sess.ID, cutoff)
		if err != nil {
			slog.Error("IdleSessionCloser.SweepOnce: failed to close session", "error", err, "sessionID", sess.ID)
			errs = append(errs, err)
			continue
		}
		if closed {
			n++
		}
	}
	slog.Debug("IdleSessionCloser.SweepOnce: sweep finished", "candidates", len(candidates), "closed", n, "cutoff", cutoff)
	return n, errors.Join(errs...)
}

func (c *IdleSessionCloser) closeOne(ctx context.Context, sessionID string, cutoff time.Time) (bool, error) {
	unlock, err := c.locker.Lock(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	defer unlock()
	// The clock is read after the lock so closedAt follows any exchange that held it.
	return c.sessions.CloseSessionIfIdle(ctx, sessionID, cutoff, c.now().UTC())
}
