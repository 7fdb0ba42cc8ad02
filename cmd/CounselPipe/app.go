package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/config"
	"github.com/BTreeMap/CounselPipe/internal/flow"
	"github.com/BTreeMap/CounselPipe/internal/genai"
	"github.com/BTreeMap/CounselPipe/internal/persona"
	"github.com/BTreeMap/CounselPipe/internal/recovery"
	"github.com/BTreeMap/CounselPipe/internal/store"
)

// newCompletionClient builds the model client for chat. Tests replace it.
var newCompletionClient = func(cfg config.Config) (genai.ClientInterface, error) {
	return genai.NewClient(cfg.GenAIOptions()...)
}

// app is the wired runtime shared by the subcommands.
type app struct {
	store   store.Store
	flow    *flow.CounselingFlow
	closers []func() error
}

// openApp opens the store, the session locker and the engine. client may be
// nil for commands that never send messages.
func openApp(ctx context.Context, cfg config.Config, client genai.ClientInterface) (*app, error) {
	st, err := store.Open(cfg.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a := &app{store: st, closers: []func() error{st.Close}}

	var locker store.SessionLocker = store.NewLocalSessionLocker()
	if cfg.RedisURL != "" {
		rl, err := store.DialRedisSessionLocker(ctx, cfg.RedisURL, store.WithLockTTL(cfg.SessionLockTTL()))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to connect session locker: %w", err)
		}
		a.closers = append(a.closers, rl.Close)
		locker = rl
		slog.Debug("app.openApp: using Redis session locker", "lockTTL", cfg.SessionLockTTL())
	}

	a.flow = flow.NewCounselingFlow(st, client, flow.WithConfig(cfg.Flow), flow.WithLocker(locker))
	return a, nil
}

// ensurePersonas seeds the configured catalog when the store has no personas yet.
func (a *app) ensurePersonas(ctx context.Context, cfg config.Config) error {
	existing, err := a.store.ListPersonas(ctx)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	catalog, err := persona.LoadFile(cfg.PersonasFile)
	if err != nil {
		return err
	}
	_, err = persona.Seed(ctx, a.store, catalog, time.Now())
	return err
}

// recoverState answers user turns a crashed process left without a reply.
func (a *app) recoverState(ctx context.Context) (int, error) {
	results, err := recovery.NewManager(a.flow.UnansweredTurnRecovery()).RecoverAll(ctx)
	return recovery.Total(results), err
}

// Close releases everything openApp acquired, newest first.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
