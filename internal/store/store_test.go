package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/phase"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedPersona(t *testing.T, s Store, id string, active bool) models.Persona {
	t.Helper()
	p := models.Persona{ID: id, Name: "Persona " + id, Instructions: "be kind", Active: active, CreatedAt: base}
	require.NoError(t, s.SavePersona(context.Background(), p))
	return p
}

func seedSession(t *testing.T, s Store, userID, personaID string, lastActivity time.Time) models.Session {
	t.Helper()
	sess := models.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		PersonaID:      personaID,
		LastActivityAt: lastActivity,
		CreatedAt:      lastActivity,
	}
	require.NoError(t, s.CreateSession(context.Background(), sess))
	return sess
}

func turn(sessionID string, sender models.Sender, content string, ph phase.Phase, at time.Time) models.Turn {
	return models.Turn{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Sender:    sender,
		Content:   content,
		Phase:     ph,
		CreatedAt: at,
	}
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("Personas", func(t *testing.T) {
		s := newStore(t)
		missing, err := s.GetPersona(ctx, "nobody")
		require.NoError(t, err)
		assert.Nil(t, missing)

		seedPersona(t, s, "b-guide", true)
		seedPersona(t, s, "a-coach", false)

		got, err := s.GetPersona(ctx, "a-coach")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Persona a-coach", got.Name)
		assert.False(t, got.Active)

		updated := *got
		updated.Active = true
		updated.Instructions = "be brief"
		require.NoError(t, s.SavePersona(ctx, updated))
		got, err = s.GetPersona(ctx, "a-coach")
		require.NoError(t, err)
		assert.True(t, got.Active)
		assert.Equal(t, "be brief", got.Instructions)

		all, err := s.ListPersonas(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a-coach", all[0].ID)
		assert.Equal(t, "b-guide", all[1].ID)
	})

	t.Run("SessionOwnership", func(t *testing.T) {
		s := newStore(t)
		seedPersona(t, s, "p1", true)
		sess := seedSession(t, s, "alice", "p1", base)

		got, err := s.GetSessionForUser(ctx, sess.ID, "alice")
		require.NoError(t, err)
		assert.Equal(t, sess.ID, got.ID)
		assert.False(t, got.HasTitle())
		assert.False(t, got.IsClosed())

		_, err = s.GetSessionForUser(ctx, sess.ID, "mallory")
		assert.ErrorIs(t, err, models.ErrSessionNotOwned)

		_, err = s.GetSessionForUser(ctx, "no-such-session", "alice")
		assert.ErrorIs(t, err, models.ErrSessionNotFound)

		none, err := s.GetSession(ctx, "no-such-session")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	t.Run("TurnsInCreationOrder", func(t *testing.T) {
		s := newStore(t)
		seedPersona(t, s, "p1", true)
		sess := seedSession(t, s, "alice", "p1", base)

		for i := 0; i < 5; i++ {
			sender := models.SenderUser
			if i%2 == 1 {
				sender = models.SenderAI
			}
			require.NoError(t, s.AppendTurn(ctx, turn(sess.ID, sender, fmt.Sprintf("msg-%d", i), phase.Engagement, base.Add(time.Duration(i)*time.Second))))
		}

		n, err := s.CountTurns(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		all, err := s.ListTurns(ctx, sess.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i, tr := range all {
			assert.Equal(t, fmt.Sprintf("msg-%d", i), tr.Content)
		}

		recent, err := s.ListTurns(ctx, sess.ID, 2)
		require.NoError(t, err)
		require.Len(t, recent, 2)
		assert.Equal(t, "msg-3", recent[0].Content)
		assert.Equal(t, "msg-4", recent[1].Content)

		latest, err := s.LatestAITurn(ctx, sess.ID)
		require.NoError(t, err)
		require.NotNil(t, latest)
		assert.Equal(t, "msg-3", latest.Content)
		assert.Equal(t, phase.Engagement, latest.Phase)
	})

	t.Run("LatestAITurnNone", func(t *testing.T) {
		s := newStore(t)
		seedPersona(t, s, "p1", true)
		sess := seedSession(t, s, "alice", "p1", base)
		require.NoError(t, s.AppendTurn(ctx, turn(sess.ID, models.SenderUser, "hello", phase.Engagement, base)))

		latest, err := s.LatestAITurn(ctx, sess.ID)
		require.NoError(t, err)
		assert.Nil(t, latest)
	})

	t.Run("AppendTurnRejectsClosedAndMissing", func(t *testing.T) {
		s := newStore(t)
		seedPersona(t, s, "p1", true)
		sess := seedSession(t, s, "alice", "p1", base)

		err := s.AppendTurn(ctx, turn("missing", models.SenderUser, "hi", phase.Engagement, base))
		assert.ErrorIs(t, err, models.ErrSessionNotFound)

		closed := base.Add(time.Hour)
		sess.ClosedAt = &closed
		require.NoError(t, s.UpdateSession(ctx, sess))

		err = s.AppendTurn(ctx, turn(sess.ID, models.SenderUser, "hi", phase.Engagement, base))
		assert.ErrorIs(t, err, models.ErrSessionClosed)

		n, err := s.CountTurns(ctx, sess.ID)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("CommitAITurnAtomic", func(t *testing.T) {
		s := newStore(t)
		seedPersona(t, s, "p1", true)
		sess := seedSession(t, s, "alice", "p1", base)

		ai := turn(sess.ID, models.SenderAI, "welcome", phase.Exploration, base.Add(time.Minute))
		sess.Title = "Feeling stuck"
		sess.LastActivityAt = ai.CreatedAt
		require.NoError(t, s.CommitAITurn(ctx, ai, sess))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "Feeling stuck", got.Title)
		assert.True(t, got.LastActivityAt.Equal(ai.CreatedAt))

		latest, err := s.LatestAITurn(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, phase.Exploration, latest.Phase)

		// A closed session accepts neither the turn nor the session update.
		closedAt := base.Add(2 * time.Minute)
		closedSess := *got
		closedSess.ClosedAt = &closedAt
		require.NoError(t, s.UpdateSession(ctx, closedSess))

		late := turn(sess.ID, models.SenderAI, "too late", phase.Insight, base.Add(3*time.Minute))
		retitled := closedSess
		retitled.Title = "Changed"
		err = s.CommitAITurn(ctx, late, retitled)
		assert.ErrorIs(t, err, models.ErrSessionClosed)

		got, err = s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "Feeling stuck", got.Title)
		n, err := s.CountTurns(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("CommitAITurnRejectsUserTurn", func(t *testing.T) {
		s := newStore(t)
		seedPersona(t, s, "p1", true)
		sess := seedSession(t, s, "alice", "p1", base)
		err := s.CommitAITurn(ctx, turn(sess.ID, models.SenderUser, "hi", phase.Engagement, base), sess)
		assert.Error(t, err)
	})

	t.Run("ListSessionsMostRecentFirst", func(t *testing.T) {
		s := newStore(t)
		seedPersona(t, s, "p1", true)
		older := seedSession(t, s, "alice", "p1", base)
		newer := seedSession(t, s, "alice", "p1", base.Add(time.Hour))
		seedSession(t, s, "bob", "p1", base)

		list, err := s.ListSessions(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, newer.ID, list[0].ID)
		assert.Equal(t, older.ID, list[1].ID)
	})

	t.Run("ListAndCloseIdleSessions", func(t *testing.T) {
		s := newStore(t)
		seedPersona(t, s, "p1", true)
		idle := seedSession(t, s, "alice", "p1", base)
		older := seedSession(t, s, "bob", "p1", base.Add(-time.Hour))
		fresh := seedSession(t, s, "alice", "p1", base.Add(2*time.Hour))
		cutoff := base.Add(time.Hour)

		list, err := s.ListIdleSessions(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, older.ID, list[0].ID)
		assert.Equal(t, idle.ID, list[1].ID)

		now := base.Add(3 * time.Hour)
		closed, err := s.CloseSessionIfIdle(ctx, idle.ID, cutoff, now)
		require.NoError(t, err)
		assert.True(t, closed)

		got, err := s.GetSession(ctx, idle.ID)
		require.NoError(t, err)
		require.True(t, got.IsClosed())
		assert.True(t, got.ClosedAt.Equal(now))

		closed, err = s.CloseSessionIfIdle(ctx, idle.ID, cutoff, now)
		require.NoError(t, err)
		assert.False(t, closed, "already closed sessions are not closed again")

		closed, err = s.CloseSessionIfIdle(ctx, fresh.ID, cutoff, now)
		require.NoError(t, err)
		assert.False(t, closed)

		closed, err = s.CloseSessionIfIdle(ctx, "missing", cutoff, now)
		require.NoError(t, err)
		assert.False(t, closed)

		list, err = s.ListIdleSessions(ctx, cutoff)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, older.ID, list[0].ID)
	})

	t.Run("AppendTurnRefreshesActivity", func(t *testing.T) {
		s := newStore(t)
		seedPersona(t, s, "p1", true)
		sess := seedSession(t, s, "alice", "p1", base)
		cutoff := base.Add(time.Hour)

		// The user returns just before the session would count as idle.
		require.NoError(t, s.AppendTurn(ctx, turn(sess.ID, models.SenderUser, "back again", phase.Engagement, base.Add(2*time.Hour))))

		got, err := s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(base.Add(2*time.Hour)))

		list, err := s.ListIdleSessions(ctx, cutoff)
		require.NoError(t, err)
		assert.Empty(t, list)
		closed, err := s.CloseSessionIfIdle(ctx, sess.ID, cutoff, base.Add(3*time.Hour))
		require.NoError(t, err)
		assert.False(t, closed)

		// An older turn never moves activity backwards.
		require.NoError(t, s.AppendTurn(ctx, turn(sess.ID, models.SenderUser, "late write", phase.Engagement, base.Add(time.Minute))))
		got, err = s.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.True(t, got.LastActivityAt.Equal(base.Add(2*time.Hour)))
	})

	t.Run("ListUnansweredTurns", func(t *testing.T) {
		s := newStore(t)
		seedPersona(t, s, "p1", true)
		answered := seedSession(t, s, "alice", "p1", base)
		dangling := seedSession(t, s, "alice", "p1", base)
		recent := seedSession(t, s, "bob", "p1", base)
		closed := seedSession(t, s, "carol", "p1", base)

		require.NoError(t, s.AppendTurn(ctx, turn(answered.ID, models.SenderUser, "hi", phase.Engagement, base)))
		require.NoError(t, s.AppendTurn(ctx, turn(answered.ID, models.SenderAI, "hello", phase.Engagement, base.Add(time.Second))))
		orphan := turn(dangling.ID, models.SenderUser, "anyone there?", phase.Engagement, base.Add(time.Minute))
		require.NoError(t, s.AppendTurn(ctx, orphan))
		require.NoError(t, s.AppendTurn(ctx, turn(recent.ID, models.SenderUser, "just now", phase.Engagement, base.Add(time.Hour))))
		require.NoError(t, s.AppendTurn(ctx, turn(closed.ID, models.SenderUser, "bye", phase.Engagement, base)))
		closedAt := base.Add(2 * time.Minute)
		closed.ClosedAt = &closedAt
		require.NoError(t, s.UpdateSession(ctx, closed))

		got, err := s.ListUnansweredTurns(ctx, base.Add(30*time.Minute))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, orphan.ID, got[0].ID)
		assert.Equal(t, dangling.ID, got[0].SessionID)
	})

	t.Run("UpdateSessionMissing", func(t *testing.T) {
		s := newStore(t)
		err := s.UpdateSession(ctx, models.Session{ID: "nope", LastActivityAt: base})
		assert.ErrorIs(t, err, models.ErrSessionNotFound)
	})
}

func TestInMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewInMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewSQLiteStore(WithSQLiteDSN(filepath.Join(t.TempDir(), "nested", "counsel.db")))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "counsel.db")

	s1, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	seedPersona(t, s1, "p1", true)
	sess := seedSession(t, s1, "alice", "p1", base)
	require.NoError(t, s1.AppendTurn(ctx, turn(sess.ID, models.SenderUser, "hello", phase.Engagement, base)))
	require.NoError(t, s1.Close())

	// Migrations are idempotent and data survives a restart.
	s2, err := NewSQLiteStore(WithSQLiteDSN(dbPath))
	require.NoError(t, err)
	defer s2.Close()

	turns, err := s2.ListTurns(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hello", turns[0].Content)
}

func TestPostgresStore(t *testing.T) {
	// This test requires a running PostgreSQL instance.
	// Set the DATABASE_URL environment variable for connection string.
	connStr := getenvOrSkip(t, "DATABASE_URL")
	runStoreSuite(t, func(t *testing.T) Store {
		pgStore, err := NewPostgresStore(WithPostgresDSN(connStr))
		if err != nil {
			t.Skipf("Postgres not available: %v", err)
		}
		// Clean up tables before each test
		pgStore.db.Exec("DELETE FROM turns")
		pgStore.db.Exec("DELETE FROM sessions")
		pgStore.db.Exec("DELETE FROM personas")
		t.Cleanup(func() { pgStore.Close() })
		return pgStore
	})
}

func TestDetectDSNType(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@localhost/db":       "postgres",
		"postgresql://localhost/db":         "postgres",
		"host=localhost dbname=counsel":     "postgres",
		"/var/lib/counselpipe/state.db":     "sqlite3",
		"file:counsel.db?_busy_timeout=100": "sqlite3",
	}
	for dsn, want := range cases {
		assert.Equal(t, want, DetectDSNType(dsn), dsn)
	}
}

func TestOpen_EmptyDSNUsesMemory(t *testing.T) {
	s, err := Open("")
	require.NoError(t, err)
	_, ok := s.(*InMemoryStore)
	assert.True(t, ok)
}

func TestWithSQLiteParams(t *testing.T) {
	assert.Equal(t, "a.db?"+sqliteDSNParams, withSQLiteParams("a.db"))
	assert.Equal(t, "a.db?mode=rwc&"+sqliteDSNParams, withSQLiteParams("a.db?mode=rwc"))
	assert.Equal(t, "a.db?_busy_timeout=1", withSQLiteParams("a.db?_busy_timeout=1"))
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2", rebindDollar("SELECT * FROM t WHERE a = ? AND b = ?"))
	assert.Equal(t, "SELECT 1", rebindDollar("SELECT 1"))
}

func TestLocalSessionLocker_Serializes(t *testing.T) {
	l := NewLocalSessionLocker()
	ctx := context.Background()

	var mu sync.Mutex
	inside, maxInside := 0, 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "s1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxInside)
	assert.Zero(t, l.size(), "keys are released once unused")
}

func TestLocalSessionLocker_IndependentKeys(t *testing.T) {
	l := NewLocalSessionLocker()
	ctx := context.Background()
	u1, err := l.Lock(ctx, "s1")
	require.NoError(t, err)
	u2, err := l.Lock(ctx, "s2")
	require.NoError(t, err)
	u1()
	u2()
	u2() // unlock is idempotent
	assert.Zero(t, l.size())
}

func TestLocalSessionLocker_ContextCancelled(t *testing.T) {
	l := NewLocalSessionLocker()
	unlock, err := l.Lock(context.Background(), "s1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "s1")
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRedisSessionLocker(t *testing.T) {
	// Requires a running Redis; set REDIS_URL (e.g. redis://localhost:6379/0).
	url := getenvOrSkip(t, "REDIS_URL")
	ctx := context.Background()
	l, err := DialRedisSessionLocker(ctx, url, WithLockRetry(5*time.Millisecond), WithLockTTL(5*time.Second))
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer l.Close()

	id := uuid.NewString()
	unlock, err := l.Lock(ctx, id)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	_, err = l.Lock(waitCtx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock()
	unlock2, err := l.Lock(ctx, id)
	require.NoError(t, err)
	unlock2()
}

func TestRedisSessionLocker_HeldPastTTL(t *testing.T) {
	// Requires a running Redis; set REDIS_URL (e.g. redis://localhost:6379/0).
	url := getenvOrSkip(t, "REDIS_URL")
	ctx := context.Background()
	ttl := 150 * time.Millisecond
	l, err := DialRedisSessionLocker(ctx, url, WithLockRetry(5*time.Millisecond), WithLockTTL(ttl))
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	defer l.Close()

	id := uuid.NewString()
	unlock, err := l.Lock(ctx, id)
	require.NoError(t, err)

	// A slow exchange outlives several TTLs; nobody else may take the session meanwhile.
	waitCtx, cancel := context.WithTimeout(ctx, 4*ttl)
	defer cancel()
	_, err = l.Lock(waitCtx, id)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pttl, err := l.rdb.PTTL(ctx, lockKeyPrefix+id).Result()
	require.NoError(t, err)
	assert.Greater(t, pttl, time.Duration(0))

	unlock()
	exists, err := l.rdb.Exists(ctx, lockKeyPrefix+id).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestRefreshInterval(t *testing.T) {
	assert.Equal(t, 40*time.Second, refreshInterval(DefaultLockTTL))
	assert.Equal(t, 100*time.Millisecond, refreshInterval(300*time.Millisecond))
	assert.Equal(t, time.Millisecond, refreshInterval(0))
}

func getenvOrSkip(t *testing.T, key string) string {
	v := ""
	if val, ok := syscall.Getenv(key); ok {
		v = val
	}
	if v == "" {
		t.Skipf("env %s not set", key)
	}
	return v
}
