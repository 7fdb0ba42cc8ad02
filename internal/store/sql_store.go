package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
)

// dialect captures the SQL differences between the supported backends.
type dialect struct {
	name string
	// rebind converts ?-style placeholders to the driver's native form.
	rebind func(string) string
	// lockRow is appended to a SELECT that must hold the row until commit.
	lockRow string
}

// sqlStore implements Store on top of database/sql. SQLiteStore and
// PostgresStore embed it and only differ in connection setup and dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect
}

func (s *sqlStore) q(query string) string {
	if s.d.rebind == nil {
		return query
	}
	return s.d.rebind(query)
}

// Close closes the underlying database connection.
func (s *sqlStore) Close() error {
	slog.Debug("sqlStore.Close: closing database connection", "dialect", s.d.name)
	return s.db.Close()
}

// ---- Personas ----

func (s *sqlStore) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+personaColumns+` FROM personas WHERE id = ?`), id)
	p, err := scanPersona(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("sqlStore.GetPersona: query failed", "error", err, "personaID", id, "dialect", s.d.name)
		return nil, fmt.Errorf("failed to get persona %s: %w", id, err)
	}
	return &p, nil
}

func (s *sqlStore) SavePersona(ctx context.Context, p models.Persona) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO personas (id, name, instructions, active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			instructions = excluded.instructions,
			active = excluded.active`),
		p.ID, p.Name, p.Instructions, p.Active, p.CreatedAt.UTC())
	if err != nil {
		slog.Error("sqlStore.SavePersona: upsert failed", "error", err, "personaID", p.ID, "dialect", s.d.name)
		return fmt.Errorf("failed to save persona %s: %w", p.ID, err)
	}
	slog.Debug("sqlStore.SavePersona: persona saved", "personaID", p.ID, "active", p.Active)
	return nil
}

func (s *sqlStore) ListPersonas(ctx context.Context) ([]models.Persona, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+personaColumns+` FROM personas ORDER BY name, id`)
	if err != nil {
		slog.Error("sqlStore.ListPersonas: query failed", "error", err, "dialect", s.d.name)
		return nil, fmt.Errorf("failed to list personas: %w", err)
	}
	defer rows.Close()

	var personas []models.Persona
	for rows.Next() {
		p, err := scanPersona(rows)
		if err != nil {
			return nil, err
		}
		personas = append(personas, p)
	}
	return personas, rows.Err()
}

// ---- Turns ----

// ensureOpen verifies inside tx that the session exists and is not closed.
func (s *sqlStore) ensureOpen(ctx context.Context, tx *sql.Tx, sessionID string) error {
	var closedAt sql.NullTime
	err := tx.QueryRowContext(ctx, s.q(`SELECT closed_at FROM sessions WHERE id = ?`+s.d.lockRow), sessionID).Scan(&closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check session %s: %w", sessionID, err)
	}
	if closedAt.Valid {
		return models.ErrSessionClosed
	}
	return nil
}

func (s *sqlStore) insertTurn(ctx context.Context, tx *sql.Tx, t models.Turn) error {
	_, err := tx.ExecContext(ctx, s.q(`INSERT INTO turns (id, session_id, sender, content, phase, created_at) VALUES (?, ?, ?, ?, ?, ?)`),
		t.ID, t.SessionID, string(t.Sender), t.Content, string(t.Phase), t.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert turn %s: %w", t.ID, err)
	}
	return nil
}

// withTx runs fn in a transaction, committing on success and rolling back otherwise.
func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("sqlStore.withTx: rollback failed", "error", rbErr, "dialect", s.d.name)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *sqlStore) AppendTurn(ctx context.Context, t models.Turn) error {
	if !models.IsValidSender(t.Sender) {
		return fmt.Errorf("invalid sender %q", t.Sender)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureOpen(ctx, tx, t.SessionID); err != nil {
			return err
		}
		if err := s.insertTurn(ctx, tx, t); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`UPDATE sessions SET last_activity_at = ? WHERE id = ? AND last_activity_at < ?`),
			t.CreatedAt.UTC(), t.SessionID, t.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to touch session %s: %w", t.SessionID, err)
		}
		return nil
	})
	if err != nil {
		slog.Warn("sqlStore.AppendTurn: append failed", "error", err, "sessionID", t.SessionID, "sender", t.Sender)
		return err
	}
	slog.Debug("sqlStore.AppendTurn: turn stored", "sessionID", t.SessionID, "turnID", t.ID, "sender", t.Sender)
	return nil
}

func (s *sqlStore) LatestAITurn(ctx context.Context, sessionID string) (*models.Turn, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+turnColumns+` FROM turns WHERE session_id = ? AND sender = ? ORDER BY seq DESC LIMIT 1`),
		sessionID, string(models.SenderAI))
	t, err := scanTurn(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("sqlStore.LatestAITurn: query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to get latest AI turn for %s: %w", sessionID, err)
	}
	return &t, nil
}

func (s *sqlStore) ListTurns(ctx context.Context, sessionID string, limit int) ([]models.Turn, error) {
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.db.QueryContext(ctx, s.q(`
			SELECT `+turnColumns+` FROM (
				SELECT seq, `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY seq DESC LIMIT ?
			) recent ORDER BY seq ASC`), sessionID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, s.q(`SELECT `+turnColumns+` FROM turns WHERE session_id = ? ORDER BY seq ASC`), sessionID)
	}
	if err != nil {
		slog.Error("sqlStore.ListTurns: query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to list turns for %s: %w", sessionID, err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn failed: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}

func (s *sqlStore) CountTurns(ctx context.Context, sessionID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM turns WHERE session_id = ?`), sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count turns for %s: %w", sessionID, err)
	}
	return n, nil
}

func (s *sqlStore) ListUnansweredTurns(ctx context.Context, before time.Time) ([]models.Turn, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+turnColumns+` FROM turns
		WHERE seq IN (SELECT MAX(seq) FROM turns GROUP BY session_id)
			AND sender = ?
			AND created_at < ?
			AND session_id IN (SELECT id FROM sessions WHERE closed_at IS NULL)
		ORDER BY created_at, seq`), string(models.SenderUser), before.UTC())
	if err != nil {
		slog.Error("sqlStore.ListUnansweredTurns: query failed", "error", err, "dialect", s.d.name)
		return nil, fmt.Errorf("failed to list unanswered turns: %w", err)
	}
	defer rows.Close()

	var turns []models.Turn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("scan turn failed: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate turn rows: %w", err)
	}
	return turns, nil
}

// ---- Sessions ----

func (s *sqlStore) CreateSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.UserID, sess.PersonaID, nilIfEmpty(sess.Title), sess.LastActivityAt.UTC(), nilIfNoTime(sess.ClosedAt), sess.CreatedAt.UTC())
	if err != nil {
		slog.Error("sqlStore.CreateSession: insert failed", "error", err, "sessionID", sess.ID, "userID", sess.UserID)
		return fmt.Errorf("failed to create session %s: %w", sess.ID, err)
	}
	slog.Debug("sqlStore.CreateSession: session created", "sessionID", sess.ID, "userID", sess.UserID, "personaID", sess.PersonaID)
	return nil
}

func (s *sqlStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		slog.Error("sqlStore.GetSession: query failed", "error", err, "sessionID", id)
		return nil, fmt.Errorf("failed to get session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *sqlStore) GetSessionForUser(ctx context.Context, id, userID string) (*models.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return checkOwner(sess, userID)
}

func (s *sqlStore) UpdateSession(ctx context.Context, sess models.Session) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET title = ?, last_activity_at = ?, closed_at = ? WHERE id = ?`),
		nilIfEmpty(sess.Title), sess.LastActivityAt.UTC(), nilIfNoTime(sess.ClosedAt), sess.ID)
	if err != nil {
		slog.Error("sqlStore.UpdateSession: update failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *sqlStore) ListSessions(ctx context.Context, userID string) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY last_activity_at DESC, id`), userID)
	if err != nil {
		slog.Error("sqlStore.ListSessions: query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to list sessions for %s: %w", userID, err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session failed: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *sqlStore) ListIdleSessions(ctx context.Context, before time.Time) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE closed_at IS NULL AND last_activity_at < ? ORDER BY last_activity_at, id`), before.UTC())
	if err != nil {
		slog.Error("sqlStore.ListIdleSessions: query failed", "error", err)
		return nil, fmt.Errorf("failed to list idle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session failed: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *sqlStore) CloseSessionIfIdle(ctx context.Context, id string, before, closedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE sessions SET closed_at = ? WHERE id = ? AND closed_at IS NULL AND last_activity_at < ?`),
		closedAt.UTC(), id, before.UTC())
	if err != nil {
		slog.Error("sqlStore.CloseSessionIfIdle: update failed", "error", err, "sessionID", id)
		return false, fmt.Errorf("failed to close idle session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n > 0 {
		slog.Info("sqlStore.CloseSessionIfIdle: closed idle session", "sessionID", id, "before", before)
	}
	return n > 0, nil
}

func (s *sqlStore) CommitAITurn(ctx context.Context, turn models.Turn, sess models.Session) error {
	if turn.Sender != models.SenderAI {
		return fmt.Errorf("CommitAITurn requires an AI turn, got %q", turn.Sender)
	}
	if turn.SessionID != sess.ID {
		return fmt.Errorf("turn %s belongs to session %s, not %s", turn.ID, turn.SessionID, sess.ID)
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.ensureOpen(ctx, tx, sess.ID); err != nil {
			return err
		}
		if err := s.insertTurn(ctx, tx, turn); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`UPDATE sessions SET title = ?, last_activity_at = ?, closed_at = ? WHERE id = ?`),
			nilIfEmpty(sess.Title), sess.LastActivityAt.UTC(), nilIfNoTime(sess.ClosedAt), sess.ID)
		if err != nil {
			return fmt.Errorf("failed to update session %s: %w", sess.ID, err)
		}
		return nil
	})
	if err != nil {
		slog.Warn("sqlStore.CommitAITurn: commit failed", "error", err, "sessionID", sess.ID, "turnID", turn.ID)
		return err
	}
	slog.Debug("sqlStore.CommitAITurn: AI turn committed", "sessionID", sess.ID, "turnID", turn.ID, "phase", turn.Phase)
	return nil
}

// checkOwner maps a looked-up session to the ownership errors.
func checkOwner(sess *models.Session, userID string) (*models.Session, error) {
	if sess == nil {
		return nil, models.ErrSessionNotFound
	}
	if sess.UserID != userID {
		return nil, models.ErrSessionNotOwned
	}
	return sess, nil
}
