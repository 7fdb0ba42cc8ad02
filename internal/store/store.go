// Package store provides storage backends for CounselPipe.
//
// It defines the narrow persistence interfaces the flow engine consumes
// (personas, turns, sessions) and ships in-memory, SQLite and PostgreSQL
// implementations of them.
package store

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
)

// PersonaStore looks up and stores AI personas.
type PersonaStore interface {
	// GetPersona returns the persona, or nil if it does not exist.
	GetPersona(ctx context.Context, id string) (*models.Persona, error)
	// SavePersona creates or replaces a persona.
	SavePersona(ctx context.Context, p models.Persona) error
	// ListPersonas returns all personas ordered by name.
	ListPersonas(ctx context.Context) ([]models.Persona, error)
}

// TurnStore appends and reads conversation turns.
type TurnStore interface {
	// AppendTurn stores a turn and advances the session's last activity to the
	// turn's creation time in the same transaction. It fails with
	// models.ErrSessionClosed when the session is closed and
	// models.ErrSessionNotFound when it does not exist.
	AppendTurn(ctx context.Context, t models.Turn) error
	// LatestAITurn returns the most recent AI turn of a session, or nil if none exists.
	LatestAITurn(ctx context.Context, sessionID string) (*models.Turn, error)
	// ListTurns returns turns in creation order. When limit > 0 only the most
	// recent limit turns are returned, still in creation order.
	ListTurns(ctx context.Context, sessionID string, limit int) ([]models.Turn, error)
	// CountTurns returns the number of turns in a session.
	CountTurns(ctx context.Context, sessionID string) (int, error)
	// ListUnansweredTurns returns, oldest first, the user turns created before
	// the cutoff that are the latest turn of an open session.
	ListUnansweredTurns(ctx context.Context, before time.Time) ([]models.Turn, error)
}

// SessionStore reads and mutates sessions.
type SessionStore interface {
	// CreateSession stores a new session.
	CreateSession(ctx context.Context, s models.Session) error
	// GetSession returns the session, or nil if it does not exist.
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// GetSessionForUser returns the session if it belongs to userID. It fails with
	// models.ErrSessionNotFound or models.ErrSessionNotOwned.
	GetSessionForUser(ctx context.Context, id, userID string) (*models.Session, error)
	// UpdateSession persists title, last activity and close timestamp.
	UpdateSession(ctx context.Context, s models.Session) error
	// ListSessions returns a user's sessions, most recently active first.
	ListSessions(ctx context.Context, userID string) ([]models.Session, error)
	// ListIdleSessions returns the open sessions whose last activity is before
	// the cutoff, oldest activity first.
	ListIdleSessions(ctx context.Context, before time.Time) ([]models.Session, error)
	// CloseSessionIfIdle closes the session, stamping closedAt, only if it is
	// still open and its last activity is still before the cutoff. It reports
	// whether the session was closed.
	CloseSessionIfIdle(ctx context.Context, id string, before, closedAt time.Time) (bool, error)
	// CommitAITurn appends an AI turn and persists the updated session in one
	// transaction: both succeed or neither does. The session must be open when
	// the transaction starts.
	CommitAITurn(ctx context.Context, turn models.Turn, s models.Session) error
}

// Store is the full persistence surface used by the engine.
type Store interface {
	PersonaStore
	TurnStore
	SessionStore
	Close() error
}

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string // Data Source Name for database connection
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithPostgresDSN sets the DSN for PostgreSQL connection.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithSQLiteDSN sets the DSN (file path) for the SQLite database.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns "postgres" for PostgreSQL connection strings and
// "sqlite3" for everything else (file paths).
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") ||
		strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") ||
		strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open returns the backend matching dsn: in-memory when dsn is empty,
// PostgreSQL for postgres DSNs and SQLite otherwise.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		slog.Debug("store.Open: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == "postgres" {
		slog.Debug("store.Open: detected PostgreSQL DSN", "dsn_type", "postgresql")
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	slog.Debug("store.Open: detected SQLite DSN", "dsn_type", "sqlite", "db_path", dsn)
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
