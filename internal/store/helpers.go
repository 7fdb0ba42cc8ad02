package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/phase"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfNoTime returns nil for a nil pointer, otherwise the UTC time.
// Used for nullable timestamp columns.
func nilIfNoTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const turnColumns = `id, session_id, sender, content, phase, created_at`

// scanTurn scans a Turn selected with turnColumns.
func scanTurn(row rowScanner) (models.Turn, error) {
	var t models.Turn
	var sender, ph string
	if err := row.Scan(&t.ID, &t.SessionID, &sender, &t.Content, &ph, &t.CreatedAt); err != nil {
		return t, err
	}
	t.Sender = models.Sender(sender)
	t.Phase = phase.Phase(ph)
	return t, nil
}

const sessionColumns = `id, user_id, persona_id, title, last_activity_at, closed_at, created_at`

// scanSession scans a Session selected with sessionColumns.
func scanSession(row rowScanner) (models.Session, error) {
	var s models.Session
	var title sql.NullString
	var closedAt sql.NullTime
	if err := row.Scan(&s.ID, &s.UserID, &s.PersonaID, &title, &s.LastActivityAt, &closedAt, &s.CreatedAt); err != nil {
		return s, err
	}
	s.Title = title.String
	if closedAt.Valid {
		c := closedAt.Time
		s.ClosedAt = &c
	}
	return s, nil
}

const personaColumns = `id, name, instructions, active, created_at`

// scanPersona scans a Persona selected with personaColumns.
func scanPersona(row rowScanner) (models.Persona, error) {
	var p models.Persona
	if err := row.Scan(&p.ID, &p.Name, &p.Instructions, &p.Active, &p.CreatedAt); err != nil {
		return p, fmt.Errorf("scan persona failed: %w", err)
	}
	return p, nil
}

// rebindDollar rewrites ? placeholders to PostgreSQL's $1, $2, ... form.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
