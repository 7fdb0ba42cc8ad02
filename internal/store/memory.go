package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CounselPipe/internal/models"
)

// InMemoryStore is a simple in-memory Store, used when no DSN is configured and in tests.
type InMemoryStore struct {
	mu       sync.RWMutex
	personas map[string]models.Persona
	sessions map[string]models.Session
	turns    map[string][]models.Turn
	turnIDs  map[string]struct{}
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		personas: make(map[string]models.Persona),
		sessions: make(map[string]models.Session),
		turns:    make(map[string][]models.Turn),
		turnIDs:  make(map[string]struct{}),
	}
}

func (s *InMemoryStore) GetPersona(_ context.Context, id string) (*models.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personas[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) SavePersona(_ context.Context, p models.Persona) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.personas[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	s.personas[p.ID] = p
	return nil
}

func (s *InMemoryStore) ListPersonas(_ context.Context) ([]models.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Persona, 0, len(s.personas))
	for _, p := range s.personas {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// appendTurnLocked validates and stores a turn; callers hold s.mu.
func (s *InMemoryStore) appendTurnLocked(t models.Turn) error {
	sess, ok := s.sessions[t.SessionID]
	if !ok {
		return models.ErrSessionNotFound
	}
	if sess.IsClosed() {
		return models.ErrSessionClosed
	}
	if _, dup := s.turnIDs[t.ID]; dup {
		return fmt.Errorf("turn %s already exists", t.ID)
	}
	s.turnIDs[t.ID] = struct{}{}
	s.turns[t.SessionID] = append(s.turns[t.SessionID], t)
	return nil
}

func (s *InMemoryStore) AppendTurn(_ context.Context, t models.Turn) error {
	if !models.IsValidSender(t.Sender) {
		return fmt.Errorf("invalid sender %q", t.Sender)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendTurnLocked(t); err != nil {
		return err
	}
	if sess := s.sessions[t.SessionID]; sess.LastActivityAt.Before(t.CreatedAt) {
		sess.LastActivityAt = t.CreatedAt
		s.sessions[t.SessionID] = sess
	}
	slog.Debug("InMemoryStore.AppendTurn: turn stored", "sessionID", t.SessionID, "turnID", t.ID, "sender", t.Sender)
	return nil
}

func (s *InMemoryStore) LatestAITurn(_ context.Context, sessionID string) (*models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[sessionID]
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].IsAI() {
			t := turns[i]
			return &t, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) ListTurns(_ context.Context, sessionID string, limit int) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	turns := s.turns[sessionID]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	if len(turns) == 0 {
		return nil, nil
	}
	out := make([]models.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *InMemoryStore) CountTurns(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns[sessionID]), nil
}

func (s *InMemoryStore) ListUnansweredTurns(_ context.Context, before time.Time) ([]models.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Turn
	for id, turns := range s.turns {
		if len(turns) == 0 {
			continue
		}
		if sess, ok := s.sessions[id]; !ok || sess.IsClosed() {
			continue
		}
		last := turns[len(turns)-1]
		if last.Sender == models.SenderUser && last.CreatedAt.Before(before) {
			out = append(out, last)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) CreateSession(_ context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	if _, ok := s.personas[sess.PersonaID]; !ok {
		return fmt.Errorf("failed to create session %s: %w", sess.ID, models.ErrPersonaNotFound)
	}
	s.sessions[sess.ID] = sess
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(sess), nil
}

func (s *InMemoryStore) GetSessionForUser(ctx context.Context, id, userID string) (*models.Session, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return checkOwner(sess, userID)
}

func (s *InMemoryStore) UpdateSession(_ context.Context, sess models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.sessions[sess.ID]
	if !ok {
		return models.ErrSessionNotFound
	}
	existing.Title = sess.Title
	existing.LastActivityAt = sess.LastActivityAt
	existing.ClosedAt = sess.ClosedAt
	s.sessions[sess.ID] = *cloneSession(existing)
	return nil
}

func (s *InMemoryStore) ListSessions(_ context.Context, userID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, *cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) ListIdleSessions(_ context.Context, before time.Time) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if !sess.IsClosed() && sess.LastActivityAt.Before(before) {
			out = append(out, *cloneSession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.Before(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) CloseSessionIfIdle(_ context.Context, id string, before, closedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.IsClosed() || !sess.LastActivityAt.Before(before) {
		return false, nil
	}
	c := closedAt
	sess.ClosedAt = &c
	s.sessions[id] = sess
	slog.Info("InMemoryStore.CloseSessionIfIdle: closed idle session", "sessionID", id, "before", before)
	return true, nil
}

func (s *InMemoryStore) CommitAITurn(_ context.Context, turn models.Turn, sess models.Session) error {
	if turn.Sender != models.SenderAI {
		return fmt.Errorf("CommitAITurn requires an AI turn, got %q", turn.Sender)
	}
	if turn.SessionID != sess.ID {
		return fmt.Errorf("turn %s belongs to session %s, not %s", turn.ID, turn.SessionID, sess.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.appendTurnLocked(turn); err != nil {
		return err
	}
	existing := s.sessions[sess.ID]
	existing.Title = sess.Title
	existing.LastActivityAt = sess.LastActivityAt
	existing.ClosedAt = sess.ClosedAt
	s.sessions[sess.ID] = *cloneSession(existing)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}

func cloneSession(sess models.Session) *models.Session {
	if sess.ClosedAt != nil {
		c := *sess.ClosedAt
		sess.ClosedAt = &c
	}
	return &sess
}
