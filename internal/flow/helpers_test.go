package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/CounselPipe/internal/genai"
	"github.com/BTreeMap/CounselPipe/internal/models"
	"github.com/BTreeMap/CounselPipe/internal/phase"
	"github.com/BTreeMap/CounselPipe/internal/store"
)

var errUpstream = errors.New("upstream unavailable")

type scriptedReply struct {
	text string
	err  error
}

type clientCall struct {
	systemPrompt string
	history      []genai.Message
	userMessage  string
}

// scriptedClient returns its replies in order and repeats the last one once
// the script runs out.
type scriptedClient struct {
	mu      sync.Mutex
	replies []scriptedReply
	calls   []clientCall
	// onComplete, when set, runs during every call before the reply is returned.
	onComplete func()
}

func newScriptedClient(replies ...scriptedReply) *scriptedClient {
	return &scriptedClient{replies: replies}
}

func (c *scriptedClient) Complete(_ context.Context, systemPrompt string, history []genai.Message, userMessage string) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, clientCall{
		systemPrompt: systemPrompt,
		history:      append([]genai.Message(nil), history...),
		userMessage:  userMessage,
	})
	r := scriptedReply{err: errUpstream}
	if len(c.replies) > 0 {
		r = c.replies[0]
		if len(c.replies) > 1 {
			c.replies = c.replies[1:]
		}
	}
	hook := c.onComplete
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return r.text, r.err
}

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func (c *scriptedClient) call(i int) clientCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[i]
}

func reply(text string) scriptedReply { return scriptedReply{text: text} }

func failure(err error) scriptedReply { return scriptedReply{err: err} }

func jsonReply(content string, ph phase.Phase) scriptedReply {
	return reply(fmt.Sprintf(`{"content":%q,"phase":%q}`, content, string(ph)))
}

// recordingSleeper records requested delays without waiting.
type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *recordingSleeper) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// fakeClock advances one second per reading.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

const (
	testUser    = "user-1"
	testPersona = "counselor"
)

type fixture struct {
	flow    *CounselingFlow
	store   *store.InMemoryStore
	client  *scriptedClient
	sleeper *recordingSleeper
	clock   *fakeClock
}

func newFixture(t *testing.T, client *scriptedClient, opts ...Option) *fixture {
	t.Helper()
	st := store.NewInMemoryStore()
	require.NoError(t, st.SavePersona(context.Background(), models.Persona{
		ID:           testPersona,
		Name:         "Counselor",
		Instructions: "You are a calm, supportive counselor.",
		Active:       true,
	}))
	sleeper := &recordingSleeper{}
	clock := newFakeClock()
	all := append([]Option{WithSleeper(sleeper.sleep), WithClock(clock.now)}, opts...)
	return &fixture{
		flow:    NewCounselingFlow(st, client, all...),
		store:   st,
		client:  client,
		sleeper: sleeper,
		clock:   clock,
	}
}

func (fx *fixture) startSession(t *testing.T) models.Session {
	t.Helper()
	sess, err := fx.flow.StartSession(context.Background(), testUser, testPersona)
	require.NoError(t, err)
	return sess
}

// seedExchange appends a user/AI turn pair directly, bypassing the model.
func (fx *fixture) seedExchange(t *testing.T, sessionID string, ph phase.Phase) {
	t.Helper()
	ctx := context.Background()
	now := fx.clock.now()
	require.NoError(t, fx.store.AppendTurn(ctx, models.Turn{
		ID: fmt.Sprintf("seed-user-%d", now.UnixNano()), SessionID: sessionID, Sender: models.SenderUser,
		Content: "earlier message", Phase: ph, CreatedAt: now,
	}))
	require.NoError(t, fx.store.AppendTurn(ctx, models.Turn{
		ID: fmt.Sprintf("seed-ai-%d", now.UnixNano()), SessionID: sessionID, Sender: models.SenderAI,
		Content: "earlier reply", Phase: ph, CreatedAt: now,
	}))
}

func aiPhases(turns []models.Turn) []phase.Phase {
	var out []phase.Phase
	for _, t := range turns {
		if t.IsAI() {
			out = append(out, t.Phase)
		}
	}
	return out
}

// notifyingLocker reports every Lock call on entered before waiting for the lock.
type notifyingLocker struct {
	inner   store.SessionLocker
	entered chan string
}

func newNotifyingLocker() *notifyingLocker {
	return &notifyingLocker{inner: store.NewLocalSessionLocker(), entered: make(chan string, 16)}
}

func (l *notifyingLocker) Lock(ctx context.Context, sessionID string) (func(), error) {
	select {
	case l.entered <- sessionID:
	default:
	}
	return l.inner.Lock(ctx, sessionID)
}

func (l *notifyingLocker) drain() {
	for {
		select {
		case <-l.entered:
		default:
			return
		}
	}
}
