package genai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp   openai.ChatCompletion
	err    error
	params []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.resp, m.err
}

func completionWith(content string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: content}},
		},
	}
}

func TestComplete_Success(t *testing.T) {
	mock := &mockChatService{resp: completionWith(`{"content":"Hello World"}`)}
	client := &Client{chat: mock, model: "test-model", temperature: 0.2, maxTokens: 50}

	out, err := client.Complete(context.Background(), "system prompt", nil, "user prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"content":"Hello World"}`, out)
	require.Len(t, mock.params, 1)
	assert.Equal(t, "test-model", string(mock.params[0].Model))
}

func TestComplete_MessageOrder(t *testing.T) {
	mock := &mockChatService{resp: completionWith("ok")}
	client := &Client{chat: mock, model: "test-model"}

	history := []Message{
		{Role: RoleUser, Content: "first question"},
		{Role: RoleAssistant, Content: "first answer"},
	}
	_, err := client.Complete(context.Background(), "be kind", history, "second question")
	require.NoError(t, err)
	require.Len(t, mock.params, 1)

	raw, err := json.Marshal(mock.params[0])
	require.NoError(t, err)

	var decoded struct {
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Len(t, decoded.Messages, 4)

	wantRoles := []string{"system", "user", "assistant", "user"}
	wantContent := []string{"be kind", "first question", "first answer", "second question"}
	for i, m := range decoded.Messages {
		assert.Equal(t, wantRoles[i], m.Role, "role of message %d", i)
		assert.Equal(t, wantContent[i], m.Content, "content of message %d", i)
	}
}

func TestComplete_ServiceError(t *testing.T) {
	cause := errors.New("service failure")
	client := &Client{chat: &mockChatService{err: cause}}
	_, err := client.Complete(context.Background(), "sys", nil, "usr")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}

func TestComplete_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{Choices: []openai.ChatCompletionChoice{}}}}
	_, err := client.Complete(context.Background(), "sys", nil, "usr")
	assert.ErrorIs(t, err, ErrNoChoicesReturned)
}

func TestComplete_DefaultModelWhenUnset(t *testing.T) {
	mock := &mockChatService{resp: completionWith("ok")}
	client := &Client{chat: mock}
	_, err := client.Complete(context.Background(), "sys", nil, "usr")
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, string(mock.params[0].Model))
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	assert.ErrorIs(t, err, ErrAPIKeyMissing)
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"), WithModel("gpt-test"), WithTemperature(0.1), WithMaxTokens(42))
	require.NoError(t, err)
	require.NotNil(t, cli)
	assert.Equal(t, "gpt-test", cli.model)
	assert.Equal(t, 0.1, cli.temperature)
	assert.Equal(t, int64(42), cli.maxTokens)
}

func TestNewClient_KeyFromEnvironment(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "env-key")
	cli, err := NewClient()
	require.NoError(t, err)
	assert.Equal(t, DefaultModel, cli.model)
	assert.Equal(t, int64(DefaultMaxTokens), cli.maxTokens)
}
