// Package genai provides GenAI-enhanced operations using OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default model configuration
const (
	// DefaultModel is used when no model is configured
	DefaultModel = "gpt-4o-mini"
	// DefaultTemperature is the sampling temperature used when none is configured
	DefaultTemperature = 0.7
	// DefaultMaxTokens is the completion token ceiling used when none is configured
	DefaultMaxTokens = 800
	// DefaultTimeout bounds a single completion request
	DefaultTimeout = 60 * time.Second
)

var (
	// ErrNoChoicesReturned is returned when the API answers without any choice.
	ErrNoChoicesReturned = errors.New("no choices returned")
	// ErrAPIKeyMissing is returned when no API key is configured.
	ErrAPIKeyMissing = errors.New("OPENAI_API_KEY not set")
)

// Role tags a history message for the completion endpoint.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one prior conversation message sent as context.
type Message struct {
	Role    Role
	Content string
}

// ClientInterface is the completion endpoint contract consumed by the flow engine.
type ClientInterface interface {
	// Complete sends a system prompt, prior messages and the newest user message,
	// and returns the raw text of the first choice.
	Complete(ctx context.Context, systemPrompt string, history []Message, userMessage string) (string, error)
}

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completionsAdapter adapts the SDK's completion service to chatService.
type completionsAdapter struct {
	svc *openai.ChatCompletionService
}

func (a *completionsAdapter) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := a.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int64
	Timeout     time.Duration
	DebugMode   bool
	StateDir    string
}

// Option configures the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model identifier.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the client at an OpenAI-compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// WithMaxTokens sets the completion token ceiling.
func WithMaxTokens(n int64) Option {
	return func(o *Opts) { o.MaxTokens = n }
}

// WithTimeout bounds each completion request.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithDebugMode enables writing every request/response pair to StateDir/debug.
func WithDebugMode(enabled bool) Option {
	return func(o *Opts) { o.DebugMode = enabled }
}

// WithStateDir sets the directory under which debug logs are written.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// Client wraps the OpenAI ChatCompletion service.
type Client struct {
	chat        chatService
	model       string
	temperature float64
	maxTokens   int64
	debugMode   bool
	stateDir    string
}

// NewClient initializes a new GenAI client. The API key comes from WithAPIKey
// or, failing that, the OPENAI_API_KEY environment variable.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		slog.Error("genai.NewClient: API key not configured")
		return nil, ErrAPIKeyMissing
	}

	// Retries are owned by the flow's orchestrator, so the SDK must not retry on its own.
	reqOpts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.Timeout))
	}
	cli := openai.NewClient(reqOpts...)

	slog.Debug("genai.NewClient: client created",
		"model", cfg.Model, "temperature", cfg.Temperature, "maxTokens", cfg.MaxTokens,
		"timeout", cfg.Timeout, "baseURLSet", cfg.BaseURL != "", "debugMode", cfg.DebugMode)

	return &Client{
		chat:        &completionsAdapter{svc: &cli.Chat.Completions},
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		debugMode:   cfg.DebugMode,
		stateDir:    cfg.StateDir,
	}, nil
}

// Complete implements ClientInterface.
func (c *Client) Complete(ctx context.Context, systemPrompt string, history []Message, userMessage string) (string, error) {
	params := c.buildParams(systemPrompt, history, userMessage)

	start := time.Now()
	resp, err := c.chat.Create(ctx, params)
	if c.debugMode {
		c.writeDebugLog("Complete", params, resp, err, time.Since(start))
	}
	if err != nil {
		slog.Warn("genai.Complete: chat completion failed", "error", err, "model", c.modelName(), "elapsed", time.Since(start))
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		slog.Warn("genai.Complete: no choices returned", "model", c.modelName())
		return "", ErrNoChoicesReturned
	}

	content := resp.Choices[0].Message.Content
	slog.Debug("genai.Complete: completion received",
		"model", c.modelName(), "historyLength", len(history), "responseLength", len(content), "elapsed", time.Since(start))
	return content, nil
}

func (c *Client) buildParams(systemPrompt string, history []Message, userMessage string) openai.ChatCompletionNewParams {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Content))
		default:
			messages = append(messages, openai.UserMessage(m.Content))
		}
	}
	messages = append(messages, openai.UserMessage(userMessage))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.modelName()),
		Messages:    messages,
		Temperature: openai.Float(c.temperature),
	}
	if c.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(c.maxTokens)
	}
	return params
}

func (c *Client) modelName() string {
	if c.model == "" {
		return DefaultModel
	}
	return c.model
}
