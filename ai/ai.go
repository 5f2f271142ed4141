// Package ai provides the optional assistant facade backed by the OpenAI
// Chat Completions API. The facade is disabled unless the host
// configuration enables it and carries an API key; a disabled facade is
// still safe to call and returns ErrDisabled.
package ai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/msghub-io/msghub/config"
	"github.com/msghub-io/msghub/telemetry"
)

type (
	// Quality selects a model tier. The configuration maps tiers to
	// concrete model ids.
	Quality string

	// ChatClient captures the subset of the OpenAI client the facade
	// uses, so tests can substitute a fake.
	ChatClient interface {
		New(ctx context.Context, params openai.ChatCompletionNewParams,
			opts ...option.RequestOption) (*openai.ChatCompletion, error)
	}

	// Request is one completion request.
	Request struct {
		// Quality selects the model tier; empty means QualityMedium.
		Quality Quality
		// System primes the assistant; optional.
		System string
		// Prompt is the user message.
		Prompt string
		// MaxTokens caps the completion length; zero leaves the provider
		// default.
		MaxTokens int64
	}

	// Client is the assistant facade handed to plugins.
	Client struct {
		enabled bool
		chat    ChatClient
		models  map[string]string
		logger  telemetry.Logger
	}

	// Option configures a Client.
	Option func(*Client)
)

// Model quality tiers.
const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Facade errors.
var (
	ErrDisabled     = errors.New("ai is not configured")
	ErrUnknownModel = errors.New("no model configured for quality")
	ErrEmptyPrompt  = errors.New("prompt is empty")
)

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithChatClient substitutes the OpenAI client, for tests.
func WithChatClient(chat ChatClient) Option {
	return func(c *Client) { c.chat = chat }
}

// New builds the facade from the AI configuration section. A disabled or
// keyless configuration yields a disabled facade.
func New(cfg config.AIConfig, opts ...Option) *Client {
	c := &Client{models: cfg.ModelsByQuality}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if !cfg.Enabled || cfg.APIKey == "" {
		return c
	}
	if c.chat == nil {
		reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
		if cfg.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
		}
		client := openai.NewClient(reqOpts...)
		c.chat = &client.Chat.Completions
	}
	c.enabled = true
	return c
}

// Enabled reports whether completions can be served.
func (c *Client) Enabled() bool { return c.enabled }

// Complete renders one chat completion and returns the assistant text.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if !c.enabled || c.chat == nil {
		return "", ErrDisabled
	}
	if req.Prompt == "" {
		return "", ErrEmptyPrompt
	}
	quality := req.Quality
	if quality == "" {
		quality = QualityMedium
	}
	model, ok := c.models[string(quality)]
	if !ok || model == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, quality)
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}

	completion, err := c.chat.New(ctx, params)
	if err != nil {
		c.logger.Warn(ctx, "completion failed", "model", model, "err", err.Error())
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", errors.New("chat completion: empty response")
	}
	return completion.Choices[0].Message.Content, nil
}
