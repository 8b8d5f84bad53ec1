// Package openai implements model.Model over any OpenAI-compatible chat
// completion API, including local Ollama via its /v1 endpoint.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/AndreMMuniz/agent-multichat/model"
)

// Model calls a chat completion endpoint. Safe for concurrent use.
type Model struct {
	name   string
	client openai.Client
}

var _ model.Model = (*Model)(nil)

// Option configures the client.
type Option func(*options)

type options struct {
	apiKey  string
	baseURL string
}

// WithAPIKey sets the API key sent with requests.
func WithAPIKey(key string) Option {
	return func(o *options) { o.apiKey = key }
}

// WithBaseURL points the client at a non-default endpoint, such as an
// Ollama server's /v1 path.
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// New creates a model client for the named model.
func New(name string, opts ...Option) *Model {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	var clientOpts []openaiopt.RequestOption
	if o.apiKey != "" {
		clientOpts = append(clientOpts, openaiopt.WithAPIKey(o.apiKey))
	}
	if o.baseURL != "" {
		clientOpts = append(clientOpts, openaiopt.WithBaseURL(o.baseURL))
	}
	return &Model{
		name:   name,
		client: openai.NewClient(clientOpts...),
	}
}

// Info returns the model name.
func (m *Model) Info() model.Info {
	return model.Info{Name: m.name}
}

// Complete generates one full completion for the conversation.
func (m *Model) Complete(ctx context.Context, messages []model.Message) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(m.name),
		Messages: make([]openai.ChatCompletionMessageParamUnion, 0, len(messages)),
	}
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			params.Messages = append(params.Messages, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			params.Messages = append(params.Messages, openai.AssistantMessage(msg.Content))
		default:
			params.Messages = append(params.Messages, openai.UserMessage(msg.Content))
		}
	}
	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
