// Package model defines the chat-completion interface consumed by pipeline
// nodes. Implementations live in subpackages; tests use inline stubs.
package model

import "context"

// Role identifies the author of a message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single conversation turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewSystemMessage creates a system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Info describes a model implementation.
type Info struct {
	Name string
}

// Model is the minimal completion interface the pipeline depends on.
// Streaming is intentionally absent: every node consumes a full completion.
type Model interface {
	// Info returns basic information about the model.
	Info() Info
	// Complete generates a single completion for the given messages.
	Complete(ctx context.Context, messages []Message) (string, error)
}
