// Package provider defines the chat-completion contract the agent loop
// talks to, plus the OpenAI-compatible client behind it.
package provider

import (
	"context"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// LLMProvider answers one chat-completion round.
type LLMProvider interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	DefaultModel() string
}

// ChatRequest is one model round: the conversation so far and the tools the
// channel allows.
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Model       string
	MaxTokens   int
	Temperature float64
}

// ChatResponse carries either text, tool calls, or both.
type ChatResponse struct {
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// WantsTools reports whether the model asked for at least one tool.
func (r *ChatResponse) WantsTools() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// Message is one conversation turn. Tool results reference the call they
// answer through ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

func SystemMessage(content string) Message { return Message{Role: RoleSystem, Content: content} }
func UserMessage(content string) Message   { return Message{Role: RoleUser, Content: content} }

// AssistantMessage records a model turn, including any tool calls it made
// so the following tool results have something to answer.
func AssistantMessage(content string, calls []ToolCall) Message {
	return Message{Role: RoleAssistant, Content: content, ToolCalls: calls}
}

// ToolResultMessage answers the call with the given id.
func ToolResultMessage(callID, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: callID}
}

// ToolCall is a tool invocation requested by the model. Arguments is the
// raw JSON text as produced by the model and may be malformed.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition advertises one callable function to the model.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

type FunctionDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Function builds a function-type ToolDefinition.
func Function(name, description string, parameters map[string]any) ToolDefinition {
	return ToolDefinition{
		Type:     "function",
		Function: FunctionDef{Name: name, Description: description, Parameters: parameters},
	}
}

// Usage counts tokens for one round, or a whole run once accumulated.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
