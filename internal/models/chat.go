package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrChatNotFound is returned by stores for an unknown chat id.
var ErrChatNotFound = errors.New("chat not found")

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads, plus the model the conversation is bound to.
type Chat struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatDetail is the full persisted state of a chat: the chat itself and its messages in stored order.
type ChatDetail struct {
	Chat
	Messages []Message `json:"messages"`
}

// Message represents an individual persisted entry within a chat. Assistant messages carry the
// reasoning text, the tool calls and the step timeline of the turn that produced them, together with
// the accounting reported by the upstream model.
type Message struct {
	ID               string     `json:"id"`
	Role             Role       `json:"role"`
	Content          string     `json:"content"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
	Steps            []Step     `json:"steps,omitempty"`
	Model            string     `json:"model,omitempty"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	Cost             float64    `json:"cost"`
	ResponseTimeMs   int64      `json:"response_time_ms"`
	Attachments      []string   `json:"attachments,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// ToolCall is a structured request from the model to invoke a tool. It is immutable once emitted.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Step is a unified timeline entry: either a reasoning burst or a tool call paired with its result.
type Step struct {
	ID            string   `json:"id"`
	Type          StepType `json:"type"`
	Index         int      `json:"index"`
	Content       string   `json:"content"`
	IsComplete    bool     `json:"is_complete"`
	DurationMs    int64    `json:"duration_ms"`
	ToolName      string   `json:"tool_name,omitempty"`
	ToolCallID    string   `json:"tool_call_id,omitempty"`
	ToolArguments string   `json:"tool_arguments,omitempty"`
}

// Usage is the token accounting of one turn.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Role represents the role of a message participant.
type Role string

// StepType tags a Step.
type StepType string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message, possibly with reasoning, tool calls and steps.
	RoleAssistant Role = "assistant"
	// RoleSystem represents the system prompt. It is never persisted.
	RoleSystem Role = "system"
	// RoleTool represents a tool result fed back to the model. It only exists in upstream requests.
	RoleTool Role = "tool"

	// StepTypeReasoning marks a reasoning burst.
	StepTypeReasoning StepType = "reasoning"
	// StepTypeToolCall marks a tool call and its result.
	StepTypeToolCall StepType = "tool_call"
)

type toolCallJSON struct {
	ID       string               `json:"id"`
	Type     string               `json:"type,omitempty"`
	Function toolCallFunctionJSON `json:"function"`
}

type toolCallFunctionJSON struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// MarshalJSON encodes the call in the OpenAI-compatible shape {id, type, function:{name, arguments}}.
func (t ToolCall) MarshalJSON() ([]byte, error) {
	return json.Marshal(toolCallJSON{
		ID:   t.ID,
		Type: "function",
		Function: toolCallFunctionJSON{
			Name:      t.Name,
			Arguments: t.Arguments,
		},
	})
}

// UnmarshalJSON decodes the OpenAI-compatible shape.
func (t *ToolCall) UnmarshalJSON(data []byte) error {
	var raw toolCallJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to unmarshal tool call: %w", err)
	}
	t.ID = raw.ID
	t.Name = raw.Function.Name
	t.Arguments = raw.Function.Arguments
	return nil
}

// Add accumulates another turn's usage.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
	}
}
