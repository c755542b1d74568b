package models

import "encoding/json"

// Delta is one normalized chunk of an upstream model stream. A chunk carries any mix of reasoning text,
// answer text and, on the final chunk of a round, the complete tool calls and the accounting.
type Delta struct {
	Reasoning string
	Content   string

	// ToolCalls is only set once all argument fragments of the round have been received.
	ToolCalls []ToolCall

	Usage *Usage
	Cost  *float64
	Model string
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// LLMMessage is a message in the upstream conversation, including tool traffic that is never persisted
// as a standalone chat message.
type LLMMessage struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ChatOptions tunes a single upstream request.
type ChatOptions struct {
	Reasoning *ReasoningConfig
}

// LLMMessages flattens persisted chat messages into the upstream conversation. Assistant tool calls are
// replayed with their results taken from the matching tool_call steps.
func LLMMessages(messages []Message) []LLMMessage {
	msgs := make([]LLMMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Role != RoleAssistant || len(msg.ToolCalls) == 0 {
			if msg.Content == "" {
				continue
			}
			msgs = append(msgs, LLMMessage{Role: msg.Role, Content: msg.Content})
			continue
		}

		msgs = append(msgs, LLMMessage{Role: RoleAssistant, ToolCalls: msg.ToolCalls})
		for _, tc := range msg.ToolCalls {
			result := ""
			for _, st := range msg.Steps {
				if st.Type == StepTypeToolCall && st.ToolCallID == tc.ID {
					result = st.Content
					break
				}
			}
			msgs = append(msgs, LLMMessage{Role: RoleTool, ToolCallID: tc.ID, Content: result})
		}
		if msg.Content != "" {
			msgs = append(msgs, LLMMessage{Role: RoleAssistant, Content: msg.Content})
		}
	}
	return msgs
}
