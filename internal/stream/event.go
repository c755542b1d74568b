package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// EventType is the wire tag of an event.
type EventType string

// Event types of the wire contract.
const (
	TypeReasoning        EventType = "reasoning"
	TypeContent          EventType = "content"
	TypeTitle            EventType = "title"
	TypeToolCalls        EventType = "tool_calls"
	TypeToolResult       EventType = "tool_result"
	TypeStepStart        EventType = "step_start"
	TypeStepContent      EventType = "step_content"
	TypeStepComplete     EventType = "step_complete"
	TypeMessageFinalized EventType = "message_finalized"
	TypeDone             EventType = "done"
	TypeError            EventType = "error"
)

// ErrUnknownEvent is returned by ParseEvent for a well-formed record with an unrecognized type.
var ErrUnknownEvent = errors.New("unknown event type")

// Event is one decoded record of a turn's stream. The set of implementations is closed: every event type
// of the wire contract has exactly one struct below, and Reduce switches over all of them.
type Event interface {
	Type() EventType
	wire() wireEvent
}

// ReasoningEvent carries incremental reasoning text.
type ReasoningEvent struct {
	Content string
}

// ContentEvent carries incremental final-answer text.
type ContentEvent struct {
	Content string
}

// TitleEvent carries a server-generated conversation title.
type TitleEvent struct {
	Title string
}

// ToolCallsEvent carries the tool calls requested by the model so far in this turn.
type ToolCallsEvent struct {
	ToolCalls []models.ToolCall
}

// ToolResultEvent carries the result of a previously requested tool call.
type ToolResultEvent struct {
	ToolCallID string
	Result     string
}

// StepStartEvent opens a timeline entry.
type StepStartEvent struct {
	StepID        string
	StepType      models.StepType
	StepIndex     int
	ToolName      string
	ToolCallID    string
	ToolArguments string
}

// StepContentEvent appends text to a timeline entry.
type StepContentEvent struct {
	StepID  string
	Content string
}

// StepCompleteEvent closes a timeline entry.
type StepCompleteEvent struct {
	StepID     string
	DurationMs int64
}

// MessageFinalizedEvent reports that the server persisted the assistant message.
type MessageFinalizedEvent struct {
	MessageID string
}

// DoneEvent terminates a successful turn.
type DoneEvent struct {
	Usage *models.Usage
	Cost  *float64
	Model string
}

// ErrorEvent terminates a failed turn.
type ErrorEvent struct {
	Message string
}

// wireEvent is the JSON body of one `data:` line.
type wireEvent struct {
	Type EventType `json:"type"`

	Content string `json:"content,omitempty"`

	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Result     string            `json:"result,omitempty"`

	StepID        string          `json:"step_id,omitempty"`
	StepType      models.StepType `json:"step_type,omitempty"`
	StepIndex     int             `json:"step_index,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolArguments string          `json:"tool_arguments,omitempty"`
	DurationMs    int64           `json:"duration_ms,omitempty"`

	MessageID string `json:"message_id,omitempty"`

	Usage *models.Usage `json:"usage,omitempty"`
	Cost  *float64      `json:"cost,omitempty"`
	Model string        `json:"model,omitempty"`

	Error string `json:"error,omitempty"`
}

func (ReasoningEvent) Type() EventType        { return TypeReasoning }
func (ContentEvent) Type() EventType          { return TypeContent }
func (TitleEvent) Type() EventType            { return TypeTitle }
func (ToolCallsEvent) Type() EventType        { return TypeToolCalls }
func (ToolResultEvent) Type() EventType       { return TypeToolResult }
func (StepStartEvent) Type() EventType        { return TypeStepStart }
func (StepContentEvent) Type() EventType      { return TypeStepContent }
func (StepCompleteEvent) Type() EventType     { return TypeStepComplete }
func (MessageFinalizedEvent) Type() EventType { return TypeMessageFinalized }
func (DoneEvent) Type() EventType             { return TypeDone }
func (ErrorEvent) Type() EventType            { return TypeError }

func (e ReasoningEvent) wire() wireEvent {
	return wireEvent{Type: TypeReasoning, Content: e.Content}
}

func (e ContentEvent) wire() wireEvent {
	return wireEvent{Type: TypeContent, Content: e.Content}
}

func (e TitleEvent) wire() wireEvent {
	return wireEvent{Type: TypeTitle, Content: e.Title}
}

func (e ToolCallsEvent) wire() wireEvent {
	return wireEvent{Type: TypeToolCalls, ToolCalls: e.ToolCalls}
}

func (e ToolResultEvent) wire() wireEvent {
	return wireEvent{Type: TypeToolResult, ToolCallID: e.ToolCallID, Result: e.Result}
}

func (e StepStartEvent) wire() wireEvent {
	return wireEvent{
		Type:          TypeStepStart,
		StepID:        e.StepID,
		StepType:      e.StepType,
		StepIndex:     e.StepIndex,
		ToolName:      e.ToolName,
		ToolCallID:    e.ToolCallID,
		ToolArguments: e.ToolArguments,
	}
}

func (e StepContentEvent) wire() wireEvent {
	return wireEvent{Type: TypeStepContent, StepID: e.StepID, Content: e.Content}
}

func (e StepCompleteEvent) wire() wireEvent {
	return wireEvent{Type: TypeStepComplete, StepID: e.StepID, DurationMs: e.DurationMs}
}

func (e MessageFinalizedEvent) wire() wireEvent {
	return wireEvent{Type: TypeMessageFinalized, MessageID: e.MessageID}
}

func (e DoneEvent) wire() wireEvent {
	return wireEvent{Type: TypeDone, Usage: e.Usage, Cost: e.Cost, Model: e.Model}
}

func (e ErrorEvent) wire() wireEvent {
	return wireEvent{Type: TypeError, Error: e.Message}
}

// ParseEvent decodes the JSON body of one record.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}

	switch w.Type {
	case TypeReasoning:
		return ReasoningEvent{Content: w.Content}, nil
	case TypeContent:
		return ContentEvent{Content: w.Content}, nil
	case TypeTitle:
		return TitleEvent{Title: w.Content}, nil
	case TypeToolCalls:
		return ToolCallsEvent{ToolCalls: w.ToolCalls}, nil
	case TypeToolResult:
		return ToolResultEvent{ToolCallID: w.ToolCallID, Result: w.Result}, nil
	case TypeStepStart:
		return StepStartEvent{
			StepID:        w.StepID,
			StepType:      w.StepType,
			StepIndex:     w.StepIndex,
			ToolName:      w.ToolName,
			ToolCallID:    w.ToolCallID,
			ToolArguments: w.ToolArguments,
		}, nil
	case TypeStepContent:
		return StepContentEvent{StepID: w.StepID, Content: w.Content}, nil
	case TypeStepComplete:
		return StepCompleteEvent{StepID: w.StepID, DurationMs: w.DurationMs}, nil
	case TypeMessageFinalized:
		return MessageFinalizedEvent{MessageID: w.MessageID}, nil
	case TypeDone:
		return DoneEvent{Usage: w.Usage, Cost: w.Cost, Model: w.Model}, nil
	case TypeError:
		return ErrorEvent{Message: w.Error}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, w.Type)
}

// MarshalEvent encodes an event as the JSON body of one record.
func MarshalEvent(e Event) ([]byte, error) {
	b, err := json.Marshal(e.wire())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s event: %w", e.Type(), err)
	}
	return b, nil
}
