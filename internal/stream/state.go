package stream

import (
	"maps"
	"slices"
	"time"
	"unsafe"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// State is the transient streaming state of one conversation. It exists from the moment a message is sent
// until the turn is reconciled or cancelled.
type State struct {
	ChatID string
	// TurnID identifies the send that created this state. Events of an older turn are never applied.
	TurnID string

	IsStreaming bool

	// Content and Reasoning are append-only during a turn.
	Content   string
	Reasoning string

	// PreToolReasoning and PostToolReasoning partition Reasoning by whether a tool call has been seen.
	PreToolReasoning  string
	PostToolReasoning string
	IsPostToolPhase   bool

	// ThinkingStartedAt is zero once the turn has ended.
	ThinkingStartedAt time.Time
	// ThinkingComplete latches on the first content token.
	ThinkingComplete bool
	ThinkingDuration time.Duration

	ToolCalls []models.ToolCall
	// ToolResults maps a tool call id to its result; a call without an entry is pending.
	ToolResults map[string]string

	Steps        []models.Step
	ActiveStepID string

	// MessageID is set by message_finalized.
	MessageID string

	stepStartedAt map[string]time.Time

	// Buffers behind Content and the reasoning fields, so appending a token does not copy the whole text.
	contentBuf, reasoningBuf, preToolBuf, postToolBuf *textBuf
}

// textBuf is an append-only byte buffer. Strings returned by appendText are views of bytes that are never
// written again, which is the same trick strings.Builder uses.
type textBuf struct {
	b []byte
}

// appendText returns cur+add. It grows *buf in place when cur is the latest view of it, and starts a new
// buffer otherwise, e.g. when the same State is reduced twice or came from a snapshot.
func appendText(buf **textBuf, cur, add string) string {
	if add == "" {
		return cur
	}
	t := *buf
	if t == nil || len(t.b) != len(cur) {
		t = &textBuf{b: make([]byte, 0, 2*(len(cur)+len(add)))}
		t.b = append(t.b, cur...)
		*buf = t
	}
	t.b = append(t.b, add...)
	return unsafe.String(unsafe.SliceData(t.b), len(t.b))
}

// NewState returns the initial state of a turn started at now.
func NewState(chatID, turnID string, now time.Time) State {
	return State{
		ChatID:            chatID,
		TurnID:            turnID,
		IsStreaming:       true,
		ThinkingStartedAt: now,
		ToolResults:       map[string]string{},
		stepStartedAt:     map[string]time.Time{},
	}
}

// Clone returns a deep copy, so the copy can be handed to readers while the original keeps changing.
func (s State) Clone() State {
	c := s
	c.ToolCalls = slices.Clone(s.ToolCalls)
	c.ToolResults = maps.Clone(s.ToolResults)
	if c.ToolResults == nil {
		c.ToolResults = map[string]string{}
	}
	c.ownSteps()
	c.contentBuf, c.reasoningBuf, c.preToolBuf, c.postToolBuf = nil, nil, nil, nil
	return c
}

// ownSteps gives s private copies of its step bookkeeping before a mutation.
func (s *State) ownSteps() {
	s.Steps = slices.Clone(s.Steps)
	s.stepStartedAt = maps.Clone(s.stepStartedAt)
	if s.stepStartedAt == nil {
		s.stepStartedAt = map[string]time.Time{}
	}
}

// ToolCallComplete reports whether the tool call with the given id has received its result.
func (s State) ToolCallComplete(id string) bool {
	_, ok := s.ToolResults[id]
	return ok
}

// PendingToolCalls returns the calls still waiting for a result, in request order.
func (s State) PendingToolCalls() []models.ToolCall {
	var pending []models.ToolCall
	for _, tc := range s.ToolCalls {
		if !s.ToolCallComplete(tc.ID) {
			pending = append(pending, tc)
		}
	}
	return pending
}

// Step returns the step with the given id.
func (s State) Step(id string) (models.Step, bool) {
	i := s.stepIndex(id)
	if i < 0 {
		return models.Step{}, false
	}
	return s.Steps[i], true
}

// ThinkingElapsed is the thinking time so far, or the final duration once the turn ended.
func (s State) ThinkingElapsed(now time.Time) time.Duration {
	if s.ThinkingStartedAt.IsZero() {
		return s.ThinkingDuration
	}
	return now.Sub(s.ThinkingStartedAt)
}

// Phase reports the streaming sub-state.
func (s State) Phase() Phase {
	if !s.IsStreaming {
		return PhaseReconciling
	}
	if s.IsPostToolPhase {
		return PhaseStreamingPostTool
	}
	return PhaseStreamingPreTool
}

// VirtualMessage synthesizes a message in the persisted shape from the accumulated fields. It stands in
// for the assistant message while the turn is streaming and until the authoritative copy is reloaded.
func (s State) VirtualMessage(id string, now time.Time) models.Message {
	return models.Message{
		ID:               id,
		Role:             models.RoleAssistant,
		Content:          s.Content,
		ReasoningContent: s.Reasoning,
		ToolCalls:        slices.Clone(s.ToolCalls),
		Steps:            slices.Clone(s.Steps),
		ResponseTimeMs:   s.ThinkingElapsed(now).Milliseconds(),
		CreatedAt:        now,
	}
}

func (s State) stepIndex(id string) int {
	return slices.IndexFunc(s.Steps, func(st models.Step) bool { return st.ID == id })
}
