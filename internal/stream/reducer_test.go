package stream_test

import (
	"testing"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func reduceAll(s stream.State, events ...stream.Event) (stream.State, []stream.Effects) {
	effs := make([]stream.Effects, 0, len(events))
	for i, ev := range events {
		var eff stream.Effects
		s, eff = stream.Reduce(s, ev, t0.Add(time.Duration(i+1)*time.Second))
		effs = append(effs, eff)
	}
	return s, effs
}

func TestReduceReasoningPartition(t *testing.T) {
	s := stream.NewState("c1", "t1", t0)

	s, _ = reduceAll(s,
		stream.ReasoningEvent{Content: "plan "},
		stream.ReasoningEvent{Content: "more"},
		stream.ToolCallsEvent{ToolCalls: []models.ToolCall{{ID: "call-1", Name: "calculator"}}},
		stream.ReasoningEvent{Content: "check"},
	)

	assert.Equal(t, "plan morecheck", s.Reasoning)
	assert.Equal(t, "plan more", s.PreToolReasoning)
	assert.Equal(t, "check", s.PostToolReasoning)
	assert.Equal(t, s.Reasoning, s.PreToolReasoning+s.PostToolReasoning)
	assert.True(t, s.IsPostToolPhase)
	assert.Equal(t, stream.PhaseStreamingPostTool, s.Phase())
}

func TestReduceContentLatchesThinking(t *testing.T) {
	s := stream.NewState("c1", "t1", t0)

	s, _ = reduceAll(s,
		stream.ReasoningEvent{Content: "hmm"},
		stream.ContentEvent{Content: "Hel"},
		stream.ReasoningEvent{Content: "late"},
		stream.ContentEvent{Content: "lo"},
	)

	assert.Equal(t, "Hello", s.Content)
	assert.True(t, s.ThinkingComplete)
	assert.Equal(t, "hmmlate", s.Reasoning)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	s := stream.NewState("c1", "t1", t0)
	s, _ = reduceAll(s, stream.ContentEvent{Content: "a"})

	next, _ := stream.Reduce(s, stream.ToolResultEvent{ToolCallID: "x", Result: "r"}, t0)
	assert.Empty(t, s.ToolResults)
	assert.Equal(t, "r", next.ToolResults["x"])

	next, _ = stream.Reduce(s, stream.StepStartEvent{StepID: "s1", StepType: models.StepTypeReasoning}, t0)
	assert.Empty(t, s.Steps)
	assert.Len(t, next.Steps, 1)
}

func TestReduceToolCompletion(t *testing.T) {
	calls := []models.ToolCall{
		{ID: "a", Name: "calculator", Arguments: `{"expression":"2+2"}`},
		{ID: "b", Name: "current_time"},
	}

	tests := []struct {
		name   string
		events []stream.Event
	}{
		{
			name: "Result after step start",
			events: []stream.Event{
				stream.ToolCallsEvent{ToolCalls: calls},
				stream.StepStartEvent{StepID: "s-a", StepType: models.StepTypeToolCall, ToolCallID: "a"},
				stream.ToolResultEvent{ToolCallID: "a", Result: "4"},
			},
		},
		{
			name: "Result overtakes step start",
			events: []stream.Event{
				stream.ToolCallsEvent{ToolCalls: calls},
				stream.ToolResultEvent{ToolCallID: "a", Result: "4"},
				stream.StepStartEvent{StepID: "s-a", StepType: models.StepTypeToolCall, ToolCallID: "a"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := reduceAll(stream.NewState("c1", "t1", t0), tt.events...)

			assert.True(t, s.ToolCallComplete("a"))
			assert.False(t, s.ToolCallComplete("b"))
			assert.Equal(t, []models.ToolCall{calls[1]}, s.PendingToolCalls())

			st, ok := s.Step("s-a")
			require.True(t, ok)
			assert.True(t, st.IsComplete)
			assert.Empty(t, s.ActiveStepID)
		})
	}
}

func TestReduceStepContentBeforeStart(t *testing.T) {
	s, _ := reduceAll(stream.NewState("c1", "t1", t0),
		stream.StepContentEvent{StepID: "r1", Content: "early "},
		stream.StepStartEvent{StepID: "r1", StepType: models.StepTypeReasoning, StepIndex: 0},
		stream.StepContentEvent{StepID: "r1", Content: "late"},
		stream.StepCompleteEvent{StepID: "r1", DurationMs: 1500},
	)

	require.Len(t, s.Steps, 1)
	assert.Equal(t, "early late", s.Steps[0].Content)
	assert.True(t, s.Steps[0].IsComplete)
	assert.EqualValues(t, 1500, s.Steps[0].DurationMs)
}

func TestReduceReasoningStepClosedByNextStep(t *testing.T) {
	s, _ := reduceAll(stream.NewState("c1", "t1", t0),
		stream.StepStartEvent{StepID: "r1", StepType: models.StepTypeReasoning},
		stream.StepContentEvent{StepID: "r1", Content: "think"},
		stream.StepStartEvent{StepID: "t1", StepType: models.StepTypeToolCall, StepIndex: 1, ToolCallID: "a"},
	)

	r1, ok := s.Step("r1")
	require.True(t, ok)
	assert.True(t, r1.IsComplete)
	assert.EqualValues(t, 2000, r1.DurationMs)

	tool, ok := s.Step("t1")
	require.True(t, ok)
	assert.False(t, tool.IsComplete)
	assert.Equal(t, "t1", s.ActiveStepID)
}

func TestReduceFinalizedAndDone(t *testing.T) {
	cost := 0.002
	usage := &models.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}

	s, effs := reduceAll(stream.NewState("c1", "t1", t0),
		stream.TitleEvent{Title: "Sums"},
		stream.ReasoningEvent{Content: "r"},
		stream.ContentEvent{Content: "4"},
		stream.MessageFinalizedEvent{MessageID: "m-9"},
		stream.DoneEvent{Usage: usage, Cost: &cost, Model: "gpt"},
	)

	assert.Equal(t, "Sums", effs[0].Title)

	fin := effs[3].Finalized
	require.NotNil(t, fin)
	assert.Equal(t, "m-9", fin.ID)
	assert.Equal(t, models.RoleAssistant, fin.Role)
	assert.Equal(t, "4", fin.Content)
	assert.Equal(t, "r", fin.ReasoningContent)
	assert.Equal(t, "m-9", s.MessageID)

	done := effs[4]
	assert.True(t, done.Terminal)
	assert.Equal(t, usage, done.Usage)
	assert.Equal(t, &cost, done.Cost)
	assert.Equal(t, "gpt", done.Model)
	assert.Equal(t, 5*time.Second, done.ThinkingDuration)
	assert.False(t, s.IsStreaming)
	assert.Equal(t, stream.PhaseReconciling, s.Phase())
}

func TestReduceError(t *testing.T) {
	s, effs := reduceAll(stream.NewState("c1", "t1", t0),
		stream.ContentEvent{Content: "par"},
		stream.ErrorEvent{Message: "upstream unavailable"},
	)

	assert.True(t, effs[1].Terminal)
	assert.Equal(t, "upstream unavailable", effs[1].Error)
	assert.Nil(t, effs[1].Finalized)
	assert.False(t, s.IsStreaming)
	assert.Equal(t, "par", s.Content)
}

func TestVirtualMessage(t *testing.T) {
	s, _ := reduceAll(stream.NewState("c1", "t1", t0),
		stream.ReasoningEvent{Content: "why"},
		stream.ToolCallsEvent{ToolCalls: []models.ToolCall{{ID: "a", Name: "current_time"}}},
		stream.ContentEvent{Content: "noon"},
	)

	msg := s.VirtualMessage(stream.StreamingMessageID, t0.Add(10*time.Second))
	assert.Equal(t, stream.StreamingMessageID, msg.ID)
	assert.Equal(t, "noon", msg.Content)
	assert.Equal(t, "why", msg.ReasoningContent)
	assert.Len(t, msg.ToolCalls, 1)
	assert.EqualValues(t, 10_000, msg.ResponseTimeMs)
}

func TestReduceBranchesFromSameState(t *testing.T) {
	s := stream.NewState("c1", "t1", t0)
	s, _ = reduceAll(s, stream.ContentEvent{Content: "a"}, stream.ContentEvent{Content: "b"})

	left, _ := stream.Reduce(s, stream.ContentEvent{Content: "c"}, t0)
	right, _ := stream.Reduce(s, stream.ContentEvent{Content: "d"}, t0)
	left, _ = stream.Reduce(left, stream.ContentEvent{Content: "e"}, t0)

	assert.Equal(t, "ab", s.Content)
	assert.Equal(t, "abce", left.Content)
	assert.Equal(t, "abd", right.Content)

	// A snapshot keeps its text while the live state grows.
	snap := left.Clone()
	left, _ = stream.Reduce(left, stream.ContentEvent{Content: "f"}, t0)
	assert.Equal(t, "abce", snap.Content)
	assert.Equal(t, "abcef", left.Content)
}

func TestReduceLongAnswerAllocations(t *testing.T) {
	const tokens = 4096

	var tok stream.Event = stream.ContentEvent{Content: "tok "}
	allocs := testing.AllocsPerRun(5, func() {
		s := stream.NewState("c1", "t1", t0)
		for range tokens {
			s, _ = stream.Reduce(s, tok, t0)
		}
		if len(s.Content) != 4*tokens {
			t.Fatalf("content length %d", len(s.Content))
		}
	})
	// Copying the text on every token would allocate once per event.
	assert.Less(t, allocs, float64(tokens/4))
}
