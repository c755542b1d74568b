package stream

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Effects are the consequences of an event that reach beyond the conversation's own State.
type Effects struct {
	// Title is a new display title for the conversation.
	Title string
	// Finalized is the provisional persisted-shape assistant message built on message_finalized.
	Finalized *models.Message

	// Usage, Cost and Model come from the done event.
	Usage *models.Usage
	Cost  *float64
	Model string

	// Error is the server-reported failure of an error event.
	Error string

	// Terminal is set by done and error; the State must be torn down afterwards.
	Terminal         bool
	ThinkingDuration time.Duration
}

// Reduce folds one event into the state of its conversation. It never mutates s; the returned State is
// independent of the argument. Steps and tool results are copied only by the events that change them, and
// text fields grow through append-only buffers, so a long answer costs linear time overall.
func Reduce(s State, ev Event, now time.Time) (State, Effects) {
	var eff Effects

	switch e := ev.(type) {
	case ReasoningEvent:
		s.Reasoning = appendText(&s.reasoningBuf, s.Reasoning, e.Content)
		if s.IsPostToolPhase {
			s.PostToolReasoning = appendText(&s.postToolBuf, s.PostToolReasoning, e.Content)
		} else {
			s.PreToolReasoning = appendText(&s.preToolBuf, s.PreToolReasoning, e.Content)
		}

	case ContentEvent:
		// The first answer token ends the thinking phase for the rest of the turn.
		s.ThinkingComplete = true
		s.closeActiveReasoning(now)
		s.Content = appendText(&s.contentBuf, s.Content, e.Content)

	case TitleEvent:
		eff.Title = e.Title

	case ToolCallsEvent:
		s.ToolCalls = slices.Clone(e.ToolCalls)
		s.IsPostToolPhase = true
		s.closeActiveReasoning(now)

	case ToolResultEvent:
		s.ToolResults = maps.Clone(s.ToolResults)
		if s.ToolResults == nil {
			s.ToolResults = map[string]string{}
		}
		s.ToolResults[e.ToolCallID] = e.Result
		s.ownSteps()
		for i := range s.Steps {
			if s.Steps[i].Type == models.StepTypeToolCall && s.Steps[i].ToolCallID == e.ToolCallID {
				s.completeStep(i, 0, now)
			}
		}

	case StepStartEvent:
		s.ownSteps()
		s.startStep(e, now)

	case StepContentEvent:
		s.ownSteps()
		i := s.stepIndex(e.StepID)
		if i < 0 {
			// Content for a step whose start has not been applied yet. Keep the text under the id; the
			// start event patches the rest in place.
			s.Steps = append(s.Steps, models.Step{
				ID:    e.StepID,
				Type:  models.StepTypeReasoning,
				Index: len(s.Steps),
			})
			s.stepStartedAt[e.StepID] = now
			i = len(s.Steps) - 1
		}
		s.Steps[i].Content += e.Content
		if s.ActiveStepID == "" {
			s.ActiveStepID = e.StepID
		}

	case StepCompleteEvent:
		if i := s.stepIndex(e.StepID); i >= 0 {
			s.ownSteps()
			s.completeStep(i, e.DurationMs, now)
		}

	case MessageFinalizedEvent:
		s.MessageID = e.MessageID
		msg := s.VirtualMessage(e.MessageID, now)
		eff.Finalized = &msg

	case DoneEvent:
		s.closeActiveReasoning(now)
		s.finish(now)
		eff.Usage = e.Usage
		eff.Cost = e.Cost
		eff.Model = e.Model
		eff.Terminal = true
		eff.ThinkingDuration = s.ThinkingDuration

	case ErrorEvent:
		s.finish(now)
		eff.Error = e.Message
		eff.Terminal = true
		eff.ThinkingDuration = s.ThinkingDuration

	default:
		panic(fmt.Sprintf("stream: unhandled event %T", ev))
	}

	return s, eff
}

func (s *State) finish(now time.Time) {
	if !s.ThinkingStartedAt.IsZero() {
		s.ThinkingDuration = now.Sub(s.ThinkingStartedAt)
	}
	s.ThinkingStartedAt = time.Time{}
	s.IsStreaming = false
}

func (s *State) startStep(e StepStartEvent, now time.Time) {
	if s.ActiveStepID != e.StepID {
		s.closeActiveReasoning(now)
	}

	step := models.Step{
		ID:            e.StepID,
		Type:          e.StepType,
		Index:         e.StepIndex,
		ToolName:      e.ToolName,
		ToolCallID:    e.ToolCallID,
		ToolArguments: e.ToolArguments,
	}

	if i := s.stepIndex(e.StepID); i >= 0 {
		step.Content = s.Steps[i].Content
		step.IsComplete = s.Steps[i].IsComplete
		step.DurationMs = s.Steps[i].DurationMs
		s.Steps[i] = step
	} else {
		s.Steps = append(s.Steps, step)
		s.stepStartedAt[e.StepID] = now
	}
	s.ActiveStepID = e.StepID

	// The result may have overtaken the step announcing it.
	if step.Type == models.StepTypeToolCall && s.ToolCallComplete(step.ToolCallID) {
		s.completeStep(s.stepIndex(e.StepID), 0, now)
	}
}

func (s *State) completeStep(i int, durationMs int64, now time.Time) {
	st := &s.Steps[i]
	if durationMs > 0 {
		st.DurationMs = durationMs
	} else if !st.IsComplete {
		if started, ok := s.stepStartedAt[st.ID]; ok {
			st.DurationMs = now.Sub(started).Milliseconds()
		}
	}
	st.IsComplete = true
	if s.ActiveStepID == st.ID {
		s.ActiveStepID = ""
	}
}

// closeActiveReasoning completes the active step if it is an unfinished reasoning burst.
func (s *State) closeActiveReasoning(now time.Time) {
	if s.ActiveStepID == "" {
		return
	}
	i := s.stepIndex(s.ActiveStepID)
	if i < 0 {
		s.ActiveStepID = ""
		return
	}
	if s.Steps[i].Type == models.StepTypeReasoning && !s.Steps[i].IsComplete {
		s.ownSteps()
		s.completeStep(i, 0, now)
	}
}
