package services

import (
	"slices"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// toolCallAccumulator joins the fragments of streamed tool calls. Providers send the id and name on the
// first fragment of each call and the arguments spread over the following ones, keyed by index.
type toolCallAccumulator struct {
	calls []models.ToolCall
	index map[int]int
}

func (a *toolCallAccumulator) add(index *int, id, name, args string) {
	if a.index == nil {
		a.index = map[int]int{}
	}

	key := len(a.calls)
	if index != nil {
		key = *index
	} else if id == "" && len(a.calls) > 0 {
		// Continuation without an index belongs to the last call.
		key = len(a.calls) - 1
		for k, v := range a.index {
			if v == key {
				key = k
				break
			}
		}
	}

	pos, ok := a.index[key]
	if !ok {
		a.calls = append(a.calls, models.ToolCall{})
		pos = len(a.calls) - 1
		a.index[key] = pos
	}

	tc := &a.calls[pos]
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	tc.Arguments += args
}

// done returns the complete calls, with empty arguments normalized to an empty object.
func (a *toolCallAccumulator) done() []models.ToolCall {
	if len(a.calls) == 0 {
		return nil
	}
	calls := slices.Clone(a.calls)
	for i := range calls {
		if calls[i].Arguments == "" {
			calls[i].Arguments = "{}"
		}
	}
	return calls
}
