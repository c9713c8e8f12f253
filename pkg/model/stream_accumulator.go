package model

// toolCallAccumulator assembles tool calls from streaming fragments. Each
// fragment names the slot it extends; ids, names and arguments arrive in
// pieces.
type toolCallAccumulator struct {
	calls []ToolCall
}

func (a *toolCallAccumulator) add(f toolCallFragment) {
	if f.Index < 0 {
		return
	}
	for len(a.calls) <= f.Index {
		a.calls = append(a.calls, ToolCall{})
	}
	tc := &a.calls[f.Index]
	tc.ID += f.ID
	tc.Name += f.Function.Name
	tc.Arguments += f.Function.Arguments
}

// flush returns the completed calls and resets the accumulator. Slots that
// never received a name are dropped.
func (a *toolCallAccumulator) flush() []ToolCall {
	out := make([]ToolCall, 0, len(a.calls))
	for _, tc := range a.calls {
		if tc.Name != "" {
			out = append(out, tc)
		}
	}
	a.calls = a.calls[:0]
	return out
}

func (a *toolCallAccumulator) pending() bool {
	return len(a.calls) > 0
}
