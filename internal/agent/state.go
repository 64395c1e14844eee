package agent

// State is a position in the turn state machine.
//
//	AwaitModel -> HaveText                      (done)
//	AwaitModel -> HaveToolCalls -> Executing -> AwaitModel
//	any        -> Failed
type State string

const (
	StateAwaitModel    State = "await_model"
	StateHaveText      State = "have_text"
	StateHaveToolCalls State = "have_tool_calls"
	StateExecuting     State = "executing"
	StateFailed        State = "failed"
)

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateHaveText || s == StateFailed
}
