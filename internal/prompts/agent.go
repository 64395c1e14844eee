package prompts

// EmptyResponseFallback is the user-facing answer stored when the model
// ends a turn with neither text nor tool calls.
const EmptyResponseFallback = "I processed your request but wasn't able to compose a response. Please try again."

// ToolInterrupted is the result content synthesized for calls whose
// turn ended (crash or shutdown) before they produced a result.
const ToolInterrupted = "Tool call interrupted before completion"
