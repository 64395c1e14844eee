// Package prompts contains the prompt text almanac sends to models.
//
// Prompt text is Go code rather than config files because it is program
// logic: it names the tools registered by the calendar package and is
// checked by tests. A deployment can replace the operating instructions
// with a persona file (agent.persona_file in config.yaml); everything
// else lives here.
package prompts
