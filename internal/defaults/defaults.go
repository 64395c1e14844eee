// Package defaults embeds the starter configuration and persona files
// that `almanac init` writes into a new working directory.
package defaults

import _ "embed"

// ConfigYAML is the annotated example config.yaml.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// PersonaMD is an example persona file for agent.persona_file.
//
//go:embed persona.example.md
var PersonaMD []byte
