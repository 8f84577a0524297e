// Package templates embeds the default config and agent instructions
// written by "phasegraph init".
package templates

import "embed"

//go:embed config.yaml agent.md
var FS embed.FS
