// Command ollamascan discovers exposed Ollama inference servers.
package main

import "github.com/anstrom/ollamascan/cmd/cli"

// Set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildTime)
	cli.Execute()
}
