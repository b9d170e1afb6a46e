package main

import (
	"os"

	root "github.com/docker/agent-session-engine/cmd/root"
)

// version is set via -ldflags "-X main.version=..." at release build time.
var version = "dev"

func main() {
	os.Exit(root.Execute(version))
}
