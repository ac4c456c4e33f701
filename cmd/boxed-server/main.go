// Package main is the entry point for the Boxed sandbox orchestrator.
//
// Boxed is a control plane for provisioning, tracking, and tearing down
// ephemeral containerized sandboxes that host AI agents.
//
// Usage:
//
//	boxed-server serve [flags]
package main

import "github.com/akshayaggarwal99/boxed/internal/cli"

// Version information, set via ldflags at build time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	cli.RootCmd.Version = Version + " (" + GitCommit + ", " + BuildDate + ")"
	cli.Execute()
}
