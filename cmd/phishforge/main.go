// Package main provides the entry point for the PhishForge CLI.
// It correlates a phishing simulation campaign export into recipient
// timelines, source-address dossiers and campaign statistics.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
