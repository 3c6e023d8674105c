package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rackcycle/rackcycle/cmd/rackcycle/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First interrupt cancels the run so in-flight attempts finish and
	// the summary still prints; a second one kills the process.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
		signal.Stop(sigChan)
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}

	var exitErr *commands.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.Err != nil {
			fmt.Fprintf(os.Stderr, "rackcycle: %v\n", exitErr.Err)
		}
		os.Exit(exitErr.Code)
	}

	// Anything unmapped is a usage problem: cobra argument and flag
	// errors land here.
	fmt.Fprintf(os.Stderr, "rackcycle: %v\n", err)
	os.Exit(commands.ExitUsage)
}
