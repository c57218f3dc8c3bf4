package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/sirupsen/logrus"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ExecuteWithContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	os.Exit(exitCode())
}

// exitCode maps the way shutdown happened to the process exit status: 0 on
// clean shutdown (including on-demand idle shutdown), 130 if the process
// was interrupted by SIGINT.
func exitCode() int {
	if coordinator == nil {
		return 0
	}
	if sig, ok := coordinator.Signal().(syscall.Signal); ok && sig == syscall.SIGINT {
		logrus.Info("main: exiting after interrupt")
		return 130
	}
	return 0
}
