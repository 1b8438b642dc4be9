package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/snaptest/snaptest/cmd/snaptest/cli"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Interrupts cancel the run; the pipeline reports them as a failed run.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := cli.NewRootCmd()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}

	var exitErr *cli.ExitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	// Don't print if the command already handled its own error output
	var silent *cli.SilentError
	if !errors.As(err, &silent) {
		fmt.Fprintln(os.Stderr, err)
	}
	return 1
}
