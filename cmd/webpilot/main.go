package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/xkilldash9x/webpilot/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defer handlePanic()

	if err := cmd.Execute(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// handlePanic writes the panic and stack to panic.log in the working
// directory, then exits non-zero.
func handlePanic() {
	r := recover()
	if r == nil {
		return
	}
	stack := debug.Stack()
	fmt.Fprintf(os.Stderr, "\nwebpilot crashed: %v\n", r)

	logPath := filepath.Join(".", "panic.log")
	content := fmt.Sprintf("time: %s\npanic: %v\n\n%s", time.Now().UTC().Format(time.RFC3339), r, stack)
	if err := os.WriteFile(logPath, []byte(content), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %s: %v\n%s", logPath, err, stack)
	} else {
		fmt.Fprintf(os.Stderr, "details written to %s\n", logPath)
	}
	os.Exit(2)
}
