// sessiond - a remote session server with operator and admin consoles.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"sessiond/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "sessiond: %v\n", err)
		os.Exit(1)
	}
}
