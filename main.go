// dutctl - control plane for a device under test reached over SSH.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"dutctl/cmd"
	"dutctl/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		var exit *core.ExitError
		if errors.As(err, &exit) {
			cancel()
			os.Exit(exit.Code)
		}
		fmt.Fprintf(os.Stderr, "dutctl: %v\n", err)
		cancel()
		os.Exit(1)
	}
}
