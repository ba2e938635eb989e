package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("peerhub: %v", err))
		os.Exit(1)
	}
}
