package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"asnsync/internal/cli"
	"asnsync/internal/config"
)

func main() {
	config.LoadEnvFiles()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.Execute(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "asnsync:", err)
		os.Exit(1)
	}
}
