package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/fundscope/fundscope/app/syncer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := syncer.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	// Start cron scheduler
	app.StartCron()

	// Setup server
	app.SetupServer()

	// Start server
	app.Start(ctx)
}
