package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"schedd/internal/app"
)

func runCmd(c *cli.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(c.String("config"))
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	var reason app.StopReason
	select {
	case sig := <-sigs:
		reason = stopReason(sig)
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopErr := a.Stop(context.Background(), reason)
	if reason == app.StopFatalError && a.Err() != nil {
		return a.Err()
	}
	return stopErr
}

func stopReason(sig os.Signal) app.StopReason {
	switch sig {
	case os.Interrupt:
		return app.StopSIGINT
	case syscall.SIGTERM:
		return app.StopSIGTERM
	default:
		return app.StopUnknown
	}
}
