package main

import (
	"context"
	"time"

	"github.com/urfave/cli"

	"schedd/internal/app"
)

func checkCmd(c *cli.Context) error {
	now := time.Now()
	rows, err := app.Check(context.Background(), c.String("config"), now)
	if err != nil {
		return cli.NewExitError("config invalid: "+err.Error(), 2)
	}
	return app.WritePlan(c.App.Writer, rows, now)
}
