package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

var configFlag = cli.StringFlag{
	Name:  "config, c",
	Value: "./schedd.yaml",
	Usage: "path to the config file (json or yaml)",
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "schedd"
	app.HelpName = "schedd"
	app.Usage = "run deferred and periodic jobs in priority order"
	app.UsageText = "schedd <command> [--config path]"
	app.Version = version
	app.Commands = []cli.Command{
		{
			Name:   "run",
			Usage:  "start the scheduler and keep it running until signaled",
			Flags:  []cli.Flag{configFlag},
			Action: runCmd,
		},
		{
			Name:   "check",
			Usage:  "validate the config and print the resulting job plan",
			Flags:  []cli.Flag{configFlag},
			Action: checkCmd,
		},
	}
	return app
}
