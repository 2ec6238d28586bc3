package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

const (
	appName    = "calbot"
	appVersion = "0.1.0"
)

func main() {
	app := cli.App{
		Name:    appName,
		Usage:   "Calendar reminder bot for Discord and Mastodon",
		Version: appVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to config file",
				Value: "/etc/calbot/config.yaml",
			},
			&cli.StringFlag{
				Name:  "listen",
				Usage: "HTTP listen address (overrides config if set)",
			},
			&cli.BoolFlag{
				Name:  "once",
				Usage: "Run one refresh pass, print upcoming events and exit",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Output debug messages",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
