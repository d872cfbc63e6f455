// Command gmp-plugin-host is the isolated process that loads one codec
// plugin and serves its encoders and decoders over stdin and stdout.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/thesyncim/mediaplugin"
	"github.com/thesyncim/mediaplugin/internal/logging"
)

func main() {
	// stdout carries the actor channel.
	logging.SetWriter(os.Stderr)

	app := &cli.App{
		Name:  "gmp-plugin-host",
		Usage: "serve a codec plugin to its parent process",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "plugin-dir",
				Usage:    "load the plugin from `DIR`",
				EnvVars:  []string{"GMP_PLUGIN_PATH"},
				Required: true,
			},
			&cli.StringFlag{
				Name:  "session",
				Usage: "session id of the parent service",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	config := mediaplugin.DefaultHostConfig(c.String("plugin-dir"))
	config.SessionID = c.String("session")

	host := mediaplugin.NewPluginHost(config)
	if err := host.LoadPlugin(config.PluginDir); err != nil {
		return err
	}
	// Serve ends the process itself on shutdown or protocol errors.
	return host.Serve(mediaplugin.NewPipeConn(os.Stdin, os.Stdout))
}
