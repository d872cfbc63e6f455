// Command video-benchmark measures a codec plugin by pushing frames through
// an encoding and a decoding conduit and printing per-frame timings.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/thesyncim/mediaplugin"
)

func main() {
	defaults := mediaplugin.DefaultBenchmarkConfig()

	app := &cli.App{
		Name:  "video-benchmark",
		Usage: "benchmark a GMP codec plugin",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "read frames from a YUV4MPEG2 `FILE` instead of a test pattern",
			},
			&cli.BoolFlag{
				Name:  "loop",
				Usage: "rewind the input file when it ends",
			},
			&cli.IntFlag{Name: "width", Value: defaults.Width, Usage: "test pattern width"},
			&cli.IntFlag{Name: "height", Value: defaults.Height, Usage: "test pattern height"},
			&cli.StringFlag{
				Name:  "scale",
				Usage: "resample the input to width x height using `MODE` (stretch or fill)",
			},
			&cli.StringFlag{
				Name:  "encoding-file",
				Usage: "write length-prefixed RTP packets to `FILE`",
			},
			&cli.IntFlag{
				Name:  "frames",
				Value: defaults.Frames,
				Usage: "stop after `N` frames, 0 to run until the input ends",
			},
			&cli.IntFlag{
				Name:  "framerate",
				Value: defaults.FrameRate,
				Usage: "frames per second, 0 for unpaced",
			},
			&cli.UintFlag{
				Name:  "bitrate",
				Value: uint(defaults.StartBitrate),
				Usage: "start bitrate in kbps",
			},
			&cli.BoolFlag{
				Name:  "receive",
				Value: defaults.Receive,
				Usage: "decode the encoded stream",
			},
			&cli.StringFlag{
				Name:    "plugin-dir",
				Value:   defaults.PluginDir,
				EnvVars: []string{"GMP_PLUGIN_PATH"},
				Usage:   "plugin directory",
			},
			&cli.BoolFlag{
				Name:  "in-process",
				Usage: "run the plugin host in this process instead of spawning it",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "video-benchmark:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	config := mediaplugin.DefaultBenchmarkConfig()
	config.InputFile = c.String("input")
	config.Loop = c.Bool("loop")
	config.Width = c.Int("width")
	config.Height = c.Int("height")
	if name := c.String("scale"); name != "" {
		mode, err := mediaplugin.ParseScaleMode(name)
		if err != nil {
			return err
		}
		config.ScaleMode = mode
		config.ScaleInput = true
	}
	config.EncodingFile = c.String("encoding-file")
	config.Frames = c.Int("frames")
	config.FrameRate = c.Int("framerate")
	config.StartBitrate = uint32(c.Uint("bitrate"))
	config.Receive = c.Bool("receive")
	config.PluginDir = c.String("plugin-dir")
	config.Report = os.Stdout
	if c.Bool("in-process") {
		config.Launcher = &mediaplugin.InProcessLauncher{}
	}

	session, err := mediaplugin.NewBenchmarkSession(ctx, config)
	if err != nil {
		return err
	}
	result, runErr := session.Run(ctx)
	closeErr := session.Close()
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}

	fmt.Fprintf(os.Stderr, "frames sent %d, rendered %d, packets %d, bytes %d, overruns %d\n",
		result.FramesSent, result.FramesRendered, result.PacketsSent, result.BytesSent, result.Overruns)
	fmt.Fprintf(os.Stderr, "processing %v, user %v, system %v, elapsed %v\n",
		result.ProcTime, result.UserTime, result.SystemTime, result.Elapsed)
	return closeErr
}
