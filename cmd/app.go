package cmd

import (
	"fmt"
	"strings"

	"github.com/urfave/cli"
)

// NewApp returns the command line application.
func NewApp() *cli.App {
	// The default version flag claims -v which is used for verbose logging.
	cli.VersionFlag = cli.BoolFlag{
		Name:  "version",
		Usage: "print only the version",
	}

	app := cli.NewApp()
	app.Name = "go-lightpath"
	app.Usage = "render scenes with a light path guided bidirectional path tracer"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
		cli.BoolFlag{
			Name:  "vv",
			Usage: "enable even more verbose logging",
		},
		cli.StringFlag{
			Name:  "log-level",
			Usage: "set log level (debug, info, notice, warning, error)",
		},
	}

	configFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "load pass options from a YAML file",
		},
		cli.StringSliceFlag{
			Name:  "set, s",
			Value: &cli.StringSlice{},
			Usage: "override a pass option using key=value",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:   "list-devices",
			Usage:  "list available compute devices",
			Action: ListDevices,
			Flags: []cli.Flag{
				cli.StringSliceFlag{
					Name:  "blacklist, b",
					Value: &cli.StringSlice{},
					Usage: "blacklist devices whose names contain this value",
				},
			},
		},
		{
			Name:      "scenes",
			Usage:     "display information about built-in scenes or scene files",
			ArgsUsage: "[scene_name|scene_file.yaml ...]",
			Action:    ShowSceneInfo,
		},
		{
			Name:  "config",
			Usage: "print the effective pass configuration",
			Description: `
Merge the defaults with the optional YAML configuration file and the
key=value overrides, validate the result and print it. The YAML output
can be fed back to the render command via --config.`,
			Action: ShowConfig,
			Flags: append(configFlags,
				cli.BoolFlag{
					Name:  "table",
					Usage: "print options as a table instead of YAML",
				},
			),
		},
		{
			Name:  "render",
			Usage: "render a built-in scene",
			Description: fmt.Sprintf(`
Accumulate frames of the light path pass and write the tone-mapped
average to an image file. The output format (png, bmp or tiff) is
selected by the file extension.

The scene is either a YAML quad scene file or one of the built-in
scenes: %s`, strings.Join(SceneNames(), ", ")),
			ArgsUsage: "scene_name|scene_file.yaml",
			Action:    RenderFrame,
			Flags: append(configFlags,
				cli.IntFlag{
					Name:  "width",
					Value: 512,
					Usage: "frame width",
				},
				cli.IntFlag{
					Name:  "height",
					Value: 512,
					Usage: "frame height",
				},
				cli.IntFlag{
					Name:  "frames, f",
					Value: 16,
					Usage: "number of frames to accumulate",
				},
				cli.Float64Flag{
					Name:  "exposure",
					Value: 1.0,
					Usage: "camera exposure for tone-mapping",
				},
				cli.StringFlag{
					Name:  "scheduler",
					Value: "perfect",
					Usage: "work group scheduler (naive, perfect)",
				},
				cli.IntFlag{
					Name:  "workers",
					Usage: "number of dispatcher workers; 0 uses one per device worker",
				},
				cli.StringSliceFlag{
					Name:  "blacklist, b",
					Value: &cli.StringSlice{},
					Usage: "blacklist devices whose names contain this value",
				},
				cli.StringFlag{
					Name:  "out, o",
					Value: "frame.png",
					Usage: "image filename for the rendered frame",
				},
			),
		},
	}

	return app
}
