package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "sqlflow",
		Usage:   "Run dependency-ordered SQL pipelines with incremental loads",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "state",
				Usage:   "State store DSN (sqlite path, sqlite://, file:// or memory://)",
				EnvVars: []string{"SQLFLOW_STATE"},
			},
			&cli.StringFlag{
				Name:    "engine",
				Usage:   "Path to the embedded engine database",
				EnvVars: []string{"SQLFLOW_ENGINE"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run a pipeline once, or on a schedule",
				Flags: append(pipelineFlags(),
					&cli.StringFlag{
						Name:  "resume",
						Usage: "Skip steps that succeeded in this earlier run",
					},
					&cli.BoolFlag{
						Name:  "continue-on-error",
						Usage: "Keep running independent steps after a failure",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of steps to run concurrently",
					},
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "Per-step timeout",
					},
					&cli.StringFlag{
						Name:  "schedule",
						Usage: `Cron spec or descriptor such as "@every 1h"`,
					},
				),
				Action: runPipeline,
			},
			{
				Name:   "plan",
				Usage:  "Print the execution plan of a pipeline",
				Flags:  pipelineFlags(),
				Action: planPipeline,
			},
			{
				Name:   "validate",
				Usage:  "Check that a pipeline file parses and resolves",
				Flags:  pipelineFlags(),
				Action: validatePipeline,
			},
			{
				Name:  "watermarks",
				Usage: "Inspect and reset incremental watermarks",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List the watermarks of a pipeline",
						Flags:  []cli.Flag{pipelineNameFlag()},
						Action: listWatermarks,
					},
					{
						Name:   "show",
						Usage:  "Show one watermark",
						Flags:  watermarkKeyFlags(),
						Action: showWatermark,
					},
					{
						Name:   "reset",
						Usage:  "Clear a watermark so the next run reads everything",
						Flags:  watermarkKeyFlags(),
						Action: resetWatermark,
					},
				},
			},
			{
				Name:  "history",
				Usage: "Show execution history",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "run", Usage: "Run ID"},
					&cli.StringFlag{Name: "pipeline", Aliases: []string{"p"}, Usage: "Pipeline name"},
					&cli.IntFlag{Name: "limit", Usage: "Only the most recent entries"},
				},
				Action: showHistory,
			},
			{
				Name:  "serve",
				Usage: "Start the HTTP API",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "addr",
						Value: ":8080",
						Usage: "Address to listen on",
					},
					&cli.StringSliceFlag{
						Name:    "file",
						Aliases: []string{"f"},
						Usage:   "Pipeline files whose settings.schedule should be run by the server",
					},
					&cli.StringSliceFlag{
						Name:  "var",
						Usage: "Pipeline variable as key=value",
					},
					&cli.BoolFlag{
						Name:  "access-log",
						Usage: "Log every request",
					},
				},
				Action: serve,
			},
		},
	}
}

func pipelineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "file",
			Aliases:  []string{"f"},
			Usage:    "Path to the pipeline file (JSON, YAML or BCL)",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  "var",
			Usage: "Pipeline variable as key=value",
		},
	}
}

func pipelineNameFlag() cli.Flag {
	return &cli.StringFlag{Name: "pipeline", Aliases: []string{"p"}, Usage: "Pipeline name", Required: true}
}

func watermarkKeyFlags() []cli.Flag {
	return []cli.Flag{
		pipelineNameFlag(),
		&cli.StringFlag{Name: "source", Usage: "Source step", Required: true},
		&cli.StringFlag{Name: "target", Usage: "Target table", Required: true},
		&cli.StringFlag{Name: "cursor", Usage: "Cursor field", Required: true},
	}
}
