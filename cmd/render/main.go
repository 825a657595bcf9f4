package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "render"
	app.Usage = "render animation projects to MP4 without the API server"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "v",
			Usage: "enable verbose logging",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:  "render",
			Usage: "render a project snapshot to an MP4 file",
			Description: `
Load a project snapshot (the JSON returned by the project API), serve it to the
render-only view through an embedded API, capture every frame in headless
Chrome and encode the result with ffmpeg.

The view is loaded from --view-url/render/{projectId}.`,
			ArgsUsage: "project.json",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "out, o",
					Usage: "output file; defaults to the sanitized project name",
				},
				cli.StringFlag{
					Name:   "view-url",
					Value:  "http://localhost:3000",
					Usage:  "base URL of the editor hosting the render view",
					EnvVar: "RENDER_VIEW_BASE_URL",
				},
				cli.StringFlag{
					Name:  "listen",
					Value: "127.0.0.1:0",
					Usage: "address of the embedded project API",
				},
				cli.IntFlag{
					Name:  "width",
					Usage: "override output width",
				},
				cli.IntFlag{
					Name:  "height",
					Usage: "override output height",
				},
				cli.Float64Flag{
					Name:  "fps",
					Usage: "override frame rate",
				},
				cli.DurationFlag{
					Name:  "timeout",
					Value: 10 * time.Minute,
					Usage: "abort the render after this long",
				},
				cli.StringFlag{
					Name:   "chrome",
					Usage:  "path to the Chrome/Chromium binary",
					EnvVar: "RENDER_CHROME_PATH",
				},
				cli.BoolFlag{
					Name:  "headful",
					Usage: "show the browser window",
				},
				cli.BoolFlag{
					Name:   "no-sandbox",
					Usage:  "disable the Chrome sandbox (containers)",
					EnvVar: "RENDER_NO_SANDBOX",
				},
				cli.StringFlag{
					Name:   "ffmpeg",
					Value:  "ffmpeg",
					Usage:  "path to ffmpeg",
					EnvVar: "RENDER_FFMPEG_PATH",
				},
				cli.StringFlag{
					Name:   "ffprobe",
					Value:  "ffprobe",
					Usage:  "path to ffprobe",
					EnvVar: "RENDER_FFPROBE_PATH",
				},
				cli.StringFlag{
					Name:  "probe-failure",
					Value: "drop",
					Usage: "what a failed audio probe does: drop or fail",
				},
			},
			Action: renderProject,
		},
		{
			Name:      "tracks",
			Usage:     "list the audio tracks a project would contribute",
			ArgsUsage: "project.json",
			Action:    listTracks,
		},
		{
			Name:      "probe",
			Usage:     "report whether media URLs carry audio",
			ArgsUsage: "url1 url2 ...",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:   "ffprobe",
					Value:  "ffprobe",
					Usage:  "path to ffprobe",
					EnvVar: "RENDER_FFPROBE_PATH",
				},
				cli.DurationFlag{
					Name:  "timeout",
					Value: 20 * time.Second,
					Usage: "per URL probe timeout",
				},
			},
			Action: probeMedia,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
