package cmd

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/achilleasa/go-lightpath/renderer"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// Render a still frame by accumulating light path frames.
func RenderFrame(ctx *cli.Context) error {
	setupLogging(ctx)

	d, err := loadDictionary(ctx.String("config"), ctx.StringSlice("set"))
	if err != nil {
		return err
	}

	opts := renderer.Options{
		FrameW:     uint32(ctx.Int("width")),
		FrameH:     uint32(ctx.Int("height")),
		Exposure:   float32(ctx.Float64("exposure")),
		Dictionary: d,
		Scheduler:  ctx.String("scheduler"),
		Workers:    ctx.Int("workers"),
		//
		BlackListedDevices: ctx.StringSlice("blacklist"),
	}

	sc, err := loadScene(ctx.Args().First())
	if err != nil {
		return err
	}

	r, err := renderer.NewDefault(sc, opts)
	if err != nil {
		return err
	}
	defer r.Close()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	frames := uint32(ctx.Int("frames"))
	logger.Noticef("rendering %d frame(s) of scene %s", frames, sc)
	img, err := r.Render(sigCtx, frames)
	if err != nil {
		return err
	}

	out := ctx.String("out")
	if err = writeImage(out, img); err != nil {
		return err
	}
	logger.Noticef("wrote %s", out)

	displayFrameStats(r.Stats())
	return nil
}

func displayFrameStats(stats renderer.FrameStats) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Stage", "% of frame", "Render time"})
	for _, stat := range stats.Stages {
		table.Append([]string{
			stat.Name,
			fmt.Sprintf("%02.1f %%", stat.FramePercent),
			stat.Time.String(),
		})
	}
	table.SetFooter([]string{
		fmt.Sprintf("%d frames, %d light vertices, %d tree levels", stats.Frames, stats.LightVertices, stats.TreeLevels),
		"TOTAL",
		stats.RenderTime.String(),
	})
	table.Render()

	logger.Noticef("frame statistics\n%s", buf.String())
	logger.Infof(
		"device: %d dispatches (%d indirect), %d barriers, %d readbacks, %d allocations (%d bytes)",
		stats.Device.Dispatches,
		stats.Device.IndirectDispatches,
		stats.Device.Barriers,
		stats.Device.Readbacks,
		stats.Device.Allocations,
		stats.Device.AllocatedBytes,
	)
}
