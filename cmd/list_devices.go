package cmd

import (
	"bytes"
	"fmt"

	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

// List available compute devices.
func ListDevices(ctx *cli.Context) error {
	setupLogging(ctx)

	devices := device.Devices().Select(device.AllDevices, ctx.StringSlice("blacklist"))

	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("\nSystem provides %d device(s):\n\n", len(devices)))

	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Device", "Name", "Type", "Workers", "Speed", "Features"})
	for index, dev := range devices {
		table.Append([]string{
			fmt.Sprintf("%02d", index),
			dev.Name,
			dev.Type.String(),
			fmt.Sprintf("%d", dev.Workers()),
			fmt.Sprintf("%d GFlops", dev.Speed),
			dev.Features.String(),
		})
	}
	table.Render()

	fmt.Fprint(ctx.App.Writer, buf.String())
	return nil
}
