package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/achilleasa/go-lightpath/scene"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

var (
	ErrMissingScene = errors.New("missing scene name argument")
	ErrUnknownScene = errors.New("unknown scene")
)

// Built-in scenes that can be rendered by name.
var builtinScenes = map[string]func() *scene.Analytic{
	"plane-with-light": scene.NewPlaneWithLight,
	"cornell-box":      scene.NewCornellBox,
}

// SceneNames returns the sorted list of built-in scene names.
func SceneNames() []string {
	names := make([]string, 0, len(builtinScenes))
	for name := range builtinScenes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// loadScene returns a built-in scene by name or reads a YAML scene file.
func loadScene(name string) (*scene.Analytic, error) {
	if name == "" {
		return nil, ErrMissingScene
	}
	if ext := strings.ToLower(filepath.Ext(name)); ext == ".yaml" || ext == ".yml" {
		return scene.ReadScene(name)
	}
	factory, found := builtinScenes[strings.ToLower(name)]
	if !found {
		return nil, fmt.Errorf("%w %q; available scenes: %s", ErrUnknownScene, name, strings.Join(SceneNames(), ", "))
	}
	return factory(), nil
}

// Display information about the built-in scenes or the given scene files.
func ShowSceneInfo(ctx *cli.Context) error {
	setupLogging(ctx)

	names := SceneNames()
	if ctx.NArg() > 0 {
		names = ctx.Args()
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Scene", "Quads", "Lights", "Materials", "Bounds"})
	for _, name := range names {
		sc, err := loadScene(name)
		if err != nil {
			return err
		}

		materials := make([]string, 0, len(sc.MaterialTypes()))
		for _, m := range sc.MaterialTypes() {
			materials = append(materials, m.String())
		}
		bounds := sc.Bounds()
		table.Append([]string{
			name,
			fmt.Sprintf("%d", len(sc.Quads())),
			fmt.Sprintf("%d", len(sc.Lights())),
			strings.Join(materials, ", "),
			fmt.Sprintf("%v - %v", bounds.Min, bounds.Max),
		})
	}
	table.Render()

	fmt.Fprint(ctx.App.Writer, buf.String())
	return nil
}
