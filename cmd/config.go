package cmd

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/achilleasa/go-lightpath/tracer/bdpt"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
	"gopkg.in/yaml.v2"
)

var ErrInvalidOverride = errors.New("invalid option override")

// loadDictionary reads the YAML pass configuration at path (if any) and
// applies key=value overrides on top of it.
func loadDictionary(path string, overrides []string) (bdpt.Dictionary, error) {
	d := bdpt.Dictionary{}
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if d, err = bdpt.LoadDictionary(f); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	for _, override := range overrides {
		key, value, err := parseOverride(override)
		if err != nil {
			return nil, err
		}
		d[key] = value
	}
	return d, nil
}

// parseOverride splits a key=value pair. The value is decoded as a YAML
// scalar or flow collection so "maxSurfaceBounces=4" yields a number and
// "lightBVHOptions={splitHeuristic: Equal}" a nested dictionary.
func parseOverride(override string) (string, interface{}, error) {
	tokens := strings.SplitN(override, "=", 2)
	if len(tokens) != 2 || strings.TrimSpace(tokens[0]) == "" {
		return "", nil, fmt.Errorf("%w %q: expected key=value", ErrInvalidOverride, override)
	}

	var value interface{}
	if err := yaml.Unmarshal([]byte(tokens[1]), &value); err != nil {
		return "", nil, fmt.Errorf("%w %q: %s", ErrInvalidOverride, override, err)
	}
	if m, isMap := value.(map[interface{}]interface{}); isMap {
		nested := bdpt.Dictionary{}
		for k, v := range m {
			nested[fmt.Sprint(k)] = v
		}
		value = nested
	}
	return strings.TrimSpace(tokens[0]), value, nil
}

// Print the effective pass configuration.
func ShowConfig(ctx *cli.Context) error {
	setupLogging(ctx)

	d, err := loadDictionary(ctx.String("config"), ctx.StringSlice("set"))
	if err != nil {
		return err
	}
	opts, err := bdpt.FromDictionary(d)
	if err != nil {
		return err
	}
	effective := opts.ToDictionary()

	if !ctx.Bool("table") {
		return bdpt.SaveDictionary(ctx.App.Writer, effective)
	}

	keys := make([]string, 0, len(effective))
	for key := range effective {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Option", "Value"})
	for _, key := range keys {
		table.Append([]string{key, fmt.Sprintf("%v", effective[key])})
	}
	table.Render()

	fmt.Fprint(ctx.App.Writer, buf.String())
	return nil
}
