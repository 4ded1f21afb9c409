package renderer

import (
	"fmt"

	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/tracer/bdpt"
)

type Options struct {
	// Default frame dims. The pass output size option may scale them.
	FrameW uint32
	FrameH uint32

	// Exposure for tonemapping.
	Exposure float32

	// Pass configuration. Missing keys use the pass defaults.
	Dictionary bdpt.Dictionary

	// Block scheduler for the ray programs: "naive" or "perfect".
	Scheduler string

	// Number of ray program workers; 0 sizes the pool after the device.
	Workers int

	// Device selection.
	BlackListedDevices []string
}

var schedulers = map[string]func() tracer.BlockScheduler{
	"naive":   tracer.NaiveScheduler,
	"perfect": tracer.PerfectScheduler,
}

func (o *Options) schedulerFactory() (func() tracer.BlockScheduler, error) {
	if o.Scheduler == "" {
		return tracer.PerfectScheduler, nil
	}
	factory, found := schedulers[o.Scheduler]
	if !found {
		return nil, fmt.Errorf("%w %q", ErrUnknownScheduler, o.Scheduler)
	}
	return factory, nil
}
