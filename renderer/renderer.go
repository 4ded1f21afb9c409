package renderer

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/achilleasa/go-lightpath/log"
	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer/bdpt"
	"github.com/achilleasa/go-lightpath/tracer/cpu"
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

var logger = log.New("renderer")

type Renderer interface {
	// Render accumulates frames and returns the tone-mapped average of
	// every frame rendered since the last configuration change.
	Render(ctx context.Context, frames uint32) (*image.RGBA, error)

	// Apply a new pass configuration. Accumulated frames are dropped.
	SetOptions(d bdpt.Dictionary) error

	// Shutdown renderer and release the pass resources.
	Close()

	// Get render statistics.
	Stats() FrameStats
}

type defaultRenderer struct {
	opts   Options
	scene  scene.Scene
	device *device.Device
	pass   *bdpt.Pass

	// Output of the pass and the running sum of its frames.
	color       *device.Texture
	accum       []types.Vec4
	accumFrames uint32

	stats FrameStats
}

// Create a renderer that drives the light path pass on the first device
// that survives the blacklist filters.
func NewDefault(sc scene.Scene, opts Options) (Renderer, error) {
	if sc == nil {
		return nil, ErrSceneNotDefined
	}
	if sc.Camera() == nil {
		return nil, ErrCameraNotDefined
	}

	devices := device.Devices().Select(device.AllDevices, opts.BlackListedDevices)
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	dev := devices[0]

	scheduler, err := opts.schedulerFactory()
	if err != nil {
		return nil, err
	}
	dispatcherOpts := []cpu.Option{cpu.WithScheduler(scheduler)}
	if opts.Workers > 0 {
		dispatcherOpts = append(dispatcherOpts, cpu.WithWorkers(opts.Workers))
	}

	pass, err := bdpt.New(dev, cpu.NewDispatcher(dev, dispatcherOpts...), opts.Dictionary)
	if err != nil {
		return nil, err
	}
	pass.SetScene(sc)

	r := &defaultRenderer{
		opts:   opts,
		scene:  sc,
		device: dev,
		pass:   pass,
	}
	if err = r.resize(); err != nil {
		pass.Release()
		return nil, err
	}

	logger.Infof("rendering %s on device %s", sc, dev.Name)
	return r, nil
}

// resize (re)allocates the color output for the current output size.
func (r *defaultRenderer) resize() error {
	w, h := r.pass.Options().OutputDims(r.opts.FrameW, r.opts.FrameH)
	if r.color != nil {
		if r.color.Width() == w && r.color.Height() == h {
			r.resetAccumulation()
			return nil
		}
		r.color.Release()
		r.color = nil
	}

	color, err := r.device.Texture2D("frameColor", w, h, device.FormatRGBA32Float, device.ReadWrite)
	if err != nil {
		return err
	}
	r.color = color
	r.accum = make([]types.Vec4, int(w)*int(h))
	r.resetAccumulation()
	logger.Debugf("output size set to %dx%d", w, h)
	return nil
}

func (r *defaultRenderer) resetAccumulation() {
	for i := range r.accum {
		r.accum[i] = types.Vec4{}
	}
	r.accumFrames = 0
	r.stats = FrameStats{}
}

func (r *defaultRenderer) SetOptions(d bdpt.Dictionary) error {
	opts, err := bdpt.FromDictionary(d)
	if err != nil {
		return err
	}
	r.pass.SetOptions(opts)
	return r.resize()
}

func (r *defaultRenderer) Render(ctx context.Context, frames uint32) (*image.RGBA, error) {
	if frames == 0 {
		frames = 1
	}

	start := time.Now()
	for frame := uint32(0); frame < frames; frame++ {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrInterrupted, ctx.Err())
		default:
		}

		if err := r.pass.Execute(bdpt.IO{Color: r.color}); err != nil {
			return nil, err
		}
		if !r.pass.Enabled() {
			return nil, ErrPassDisabled
		}

		for i, c := range device.View[types.Vec4](r.color.Buffer) {
			r.accum[i] = r.accum[i].Add(c)
		}
		r.accumFrames++
		r.collectStats(r.pass.Stats())
	}
	r.stats.RenderTime += time.Since(start)
	r.updateFramePercent()

	logger.Debugf("accumulated %d frames in %s", r.accumFrames, r.stats.RenderTime)
	return ToneMap(r.accum, r.color.Width(), r.color.Height(), 1/float32(r.accumFrames), r.opts.Exposure), nil
}

// collectStats adds the stage timings of a frame to the running totals.
func (r *defaultRenderer) collectStats(frame bdpt.FrameStats) {
	r.stats.Frames = r.accumFrames
	r.stats.LightVertices = frame.LightVertices
	r.stats.TreeLevels = frame.TreeLevels
	r.stats.Device = frame.Device

	for _, stage := range frame.Stages {
		found := false
		for i := range r.stats.Stages {
			if r.stats.Stages[i].Name == stage.Name {
				r.stats.Stages[i].Time += stage.Time
				found = true
				break
			}
		}
		if !found {
			r.stats.Stages = append(r.stats.Stages, StageStat{Name: stage.Name, Time: stage.Time})
		}
	}
}

func (r *defaultRenderer) updateFramePercent() {
	var total time.Duration
	for _, stage := range r.stats.Stages {
		total += stage.Time
	}
	if total <= 0 {
		return
	}
	for i := range r.stats.Stages {
		r.stats.Stages[i].FramePercent = float32(100 * float64(r.stats.Stages[i].Time) / float64(total))
	}
}

func (r *defaultRenderer) Stats() FrameStats {
	return r.stats
}

func (r *defaultRenderer) Close() {
	r.pass.Release()
	if r.color != nil {
		r.color.Release()
		r.color = nil
	}
}
