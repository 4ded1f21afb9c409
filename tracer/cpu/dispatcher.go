// Package cpu implements the ray programs of the light path pipeline on the
// host CPU. Launch grids are split into blocks of rows that are traced by a
// pool of goroutine workers.
package cpu

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/achilleasa/go-lightpath/log"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/tracer/device"
)

// Upper bound for the payload of any program in bytes.
const maxPayloadSize = 256

var (
	ErrUnsupportedConformance = errors.New("cpu: no hit group for material type")
	ErrPayloadTooLarge        = errors.New("cpu: ray payload exceeds the supported size")
	ErrProgramPanic           = errors.New("cpu: ray program panicked")
	ErrReleased               = errors.New("cpu: program has been released")
)

var logger = log.New("cpu")

// Hit groups implemented by the programs.
var hitGroups = map[string]struct{}{
	"DiffuseMaterial":  {},
	"EmissiveMaterial": {},
}

// cellFn traces the launch cell (x, y).
type cellFn func(x, y uint32)

// rayKernel binds the launch variables of a program.
type rayKernel interface {
	// Payload size in bytes.
	payloadSize() uint32

	// Validate the variables and return the per-cell function.
	bind(vars tracer.Vars, w, h uint32) (cellFn, error)
}

var kernelFactories = map[string]func(gen sampleGeneratorKind) rayKernel{
	tracer.ProgramGeneratePaths: func(gen sampleGeneratorKind) rayKernel {
		return &generatePathsKernel{gen: gen}
	},
	tracer.ProgramTraceLightPaths: func(gen sampleGeneratorKind) rayKernel {
		return &lightPathKernel{gen: gen}
	},
	tracer.ProgramTraceCameraPaths: func(gen sampleGeneratorKind) rayKernel {
		return &cameraPathKernel{gen: gen}
	},
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers overrides the number of workers.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) {
		d.numWorkers = n
	}
}

// WithScheduler selects the block scheduler used by every program.
func WithScheduler(factory func() tracer.BlockScheduler) Option {
	return func(d *Dispatcher) {
		d.newScheduler = factory
	}
}

// Dispatcher compiles ray programs that run on the host.
type Dispatcher struct {
	numWorkers   int
	speed        uint32
	newScheduler func() tracer.BlockScheduler
}

// NewDispatcher creates a dispatcher sized after the compute device the ray
// programs share their resources with.
func NewDispatcher(dev *device.Device, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		numWorkers:   dev.Workers(),
		speed:        dev.Speed,
		newScheduler: tracer.PerfectScheduler,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.numWorkers < 1 {
		d.numWorkers = 1
	}
	return d
}

// CreateProgram compiles a ray program.
func (d *Dispatcher) CreateProgram(desc tracer.ProgramDesc) (tracer.Program, error) {
	factory, found := kernelFactories[desc.Name]
	if !found {
		return nil, fmt.Errorf("%w: %q", tracer.ErrUnknownProgram, desc.Name)
	}

	for _, conformance := range desc.TypeConformances {
		if _, supported := hitGroups[conformance]; !supported {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedConformance, conformance)
		}
	}

	genKind := tinyUniform
	if v, set := desc.Defines["SAMPLE_GENERATOR"]; set {
		parsed, err := strconv.ParseUint(v, 10, 32)
		if err != nil || parsed > uint64(uniform) {
			return nil, fmt.Errorf("cpu: %s: invalid SAMPLE_GENERATOR %q", desc.Name, v)
		}
		genKind = sampleGeneratorKind(parsed)
	}

	kernel := factory(genKind)
	if kernel.payloadSize() > maxPayloadSize || (desc.MaxPayloadSize != 0 && kernel.payloadSize() > desc.MaxPayloadSize) {
		return nil, fmt.Errorf("%w: %s needs %d bytes", ErrPayloadTooLarge, desc.Name, kernel.payloadSize())
	}

	p := &program{
		name:      desc.Name,
		kernel:    kernel,
		scheduler: d.newScheduler(),
		workers:   make([]*worker, d.numWorkers),
		sched:     make([]tracer.Worker, d.numWorkers),
	}
	for i := range p.workers {
		p.workers[i] = &worker{id: fmt.Sprintf("%s-%d", desc.Name, i), speed: d.speed / uint32(d.numWorkers)}
		p.sched[i] = p.workers[i]
	}

	logger.Debugf("created program %s (%d workers, sample generator %s)", desc.Name, d.numWorkers, genKind)
	return p, nil
}

// worker traces blocks of rows and keeps feedback for the scheduler.
type worker struct {
	id    string
	speed uint32
	stats tracer.Stats
}

func (w *worker) Id() string {
	return w.id
}

func (w *worker) Speed() uint32 {
	return w.speed
}

func (w *worker) Stats() *tracer.Stats {
	return &w.stats
}

type program struct {
	sync.Mutex

	name      string
	kernel    rayKernel
	scheduler tracer.BlockScheduler
	workers   []*worker
	sched     []tracer.Worker
}

func (p *program) Name() string {
	return p.name
}

// Launch traces every cell of a w x h grid. Rows are split between the
// workers by the program's block scheduler.
func (p *program) Launch(vars tracer.Vars, w, h uint32) (time.Duration, error) {
	p.Lock()
	defer p.Unlock()

	if p.kernel == nil {
		return 0, ErrReleased
	}
	if w == 0 || h == 0 {
		return 0, nil
	}

	start := time.Now()
	cell, err := p.kernel.bind(vars, w, h)
	if err != nil {
		return 0, fmt.Errorf("cpu: %s: %w", p.name, err)
	}

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	blockY := uint32(0)
	for idx, rows := range p.scheduler.Schedule(p.sched, h) {
		wk := p.workers[idx]
		wk.stats.BlockH = rows
		wk.stats.RenderTime = 0
		if rows == 0 {
			continue
		}

		wg.Add(1)
		go func(wk *worker, y0, y1 uint32) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errOnce.Do(func() {
						runErr = fmt.Errorf("cpu: %s: worker %s: %v: %w", p.name, wk.id, r, ErrProgramPanic)
					})
				}
			}()

			tick := time.Now()
			for y := y0; y < y1; y++ {
				for x := uint32(0); x < w; x++ {
					cell(x, y)
				}
			}
			wk.stats.RenderTime = time.Since(tick)
		}(wk, blockY, blockY+rows)
		blockY += rows
	}
	wg.Wait()

	if runErr != nil {
		return 0, runErr
	}
	return time.Since(start), nil
}

func (p *program) Release() {
	p.Lock()
	p.kernel = nil
	p.Unlock()
}
