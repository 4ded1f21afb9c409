// Package bdpt sequences the light path pipeline of a frame: primary hits,
// light sub-paths, key sorting, vertex tree construction, camera sub-paths,
// subspace statistics and output composition.
package bdpt

import (
	"errors"
	"fmt"
	"time"
	"unsafe"

	"github.com/achilleasa/go-lightpath/log"
	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/tracer/morton"
	"github.com/achilleasa/go-lightpath/tracer/sort"
	"github.com/achilleasa/go-lightpath/tracer/subspace"
	"github.com/achilleasa/go-lightpath/tracer/vtree"
	"github.com/achilleasa/go-lightpath/types"
)

// Upper bound for the number of light vertices of a frame.
const maxLightVertexCapacity = 1 << 26

// Payload budget handed to the ray dispatcher.
const maxPayloadSize = 128

var logger = log.New("bdpt")

var (
	ErrUnsupportedShaderModel    = errors.New("bdpt: device does not support shader model 6.5")
	ErrUnsupportedRaytracingTier = errors.New("bdpt: device does not support raytracing tier 1.1")
	ErrMissingSampleCount        = errors.New("bdpt: variable sample count requires a sample count input")
	ErrMissingOutput             = errors.New("bdpt: no color output bound")
	ErrInvalidOption             = errors.New("bdpt: invalid option")
)

// IO holds the resources exchanged with the host every frame.
type IO struct {
	// RGBA32Float output; required.
	Color *device.Texture

	// R32Uint per-pixel sample counts. Binding it selects the variable
	// sample count mode.
	SampleCount *device.Texture

	// View direction input; depth of field needs it.
	ViewW *device.Texture
}

type dirtyBits uint8

const (
	needsRecompile dirtyBits = 1 << iota
	needsRebind
	resolutionChanged
)

// StageTiming is the host time spent in one frame stage.
type StageTiming struct {
	Name string
	Time time.Duration
}

// FrameStats describes the last executed frame.
type FrameStats struct {
	Frame         uint32
	LightVertices uint32
	TreeLevels    uint32
	TreePasses    uint32
	Stages        []StageTiming
	Total         time.Duration
	Device        device.Stats
}

// A frame stage.
type frameStage func(p *Pass, io *IO) error

type namedStage struct {
	Name string
	Fn   frameStage
}

// The per-frame stage sequence.
var frameStages = []namedStage{
	{"updatePrograms", (*Pass).updatePrograms},
	{"prepareResources", func(p *Pass, _ *IO) error { return p.PrepareResources() }},
	{"preparePathTracer", (*Pass).preparePathTracer},
	{"generatePaths", (*Pass).generatePaths},
	{"traceLightPaths", (*Pass).traceLightPaths},
	{"readLightVertexCount", (*Pass).readLightVertexCount},
	{"sortLightVertices", (*Pass).sortLightVertices},
	{"buildVertexTree", (*Pass).buildVertexTree},
	{"traceCameraPaths", (*Pass).traceCameraPaths},
	{"buildSubspaceTables", (*Pass).buildSubspaceTables},
	{"composeOutput", (*Pass).composeOutput},
	{"endFrame", (*Pass).endFrame},
}

type rayPrograms struct {
	generatePaths    tracer.Program
	traceLightPaths  tracer.Program
	traceCameraPaths tracer.Program
}

// Pass renders frames with bidirectional path tracing. All resources it
// allocates are owned by the pass and lent to the sort, tree and subspace
// components for the duration of a call.
type Pass struct {
	device     *device.Device
	dispatcher tracer.RayDispatcher

	opts   Options
	scene  scene.Scene
	lights *LightSampler

	dirty   dirtyBits
	enabled bool

	frameW, frameH   uint32
	frameCount       uint32
	seed             uint32
	fixedSampleCount bool
	dofWarned        bool
	lightVertexCount uint32

	vars     tracer.Vars
	programs rayPrograms
	resolve  *device.Kernel

	// Light vertex resources.
	positions     *device.Buffer
	lightVertices *device.Buffer
	morton        *morton.CodeSort
	sorter        *sort.Bitonic64
	tree          *vtree.Builder
	subspace      *subspace.Tables

	// Frame resources.
	primaryHits  *device.Buffer
	output       *device.Texture
	sampleColors *device.Buffer
	reservoirs   types.Pair[*device.Buffer]
	gatherPoints types.Pair[*device.Buffer]

	stats FrameStats
}

// New creates a pass configured by dict. It fails if the device lacks the
// required features or the dictionary holds invalid values.
func New(dev *device.Device, dispatcher tracer.RayDispatcher, dict Dictionary) (*Pass, error) {
	if !dev.Supports(device.FeatureShaderModel65) {
		return nil, fmt.Errorf("%w (%s)", ErrUnsupportedShaderModel, dev.Name)
	}
	if !dev.Supports(device.FeatureRaytracingTier11) {
		return nil, fmt.Errorf("%w (%s)", ErrUnsupportedRaytracingTier, dev.Name)
	}

	opts, err := FromDictionary(dict)
	if err != nil {
		return nil, err
	}

	if err = dev.LoadProgram(newResolveProgram(), device.Defines{}); err != nil {
		return nil, err
	}
	resolve, err := dev.Kernel(resolveKernel)
	if err != nil {
		return nil, err
	}

	return &Pass{
		device:           dev,
		dispatcher:       dispatcher,
		opts:             opts,
		dirty:            needsRecompile | needsRebind | resolutionChanged,
		enabled:          true,
		fixedSampleCount: true,
		resolve:          resolve,
	}, nil
}

// Options returns the active options.
func (p *Pass) Options() Options {
	o := p.opts
	if p.lights != nil {
		o.LightBVHOptions = p.lights.Options()
	}
	return o
}

// Dictionary serializes the active options.
func (p *Pass) Dictionary() Dictionary {
	return p.Options().ToDictionary()
}

// Stats returns the statistics of the last executed frame.
func (p *Pass) Stats() FrameStats {
	return p.stats
}

// FrameCount returns the number of frames rendered since the scene was set.
func (p *Pass) FrameCount() uint32 {
	return p.frameCount
}

// Enabled reports whether the pass renders frames. A pass disables itself
// when its inputs and outputs do not match.
func (p *Pass) Enabled() bool {
	return p.enabled
}

// VertexTree returns the vertex tree builder or nil before the first frame.
func (p *Pass) VertexTree() *vtree.Builder {
	return p.tree
}

// LightVertexPositions returns the light vertex position buffer or nil
// before the first frame.
func (p *Pass) LightVertexPositions() *device.Buffer {
	return p.positions
}

// SubspaceTables returns the subspace statistics or nil if subspace
// weights are disabled.
func (p *Pass) SubspaceTables() *subspace.Tables {
	return p.subspace
}

// SetScene binds a new scene. Programs, light sampler and frame state are
// rebuilt on the next frame.
func (p *Pass) SetScene(s scene.Scene) {
	p.scene = s
	p.frameCount = 0
	p.frameW, p.frameH = 0, 0
	p.enabled = true
	p.dofWarned = false
	p.releasePrograms()
	p.releaseFrameResources()
	p.dirty |= needsRecompile | needsRebind | resolutionChanged

	if p.tree != nil {
		p.tree.ResetHistory()
	}
	if p.subspace != nil {
		if err := p.subspace.Reset(); err != nil {
			logger.Warningf("could not reset subspace statistics: %s", err)
		}
	}

	if s == nil {
		p.lights = nil
		return
	}
	if s.HasCustomPrimitives() {
		logger.Warningf("scene contains custom primitives which are not supported")
	}

	bvhOpts := p.opts.LightBVHOptions
	if p.lights != nil {
		bvhOpts = p.lights.Options()
	}
	p.lights = NewLightSampler(p.opts.EmissiveSampler, bvhOpts)
	p.lights.Update(s)
	if len(s.Lights()) == 0 {
		logger.Warningf("scene has no emissive lights")
	}
}

// SetOptions applies new options. Options that size resources release them;
// options that specialize programs trigger a recompile.
func (p *Pass) SetOptions(o Options) {
	o.validate()
	prev := p.Options()

	if prev.lightResourceKey() != o.lightResourceKey() {
		p.releaseLightResources()
	}
	if prev.frameResourceKey() != o.frameResourceKey() {
		p.releaseFrameResources()
	}
	if !definesEqual(prev.Defines(), o.Defines()) || prev.LightBVHOptions != o.LightBVHOptions || prev.EmissiveSampler != o.EmissiveSampler {
		p.dirty |= needsRecompile
	}

	p.opts = o
	if p.lights != nil {
		if p.lights.Kind() != o.EmissiveSampler {
			p.lights = NewLightSampler(o.EmissiveSampler, o.LightBVHOptions)
			p.lights.Update(p.scene)
		} else {
			p.lights.SetOptions(o.LightBVHOptions)
		}
	}

	p.dirty |= needsRebind
	p.enabled = true
	p.dofWarned = false
}

// Execute renders one frame into io.Color.
func (p *Pass) Execute(io IO) error {
	start := time.Now()
	p.stats = FrameStats{Frame: p.frameCount}

	run, err := p.beginFrame(&io)
	if err != nil || !run {
		return err
	}

	for _, stage := range frameStages {
		stageStart := time.Now()
		if err = stage.Fn(p, &io); err != nil {
			return fmt.Errorf("bdpt: %s: %w", stage.Name, err)
		}
		p.stats.Stages = append(p.stats.Stages, StageTiming{Name: stage.Name, Time: time.Since(stageStart)})
	}

	p.stats.Total = time.Since(start)
	p.stats.Device = p.device.Stats()
	logger.Debugf("frame %d: %d light vertices, %d tree levels in %s", p.stats.Frame, p.stats.LightVertices, p.stats.TreeLevels, p.stats.Total)
	return nil
}

// beginFrame validates the frame resources. It reports whether the frame
// should be rendered.
func (p *Pass) beginFrame(io *IO) (bool, error) {
	if io.Color == nil {
		return false, ErrMissingOutput
	}
	if !p.enabled {
		return false, p.device.Clear(io.Color)
	}
	if err := p.checkIO(io); err != nil {
		logger.Errorf("%s; disabling pass", err)
		p.enabled = false
		return false, p.device.Clear(io.Color)
	}
	if p.scene == nil {
		return false, p.device.Clear(io.Color)
	}

	variable := io.SampleCount != nil
	if p.opts.UseVariableSampleCount && !variable {
		return false, ErrMissingSampleCount
	}
	if p.fixedSampleCount == variable {
		p.fixedSampleCount = !variable
		p.dirty |= needsRecompile | needsRebind
	}

	cam := p.scene.Camera()
	if cam.ApertureRadius > 0 && io.ViewW == nil && !p.dofWarned {
		logger.Warningf("depth of field requires a view direction input; the camera aperture is ignored")
		p.dofWarned = true
	}

	if w, h := io.Color.Width(), io.Color.Height(); w != p.frameW || h != p.frameH {
		p.frameW, p.frameH = w, h
		cam.SetupProjection(float32(w) / float32(h))
		p.dirty |= resolutionChanged | needsRebind
	}

	p.seed = p.frameCount
	if p.opts.UseFixedSeed {
		p.seed = p.opts.FixedSeed
	}
	return true, nil
}

// checkIO reports a mismatch between the bound resources and the frame
// configuration.
func (p *Pass) checkIO(io *IO) error {
	w, h := io.Color.Width(), io.Color.Height()
	switch {
	case io.Color.Format() != device.FormatRGBA32Float:
		return fmt.Errorf("output %s has format %s; expected %s", io.Color.Name(), io.Color.Format(), device.FormatRGBA32Float)
	case w == 0 || h == 0 || w > MaxFrameDimension || h > MaxFrameDimension:
		return fmt.Errorf("frame dimensions %dx%d outside the supported range [1, %d]", w, h, MaxFrameDimension)
	case p.opts.OutputSize == OutputSizeFixed && (w != p.opts.FixedOutputSize[0] || h != p.opts.FixedOutputSize[1]):
		return fmt.Errorf("output is %dx%d; the fixed output size is %dx%d", w, h, p.opts.FixedOutputSize[0], p.opts.FixedOutputSize[1])
	case io.SampleCount != nil && !io.SampleCount.SameSize(io.Color):
		return fmt.Errorf("sample count input is %dx%d; output is %dx%d", io.SampleCount.Width(), io.SampleCount.Height(), w, h)
	case io.SampleCount != nil && io.SampleCount.Format() != device.FormatR32Uint:
		return fmt.Errorf("sample count input has format %s; expected %s", io.SampleCount.Format(), device.FormatR32Uint)
	case io.ViewW != nil && !io.ViewW.SameSize(io.Color):
		return fmt.Errorf("view direction input is %dx%d; output is %dx%d", io.ViewW.Width(), io.ViewW.Height(), w, h)
	}
	return nil
}

// programDefines merges the defines of the options, the scene and the light
// sampler.
func (p *Pass) programDefines() tracer.Defines {
	defines := p.opts.Defines().
		Merge(p.scene.Defines()).
		Merge(p.lights.Defines())
	defines.Add("USE_FIXED_SAMPLE_COUNT", defineBool(p.fixedSampleCount))
	return defines
}

func (p *Pass) updatePrograms(_ *IO) error {
	if p.dirty&needsRecompile == 0 && p.programs.generatePaths != nil {
		return nil
	}
	p.releasePrograms()

	defines := p.programDefines()
	conformances := p.scene.TypeConformances()
	for _, target := range []struct {
		name string
		dst  *tracer.Program
	}{
		{tracer.ProgramGeneratePaths, &p.programs.generatePaths},
		{tracer.ProgramTraceLightPaths, &p.programs.traceLightPaths},
		{tracer.ProgramTraceCameraPaths, &p.programs.traceCameraPaths},
	} {
		prog, err := p.dispatcher.CreateProgram(tracer.ProgramDesc{
			Name:             target.name,
			Defines:          defines.Clone(),
			TypeConformances: conformances,
			MaxPayloadSize:   maxPayloadSize,
		})
		if err != nil {
			p.releasePrograms()
			return err
		}
		*target.dst = prog
	}

	logger.Debugf("compiled ray programs with %d defines", len(defines))
	p.dirty = (p.dirty &^ needsRecompile) | needsRebind
	return nil
}

// PrepareResources allocates the light vertex and frame resources that do
// not exist yet. Calling it again with unchanged options and frame size
// allocates nothing.
func (p *Pass) PrepareResources() error {
	if err := p.prepareLightResources(); err != nil {
		p.releaseLightResources()
		return err
	}
	if p.dirty&resolutionChanged != 0 {
		p.releaseFrameResources()
		p.dirty &^= resolutionChanged
	}
	if err := p.prepareFrameResources(); err != nil {
		p.releaseFrameResources()
		return err
	}
	return nil
}

// lightVertexCapacity returns the light vertex budget of a frame.
func (p *Pass) lightVertexCapacity() (uint32, error) {
	bounces := uint64(p.opts.MaxSurfaceBounces)
	if bounces == 0 {
		bounces = 1
	}
	capacity := uint64(p.opts.LightPassWidth) * uint64(p.opts.LightPassHeight) * bounces
	if capacity > maxLightVertexCapacity {
		return 0, fmt.Errorf("%w: %dx%d light paths with %d bounces need %d light vertices; at most %d are supported",
			ErrInvalidOption, p.opts.LightPassWidth, p.opts.LightPassHeight, bounces, capacity, maxLightVertexCapacity)
	}
	return uint32(capacity), nil
}

func (p *Pass) prepareLightResources() error {
	if p.positions != nil {
		return nil
	}
	capacity, err := p.lightVertexCapacity()
	if err != nil {
		return err
	}

	p.positions = p.device.Buffer("lightVertexPositions")
	if err = p.positions.AllocateStructured(16, int(capacity), device.ReadWrite|device.Counter); err != nil {
		return err
	}
	p.lightVertices = p.device.Buffer("lightVertices")
	if err = p.lightVertices.AllocateStructured(int(unsafe.Sizeof(tracer.LightVertex{})), int(capacity), device.ReadWrite); err != nil {
		return err
	}

	if p.morton, err = morton.NewCodeSort(p.device, p.positions, capacity, morton.WithQuantLevels(p.opts.MortonQuantLevels)); err != nil {
		return err
	}
	if p.sorter, err = sort.NewBitonic64(p.device, p.morton.KeyIndexList(), 0); err != nil {
		return err
	}

	treeOpts := []vtree.Option{vtree.WithWorkLoad(p.opts.TreeWorkLoad)}
	if p.opts.UseTemporalTree {
		treeOpts = append(treeOpts, vtree.WithTemporalBlending(p.opts.AccumulationCap))
	}
	if p.tree, err = vtree.NewBuilder(p.device, p.morton.KeyIndexList(), p.positions, capacity, treeOpts...); err != nil {
		return err
	}

	if p.opts.UseSubspaceWeights {
		if p.subspace, err = subspace.New(p.device, p.opts.LogSubspaceSize, subspace.WithAccumulationCap(p.opts.AccumulationCap)); err != nil {
			return err
		}
	}

	logger.Debugf("allocated light vertex resources for %d vertices", capacity)
	p.dirty |= needsRebind
	return nil
}

func (p *Pass) prepareFrameResources() error {
	if p.primaryHits != nil {
		return nil
	}
	numPixels := int(p.frameW * p.frameH)

	p.primaryHits = p.device.Buffer("primaryHits")
	err := p.primaryHits.AllocateStructured(int(unsafe.Sizeof(tracer.PathHit{})), numPixels, device.ReadWrite)
	if err != nil {
		return err
	}
	if p.output, err = p.device.Texture2D("bdptOutput", p.frameW, p.frameH, device.FormatRGBA32Float, device.ReadWrite); err != nil {
		return err
	}
	if spp := int(p.opts.SamplesPerPixel); spp > 1 {
		p.sampleColors = p.device.Buffer("sampleColors")
		if err = p.sampleColors.AllocateStructured(16, numPixels*spp, device.ReadWrite); err != nil {
			return err
		}
	}

	if p.reservoirs, err = p.allocatePair("reservoirs", int(unsafe.Sizeof(tracer.Reservoir{})), numPixels); err != nil {
		return err
	}
	if p.opts.UseVertexMerge {
		if p.gatherPoints, err = p.allocatePair("gatherPoints", int(unsafe.Sizeof(tracer.GatherPoint{})), numPixels); err != nil {
			return err
		}
	}

	logger.Debugf("allocated frame resources for %dx%d pixels", p.frameW, p.frameH)
	p.dirty |= needsRebind
	return nil
}

func (p *Pass) allocatePair(name string, elemSize, count int) (types.Pair[*device.Buffer], error) {
	var bufs [2]*device.Buffer
	for i := range bufs {
		bufs[i] = p.device.Buffer(fmt.Sprintf("%s%d", name, i))
		if err := bufs[i].AllocateStructured(elemSize, count, device.ReadWrite); err != nil {
			for _, buf := range bufs[:i] {
				buf.Release()
			}
			return types.Pair[*device.Buffer]{}, err
		}
	}
	return types.NewPair(bufs[0], bufs[1]), nil
}

// preparePathTracer rebinds the static program variables when needed and
// updates the per-frame ones.
func (p *Pass) preparePathTracer(io *IO) error {
	if p.dirty&needsRebind != 0 || p.vars == nil {
		p.bindStaticVars()
		p.dirty &^= needsRebind
	}

	p.vars.Set(tracer.VarSeed, p.seed).
		Set(tracer.VarFrameCount, p.frameCount)
	if io.SampleCount != nil {
		p.vars.Set(tracer.VarSampleCount, io.SampleCount)
	} else {
		delete(p.vars, tracer.VarSampleCount)
	}
	if p.subspace != nil {
		p.vars.Set(tracer.VarSubspaceDistribution, p.subspace.Distribution())
	}
	return nil
}

func (p *Pass) bindStaticVars() {
	o := &p.opts
	p.vars = make(tracer.Vars)
	p.scene.SetRaytracingShaderData(p.vars)
	p.lights.SetShaderData(p.vars)

	p.vars.Set(tracer.VarFrameWidth, p.frameW).
		Set(tracer.VarFrameHeight, p.frameH).
		Set(tracer.VarSamplesPerPixel, o.SamplesPerPixel).
		Set(tracer.VarFixedSampleCount, p.fixedSampleCount).
		Set(tracer.VarMaxSurfaceBounces, o.MaxSurfaceBounces).
		Set(tracer.VarMaxDiffuseBounces, o.MaxDiffuseBounces).
		Set(tracer.VarUseNEE, o.UseNEE).
		Set(tracer.VarUseMIS, o.UseMIS).
		Set(tracer.VarMisHeuristic, uint32(o.MISHeuristic)).
		Set(tracer.VarMisPowerExponent, o.MISPowerExponent).
		Set(tracer.VarUseRussianRoulette, o.UseRussianRoulette).
		Set(tracer.VarUseVertexMerge, o.UseVertexMerge).
		Set(tracer.VarUseSubspaceWeights, o.UseSubspaceWeights && p.subspace != nil).
		Set(tracer.VarLightPassWidth, o.LightPassWidth).
		Set(tracer.VarLightPassHeight, o.LightPassHeight).
		Set(tracer.VarLightVertexPositions, p.positions).
		Set(tracer.VarLightVertices, p.lightVertices).
		Set(tracer.VarPrimaryHits, p.primaryHits).
		Set(tracer.VarOutput, p.output).
		Set(tracer.VarAccumulationCap, o.AccumulationCap).
		Set(tracer.VarMergeRadius, o.MergeRadiusScale*p.scene.Bounds().Diagonal())

	if p.sampleColors != nil {
		p.vars.Set(tracer.VarSampleColors, p.sampleColors)
	}
	if p.subspace != nil {
		weight, count, moment := p.subspace.Current()
		p.vars.Set(tracer.VarSubspaceWeight, weight).
			Set(tracer.VarSubspaceCount, count).
			Set(tracer.VarSubspaceMoment, moment)
	}
}

func (p *Pass) generatePaths(_ *IO) error {
	if _, err := p.programs.generatePaths.Launch(p.vars, p.frameW, p.frameH); err != nil {
		return err
	}
	p.device.Barrier(p.primaryHits)
	return nil
}

func (p *Pass) traceLightPaths(_ *IO) error {
	if err := p.device.ClearCounter(p.positions, 0); err != nil {
		return err
	}
	if _, err := p.programs.traceLightPaths.Launch(p.vars, p.opts.LightPassWidth, p.opts.LightPassHeight); err != nil {
		return err
	}
	p.device.Barrier(p.positions, p.lightVertices)
	return nil
}

// readLightVertexCount stalls until the light sub-paths are traced; the
// count sizes the sort and the tree.
func (p *Pass) readLightVertexCount(_ *IO) error {
	count, err := p.device.ReadCounter(p.positions)
	if err != nil {
		return err
	}
	// Sub-paths that ran out of space still bumped the counter.
	if capacity := uint32(p.positions.ElementCount()); count > capacity {
		logger.Debugf("light vertex buffer overflow: %d vertices for %d slots", count, capacity)
		count = capacity
		if err = p.device.ClearCounter(p.positions, count); err != nil {
			return err
		}
		p.device.Barrier(p.positions)
	}
	p.lightVertexCount = count
	p.stats.LightVertices = count
	return nil
}

func (p *Pass) sortLightVertices(_ *IO) error {
	if err := p.morton.Execute(); err != nil {
		return err
	}
	if err := p.sorter.SetListCount(p.lightVertexCount, p.morton.KeyIndexList()); err != nil {
		return err
	}
	return p.sorter.Sort()
}

func (p *Pass) buildVertexTree(_ *IO) error {
	if err := p.tree.SetInputs(p.morton.KeyIndexList(), p.positions); err != nil {
		return err
	}
	if err := p.tree.Update(p.lightVertexCount); err != nil {
		return err
	}
	if err := p.tree.Build(); err != nil {
		return err
	}
	p.device.Barrier(p.tree.Tree())

	p.stats.TreeLevels = p.tree.TreeLevels()
	p.stats.TreePasses = p.tree.Passes()
	return nil
}

func (p *Pass) traceCameraPaths(_ *IO) error {
	p.vars.Set(tracer.VarLightVertexCount, p.tree.RealLeafNodesNum()).
		Set(tracer.VarTree, p.tree.Tree()).
		Set(tracer.VarLeafNodeStart, p.tree.LeafNodeStart()).
		Set(tracer.VarBlendRatio, p.tree.BlendRatio()).
		Set(tracer.VarReservoirs, p.reservoirs.Current()).
		Set(tracer.VarPrevReservoirs, p.reservoirs.Previous())
	if prev := p.tree.PrevTree(); prev != nil {
		p.vars.Set(tracer.VarPrevTree, prev).
			Set(tracer.VarPrevLeafNodeStart, p.tree.PrevLeafNodeStart())
	}
	if p.opts.UseVertexMerge {
		p.vars.Set(tracer.VarGatherPoints, p.gatherPoints.Current()).
			Set(tracer.VarPrevGatherPoints, p.gatherPoints.Previous())
	}

	if _, err := p.programs.traceCameraPaths.Launch(p.vars, p.frameW, p.frameH); err != nil {
		return err
	}

	written := []device.Resource{p.output, p.reservoirs.Current()}
	if p.sampleColors != nil {
		written = append(written, p.sampleColors)
	}
	if p.opts.UseVertexMerge {
		written = append(written, p.gatherPoints.Current())
	}
	p.device.Barrier(written...)
	return nil
}

func (p *Pass) buildSubspaceTables(_ *IO) error {
	if p.subspace == nil {
		return nil
	}
	weight, count, moment := p.subspace.Current()
	p.device.Barrier(weight, count, moment)
	return p.subspace.Build()
}

// composeOutput resolves per-sample colors and copies the result to the
// host output.
func (p *Pass) composeOutput(io *IO) error {
	if spp := p.opts.SamplesPerPixel; p.fixedSampleCount && spp > 1 {
		numPixels := p.frameW * p.frameH
		if err := p.resolve.SetArgs(p.sampleColors, p.output, spp, numPixels); err != nil {
			return err
		}
		if _, err := p.resolve.Exec1D(int(numPixels)); err != nil {
			return err
		}
		p.device.Barrier(p.output)
	}
	return p.device.Copy(io.Color, p.output)
}

// endFrame clears the per-frame accumulators and hands the current
// double-buffered resources over to the previous role.
func (p *Pass) endFrame(_ *IO) error {
	if err := p.device.Clear(p.output); err != nil {
		return err
	}
	if p.opts.UseVertexMerge {
		p.gatherPoints.Swap()
	}
	p.reservoirs.Swap()
	p.tree.EndFrame()
	if p.subspace != nil {
		if err := p.subspace.EndFrame(); err != nil {
			return err
		}
	}
	p.frameCount++
	return nil
}

func (p *Pass) releasePrograms() {
	for _, prog := range []tracer.Program{p.programs.generatePaths, p.programs.traceLightPaths, p.programs.traceCameraPaths} {
		if prog != nil {
			prog.Release()
		}
	}
	p.programs = rayPrograms{}
	p.dirty |= needsRecompile
}

func (p *Pass) releaseLightResources() {
	if p.subspace != nil {
		p.subspace.Release()
		p.subspace = nil
	}
	if p.tree != nil {
		p.tree.Release()
		p.tree = nil
	}
	if p.sorter != nil {
		p.sorter.Release()
		p.sorter = nil
	}
	if p.morton != nil {
		p.morton.Release()
		p.morton = nil
	}
	for _, buf := range []*device.Buffer{p.positions, p.lightVertices} {
		if buf != nil {
			buf.Release()
		}
	}
	p.positions, p.lightVertices = nil, nil
	p.dirty |= needsRebind
}

func (p *Pass) releaseFrameResources() {
	reservoirs, gathers := p.reservoirs.Items(), p.gatherPoints.Items()
	bufs := []*device.Buffer{p.primaryHits, p.sampleColors, reservoirs[0], reservoirs[1], gathers[0], gathers[1]}
	if p.output != nil {
		bufs = append(bufs, p.output.Buffer)
	}
	for _, buf := range bufs {
		if buf != nil {
			buf.Release()
		}
	}
	p.primaryHits, p.output, p.sampleColors = nil, nil, nil
	p.reservoirs = types.Pair[*device.Buffer]{}
	p.gatherPoints = types.Pair[*device.Buffer]{}
	p.dirty |= needsRebind
}

// Release frees every resource owned by the pass.
func (p *Pass) Release() {
	p.releasePrograms()
	p.releaseLightResources()
	p.releaseFrameResources()
	if p.resolve != nil {
		p.resolve.Release()
		p.resolve = nil
	}
}

func definesEqual(a, b tracer.Defines) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if other, found := b[k]; !found || other != v {
			return false
		}
	}
	return true
}
