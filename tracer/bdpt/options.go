package bdpt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/types"
)

const (
	// Upper bound for samplesPerPixel.
	MaxSamplesPerPixel = 16

	// Upper bound for every bounce count.
	MaxBounces = 254

	// Largest supported frame width or height.
	MaxFrameDimension = 4096

	// Largest supported light pass width or height.
	MaxLightPassDimension = 4096

	MinLogSubspaceSize = 1
	MaxLogSubspaceSize = 12

	// Finest supported morton quantization.
	MaxMortonQuantLevels = 1024
)

// SampleGenerator selects the per-thread random stream of the ray programs.
type SampleGenerator uint8

const (
	SampleGeneratorTinyUniform SampleGenerator = iota
	SampleGeneratorUniform
)

var sampleGeneratorNames = []string{"TinyUniform", "Uniform"}

func (g SampleGenerator) String() string {
	return enumName(sampleGeneratorNames, uint8(g))
}

// EmissiveSampler selects the light sampler variant.
type EmissiveSampler uint8

const (
	EmissiveUniform EmissiveSampler = iota
	EmissiveLightBVH
	EmissivePower
)

var emissiveSamplerNames = []string{"Uniform", "LightBVH", "Power"}

func (s EmissiveSampler) String() string {
	return enumName(emissiveSamplerNames, uint8(s))
}

// MISHeuristic selects the multiple importance sampling weights.
type MISHeuristic uint8

const (
	MISBalance MISHeuristic = iota
	MISPowerTwo
	MISPowerExp
)

var misHeuristicNames = []string{"Balance", "PowerTwo", "PowerExp"}

func (h MISHeuristic) String() string {
	return enumName(misHeuristicNames, uint8(h))
}

// LodMode selects texture level of detail for primary hits.
type LodMode uint8

const (
	LodMip0 LodMode = iota
	LodRayCones
	LodRayDiffs
)

var lodModeNames = []string{"Mip0", "RayCones", "RayDiffs"}

func (m LodMode) String() string {
	return enumName(lodModeNames, uint8(m))
}

// OutputSize selects how the output dimensions are derived from the default
// frame dimensions.
type OutputSize uint8

const (
	OutputSizeDefault OutputSize = iota
	OutputSizeFixed
	OutputSizeFull
	OutputSizeHalf
	OutputSizeQuarter
	OutputSizeDouble
)

var outputSizeNames = []string{"Default", "Fixed", "Full", "Half", "Quarter", "Double"}

func (s OutputSize) String() string {
	return enumName(outputSizeNames, uint8(s))
}

// ColorFormat selects the encoding of intermediate sample colors.
type ColorFormat uint8

const (
	ColorFormatRGBA32F ColorFormat = iota
	ColorFormatLogLuvHDR
)

var colorFormatNames = []string{"RGBA32F", "LogLuvHDR"}

func (f ColorFormat) String() string {
	return enumName(colorFormatNames, uint8(f))
}

// Options configures the pass.
type Options struct {
	// Rendering
	SamplesPerPixel        uint32
	MaxSurfaceBounces      uint32
	MaxDiffuseBounces      uint32
	MaxSpecularBounces     uint32
	MaxTransmissionBounces uint32

	// Sampling
	SampleGenerator    SampleGenerator
	UseFixedSeed       bool
	FixedSeed          uint32
	UseBSDFSampling    bool
	UseRussianRoulette bool
	UseNEE             bool
	UseMIS             bool
	MISHeuristic       MISHeuristic
	MISPowerExponent   float32
	EmissiveSampler    EmissiveSampler
	LightBVHOptions    LightBVHOptions

	// Materials
	UseAlphaTest                 bool
	AdjustShadingNormals         bool
	MaxNestedMaterials           uint32
	UseLightsInDielectricVolumes bool
	DisableCaustics              bool
	SpecularRoughnessThreshold   float32
	PrimaryLodMode               LodMode
	LodBias                      float32

	// Output
	OutputSize      OutputSize
	FixedOutputSize [2]uint32
	ColorFormat     ColorFormat

	// Light sub-paths are traced over a LightPassWidth x LightPassHeight grid.
	LightPassWidth  uint32
	LightPassHeight uint32

	// Subspace statistics
	LogSubspaceSize    uint32
	UseSubspaceWeights bool

	// Vertex connection and merging
	UseVertexMerge   bool
	UseTemporalTree  bool
	AccumulationCap  float32
	MergeRadiusScale float32

	MortonQuantLevels uint32
	TreeWorkLoad      uint32

	// Require a per-pixel sample count input.
	UseVariableSampleCount bool
}

// DefaultOptions returns the options used for keys missing from a
// dictionary.
func DefaultOptions() Options {
	return Options{
		SamplesPerPixel:        1,
		MaxSurfaceBounces:      10,
		MaxDiffuseBounces:      10,
		MaxSpecularBounces:     10,
		MaxTransmissionBounces: 10,

		SampleGenerator:  SampleGeneratorTinyUniform,
		UseBSDFSampling:  true,
		UseNEE:           true,
		UseMIS:           true,
		MISHeuristic:     MISBalance,
		MISPowerExponent: 2,
		EmissiveSampler:  EmissiveLightBVH,
		LightBVHOptions:  DefaultLightBVHOptions(),

		UseAlphaTest:               true,
		AdjustShadingNormals:       true,
		MaxNestedMaterials:         2,
		SpecularRoughnessThreshold: 0.25,
		PrimaryLodMode:             LodMip0,

		OutputSize:  OutputSizeDefault,
		ColorFormat: ColorFormatLogLuvHDR,

		LightPassWidth:  512,
		LightPassHeight: 256,

		LogSubspaceSize: 11,

		UseVertexMerge:   true,
		AccumulationCap:  20,
		MergeRadiusScale: 0.005,

		MortonQuantLevels: MaxMortonQuantLevels,
		TreeWorkLoad:      2048,
	}
}

// validate clamps out of range values, logging a warning for each one.
func (o *Options) validate() {
	if o.SpecularRoughnessThreshold < 0 || o.SpecularRoughnessThreshold > 1 {
		logger.Warningf("'%s' has invalid value %f; clamping to [0, 1]", KeySpecularRoughnessThreshold, o.SpecularRoughnessThreshold)
		o.SpecularRoughnessThreshold = clampFloat32(o.SpecularRoughnessThreshold, 0, 1)
	}

	if o.SamplesPerPixel < 1 || o.SamplesPerPixel > MaxSamplesPerPixel {
		logger.Warningf("'%s' must be in the range [1, %d]; clamping", KeySamplesPerPixel, MaxSamplesPerPixel)
		o.SamplesPerPixel = clampUint32(o.SamplesPerPixel, 1, MaxSamplesPerPixel)
	}

	for _, b := range []struct {
		key   string
		value *uint32
	}{
		{KeyMaxSurfaceBounces, &o.MaxSurfaceBounces},
		{KeyMaxDiffuseBounces, &o.MaxDiffuseBounces},
		{KeyMaxSpecularBounces, &o.MaxSpecularBounces},
		{KeyMaxTransmissionBounces, &o.MaxTransmissionBounces},
	} {
		if *b.value > MaxBounces {
			logger.Warningf("'%s' exceeds the maximum supported bounces; clamping to %d", b.key, MaxBounces)
			*b.value = MaxBounces
		}
	}

	// Surface bounces cover every other bounce type.
	if min := o.minSurfaceBounces(); o.MaxSurfaceBounces < min {
		logger.Warningf("'%s' is set lower than '%s', '%s' or '%s'; raising it to %d", KeyMaxSurfaceBounces, KeyMaxDiffuseBounces, KeyMaxSpecularBounces, KeyMaxTransmissionBounces, min)
		o.MaxSurfaceBounces = min
	}

	if o.PrimaryLodMode == LodRayCones {
		logger.Warningf("unsupported '%s' %s; defaulting to %s", KeyPrimaryLodMode, LodRayCones, LodMip0)
		o.PrimaryLodMode = LodMip0
	}

	if o.OutputSize == OutputSizeFixed && (o.FixedOutputSize[0] == 0 || o.FixedOutputSize[1] == 0) {
		logger.Warningf("'%s' is %s but '%s' is empty; using %s", KeyOutputSize, OutputSizeFixed, KeyFixedOutputSize, OutputSizeDefault)
		o.OutputSize = OutputSizeDefault
	}

	if o.LightPassWidth < 1 || o.LightPassWidth > MaxLightPassDimension {
		logger.Warningf("'%s' must be in the range [1, %d]; clamping", KeyLightPassWidth, MaxLightPassDimension)
		o.LightPassWidth = clampUint32(o.LightPassWidth, 1, MaxLightPassDimension)
	}
	if o.LightPassHeight < 1 || o.LightPassHeight > MaxLightPassDimension {
		logger.Warningf("'%s' must be in the range [1, %d]; clamping", KeyLightPassHeight, MaxLightPassDimension)
		o.LightPassHeight = clampUint32(o.LightPassHeight, 1, MaxLightPassDimension)
	}

	if o.LogSubspaceSize < MinLogSubspaceSize || o.LogSubspaceSize > MaxLogSubspaceSize {
		logger.Warningf("'%s' must be in the range [%d, %d]; clamping", KeyLogSubspaceSize, MinLogSubspaceSize, MaxLogSubspaceSize)
		o.LogSubspaceSize = clampUint32(o.LogSubspaceSize, MinLogSubspaceSize, MaxLogSubspaceSize)
	}

	if o.MortonQuantLevels < 2 || o.MortonQuantLevels > MaxMortonQuantLevels || !types.IsPow2(o.MortonQuantLevels) {
		logger.Warningf("'%s' must be a power of two in [2, %d]; using %d", KeyMortonQuantLevels, MaxMortonQuantLevels, MaxMortonQuantLevels)
		o.MortonQuantLevels = MaxMortonQuantLevels
	}

	if o.TreeWorkLoad < 2 {
		logger.Warningf("'%s' must be at least 2; using 2048", KeyTreeWorkLoad)
		o.TreeWorkLoad = 2048
	}

	if o.AccumulationCap < 0 {
		logger.Warningf("'%s' must not be negative; disabling history", KeyAccumulationCap)
		o.AccumulationCap = 0
	}
	if o.MergeRadiusScale < 0 {
		logger.Warningf("'%s' must not be negative; disabling vertex merging", KeyMergeRadiusScale)
		o.MergeRadiusScale = 0
	}

	if o.LightBVHOptions.MaxTriangleCountPerLeaf < 1 {
		logger.Warningf("'%s' must be at least 1", KeyMaxTriangleCountPerLeaf)
		o.LightBVHOptions.MaxTriangleCountPerLeaf = 1
	}
}

func (o *Options) minSurfaceBounces() uint32 {
	min := o.MaxDiffuseBounces
	if o.MaxSpecularBounces > min {
		min = o.MaxSpecularBounces
	}
	if o.MaxTransmissionBounces > min {
		min = o.MaxTransmissionBounces
	}
	return min
}

// Defines returns the program defines derived from the static options.
func (o Options) Defines() tracer.Defines {
	return tracer.Defines{
		"SAMPLES_PER_PIXEL":                strconv.Itoa(int(o.SamplesPerPixel)),
		"MAX_SURFACE_BOUNCES":              strconv.Itoa(int(o.MaxSurfaceBounces)),
		"MAX_DIFFUSE_BOUNCES":              strconv.Itoa(int(o.MaxDiffuseBounces)),
		"MAX_SPECULAR_BOUNCES":             strconv.Itoa(int(o.MaxSpecularBounces)),
		"MAX_TRANSMISSON_BOUNCES":          strconv.Itoa(int(o.MaxTransmissionBounces)),
		"SAMPLE_GENERATOR":                 strconv.Itoa(int(o.SampleGenerator)),
		"USE_BSDF_SAMPLING":                defineBool(o.UseBSDFSampling),
		"USE_RUSSIAN_ROULETTE":             defineBool(o.UseRussianRoulette),
		"USE_NEE":                          defineBool(o.UseNEE),
		"USE_MIS":                          defineBool(o.UseMIS),
		"MIS_HEURISTIC":                    strconv.Itoa(int(o.MISHeuristic)),
		"MIS_POWER_EXPONENT":               strconv.FormatFloat(float64(o.MISPowerExponent), 'g', -1, 32),
		"USE_ALPHA_TEST":                   defineBool(o.UseAlphaTest),
		"ADJUST_SHADING_NORMALS":           defineBool(o.AdjustShadingNormals),
		"MAX_NESTED_MATERIALS":             strconv.Itoa(int(o.MaxNestedMaterials)),
		"USE_LIGHTS_IN_DIELECTRIC_VOLUMES": defineBool(o.UseLightsInDielectricVolumes),
		"DISABLE_CAUSTICS":                 defineBool(o.DisableCaustics),
		"PRIMARY_LOD_MODE":                 strconv.Itoa(int(o.PrimaryLodMode)),
		"COLOR_FORMAT":                     strconv.Itoa(int(o.ColorFormat)),
		"USE_VERTEX_MERGE":                 defineBool(o.UseVertexMerge),
		"USE_SUBSPACE_WEIGHTS":             defineBool(o.UseSubspaceWeights),
		"LOG_SUBSPACE_SIZE":                strconv.Itoa(int(o.LogSubspaceSize)),
		"USE_TEMPORAL_TREE":                defineBool(o.UseTemporalTree),
	}
}

// OutputDims returns the output size for the given default frame size.
func (o Options) OutputDims(defaultW, defaultH uint32) (uint32, uint32) {
	switch o.OutputSize {
	case OutputSizeFixed:
		return o.FixedOutputSize[0], o.FixedOutputSize[1]
	case OutputSizeHalf:
		return max(defaultW/2, 1), max(defaultH/2, 1)
	case OutputSizeQuarter:
		return max(defaultW/4, 1), max(defaultH/4, 1)
	case OutputSizeDouble:
		return defaultW * 2, defaultH * 2
	}
	return defaultW, defaultH
}

// lightResourceKey captures the options that size the light vertex
// resources.
type lightResourceKey struct {
	lightW, lightH  uint32
	bounces         uint32
	quantLevels     uint32
	workLoad        uint32
	temporal        bool
	useSubspace     bool
	logSubspaceSize uint32
	accumulationCap float32
}

func (o Options) lightResourceKey() lightResourceKey {
	return lightResourceKey{
		lightW:          o.LightPassWidth,
		lightH:          o.LightPassHeight,
		bounces:         o.MaxSurfaceBounces,
		quantLevels:     o.MortonQuantLevels,
		workLoad:        o.TreeWorkLoad,
		temporal:        o.UseTemporalTree,
		useSubspace:     o.UseSubspaceWeights,
		logSubspaceSize: o.LogSubspaceSize,
		accumulationCap: o.AccumulationCap,
	}
}

// frameResourceKey captures the options that size the per-pixel resources.
type frameResourceKey struct {
	spp      uint32
	useMerge bool
}

func (o Options) frameResourceKey() frameResourceKey {
	return frameResourceKey{spp: o.SamplesPerPixel, useMerge: o.UseVertexMerge}
}

func enumName(names []string, v uint8) string {
	if int(v) < len(names) {
		return names[v]
	}
	return fmt.Sprintf("unknown(%d)", v)
}

// parseEnum accepts either an enum name (case insensitive) or its ordinal.
func parseEnum(key string, names []string, value interface{}) (uint8, error) {
	if name, isString := value.(string); isString {
		for i, candidate := range names {
			if strings.EqualFold(candidate, strings.TrimSpace(name)) {
				return uint8(i), nil
			}
		}
		return 0, fmt.Errorf("%w: '%s': unknown value %q; expected one of %s", ErrInvalidOption, key, name, strings.Join(names, ", "))
	}

	ordinal, err := toUint32(key, value)
	if err != nil {
		return 0, err
	}
	if ordinal >= uint32(len(names)) {
		return 0, fmt.Errorf("%w: '%s': value %d out of range", ErrInvalidOption, key, ordinal)
	}
	return uint8(ordinal), nil
}

func defineBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

func clampUint32(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat32(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
