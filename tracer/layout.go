package tracer

import (
	"github.com/achilleasa/go-lightpath/types"
)

// Ray programs used by the light path pipeline.
const (
	ProgramGeneratePaths    = "GeneratePaths"
	ProgramTraceLightPaths  = "TraceLightPaths"
	ProgramTraceCameraPaths = "TraceCameraPaths"
)

// Variables shared between the pass that owns the resources and the ray
// programs that consume them.
const (
	VarFrameWidth       = "gFrameWidth"
	VarFrameHeight      = "gFrameHeight"
	VarSeed             = "gSeed"
	VarFrameCount       = "gFrameCount"
	VarSamplesPerPixel  = "gSamplesPerPixel"
	VarFixedSampleCount = "gFixedSampleCount"
	VarSampleCount      = "gSampleCount"

	VarMaxSurfaceBounces  = "gMaxSurfaceBounces"
	VarMaxDiffuseBounces  = "gMaxDiffuseBounces"
	VarUseNEE             = "gUseNEE"
	VarUseMIS             = "gUseMIS"
	VarMisHeuristic       = "gMisHeuristic"
	VarMisPowerExponent   = "gMisPowerExponent"
	VarUseRussianRoulette = "gUseRussianRoulette"
	VarUseVertexMerge     = "gUseVertexMerge"
	VarUseSubspaceWeights = "gUseSubspaceWeights"
	VarLightSampler       = "gLightSampler"

	VarLightPassWidth       = "gLightPassWidth"
	VarLightPassHeight      = "gLightPassHeight"
	VarLightVertices        = "gLightVertices"
	VarLightVertexPositions = "gLightVertexPositions"

	VarPrimaryHits  = "gPrimaryHits"
	VarOutput       = "gOutput"
	VarSampleColors = "gSampleColors"

	VarTree              = "gTree"
	VarPrevTree          = "gPrevTree"
	VarLeafNodeStart     = "gLeafNodeStart"
	VarPrevLeafNodeStart = "gPrevLeafNodeStart"
	VarLightVertexCount  = "gLightVertexCount"
	VarBlendRatio        = "gBlendRatio"
	VarMergeRadius       = "gMergeRadius"
	VarAccumulationCap   = "gAccumulationCap"

	VarReservoirs       = "gReservoirs"
	VarPrevReservoirs   = "gPrevReservoirs"
	VarGatherPoints     = "gGatherPoints"
	VarPrevGatherPoints = "gPrevGatherPoints"

	VarSubspaceWeight       = "gSubspaceWeight"
	VarSubspaceCount        = "gSubspaceCount"
	VarSubspaceMoment       = "gSubspaceSecondMoment"
	VarSubspaceDistribution = "gSubspaceDistribution"
)

// MIS heuristics.
const (
	MisBalance uint32 = iota
	MisPower
	MisPowerExp
)

// LightVertex is a surface vertex of a light sub-path. The position and flux
// luminance are mirrored into a float4 position buffer that feeds the key
// generation and the vertex tree. Cell is the subspace cell of the emission
// direction that started the sub-path.
type LightVertex struct {
	Position types.Vec3
	Cell     uint32

	// Flux arriving at the vertex, already divided by the number of
	// light sub-paths.
	Flux       types.Vec3
	PathLength uint32

	Normal types.Vec3
	PathID uint32

	Albedo types.Vec3
	_      uint32
}

// PathHit is the primary hit of a pixel. Material is the scene material
// type plus one; zero marks a miss.
type PathHit struct {
	Position types.Vec3
	Material uint32

	Normal types.Vec3
	Quad   uint32

	Albedo types.Vec3
	T      float32

	Emission types.Vec3
	_        float32

	Origin types.Vec3
	_      float32

	Dir types.Vec3
	_   float32
}

// Reservoir keeps the light vertex selected for a pixel's vertex connection
// together with its resampling state. The sample is copied so that it
// outlives the light vertex buffer it came from.
type Reservoir struct {
	Position  types.Vec3
	WeightSum float32

	Normal types.Vec3
	M      float32

	// Outgoing flux of the selected vertex towards any direction
	// (flux * albedo / pi).
	Radiance types.Vec3
	W        float32

	Cell   uint32
	Target float32
	Valid  uint32
	_      uint32
}

// GatherPoint is the per-pixel progressive merge state.
type GatherPoint struct {
	Position types.Vec3
	N        float32

	Normal types.Vec3
	Radius float32
}

// LightSampler picks emitters. Implementations must be safe for concurrent
// use by the ray programs.
type LightSampler interface {
	// SampleEmitter picks a light for emission. It returns the light
	// index and its discrete probability.
	SampleEmitter(u float32) (uint32, float32, bool)

	// Sample picks a light to connect a shading point to.
	Sample(p types.Vec3, u float32) (uint32, float32, bool)

	// Pdf returns the probability that Sample picks light for p.
	Pdf(p types.Vec3, light uint32) float32
}
