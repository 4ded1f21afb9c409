package bdpt

import (
	"errors"
	"math"
	"testing"

	"github.com/achilleasa/go-lightpath/log"
	"github.com/achilleasa/go-lightpath/scene"
	"github.com/achilleasa/go-lightpath/tracer"
	"github.com/achilleasa/go-lightpath/tracer/cpu"
	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/tracer/vtree"
	"github.com/achilleasa/go-lightpath/types"
)

const (
	testFrameW = 32
	testFrameH = 16
)

// testDictionary keeps the light pass small enough for the cpu programs.
func testDictionary(extra Dictionary) Dictionary {
	d := Dictionary{
		KeyLightPassWidth:    uint32(64),
		KeyLightPassHeight:   uint32(64),
		KeyMaxSurfaceBounces: uint32(4),
		KeyFixedSeed:         uint32(11),
	}
	for k, v := range extra {
		d[k] = v
	}
	return d
}

func createPass(t *testing.T, extra Dictionary) (*device.Device, *Pass) {
	log.Discard()
	dev := device.NewCpuDevice("test", device.WithWorkers(2), device.WithStrictHazards(true))
	pass, err := New(dev, cpu.NewDispatcher(dev), testDictionary(extra))
	if err != nil {
		t.Fatal(err)
	}
	pass.SetScene(scene.NewPlaneWithLight())
	return dev, pass
}

func colorTarget(t *testing.T, dev *device.Device, w, h uint32) *device.Texture {
	tex, err := dev.Texture2D("color", w, h, device.FormatRGBA32Float, device.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	return tex
}

func checkFinite(t *testing.T, tex *device.Texture) {
	for i, c := range device.View[types.Vec4](tex.Buffer) {
		for _, v := range c {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				t.Fatalf("expected finite output; pixel %d is %v", i, c)
			}
		}
	}
}

func TestNewFeatureChecks(t *testing.T) {
	type spec struct {
		features device.Features
		expErr   error
	}
	specs := []spec{
		{device.FeatureRaytracingTier11, ErrUnsupportedShaderModel},
		{device.FeatureShaderModel65, ErrUnsupportedRaytracingTier},
		{device.AllFeatures, nil},
	}

	for index, s := range specs {
		dev := device.NewCpuDevice("test", device.WithFeatures(s.features))
		_, err := New(dev, cpu.NewDispatcher(dev), nil)
		if !errors.Is(err, s.expErr) {
			t.Fatalf("[spec %d] expected error %v; got %v", index, s.expErr, err)
		}
	}

	dev := device.NewCpuDevice("test")
	if _, err := New(dev, cpu.NewDispatcher(dev), Dictionary{KeyMISHeuristic: "Unknown"}); !errors.Is(err, ErrInvalidOption) {
		t.Fatalf("expected ErrInvalidOption; got %v", err)
	}
}

// Runs a 64x64 light pass; TestExecuteDefaultLightPass covers the default
// 512x256 size.
func TestExecuteRendersFrame(t *testing.T) {
	dev, pass := createPass(t, nil)
	defer pass.Release()
	color := colorTarget(t, dev, testFrameW, testFrameH)

	if err := pass.Execute(IO{Color: color}); err != nil {
		t.Fatal(err)
	}

	stats := pass.Stats()
	if stats.LightVertices == 0 {
		t.Fatal("expected light sub-paths to deposit vertices")
	}
	if capacity := uint32(64 * 64 * 4); stats.LightVertices > capacity {
		t.Fatalf("expected at most %d light vertices; got %d", capacity, stats.LightVertices)
	}
	if len(stats.Stages) != len(frameStages) {
		t.Fatalf("expected timings for %d stages; got %d", len(frameStages), len(stats.Stages))
	}
	for index, stage := range stats.Stages {
		if stage.Name != frameStages[index].Name {
			t.Fatalf("expected stage %d to be %s; got %s", index, frameStages[index].Name, stage.Name)
		}
	}
	if stats.Device.Hazards != 0 {
		t.Fatalf("expected no hazards; got %d", stats.Device.Hazards)
	}
	if pass.FrameCount() != 1 {
		t.Fatalf("expected frame count to be 1; got %d", pass.FrameCount())
	}

	nodes, err := pass.VertexTree().ReadTree()
	if err != nil {
		t.Fatal(err)
	}
	leafStart := pass.VertexTree().LeafNodeStart()
	var leafSum float64
	for _, leaf := range nodes[leafStart : leafStart+pass.VertexTree().RealLeafNodesNum()] {
		leafSum += float64(leaf.WeightSum)
	}
	if root := float64(nodes[1].WeightSum); math.Abs(root-leafSum) > 1e-3*math.Max(1, leafSum) {
		t.Fatalf("expected root weight %f to match the leaf total %f", root, leafSum)
	}
	if got := vtree.LiveLeaves(nodes, leafStart, 1); got != stats.LightVertices {
		t.Fatalf("expected root to cover %d live leaves; got %d", stats.LightVertices, got)
	}

	checkFinite(t, color)
	var lit int
	for _, c := range device.View[types.Vec4](color.Buffer) {
		if c[0] > 0 || c[1] > 0 || c[2] > 0 {
			lit++
		}
	}
	if lit == 0 {
		t.Fatal("expected some pixels to receive light")
	}
}

func TestExecuteDefaultLightPass(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full size light pass in short mode")
	}

	dev, pass := createPass(t, Dictionary{
		KeyLightPassWidth:  uint32(512),
		KeyLightPassHeight: uint32(256),
	})
	defer pass.Release()
	color := colorTarget(t, dev, testFrameW, testFrameH)

	if err := pass.Execute(IO{Color: color}); err != nil {
		t.Fatal(err)
	}

	stats := pass.Stats()
	if stats.LightVertices == 0 {
		t.Fatal("expected light sub-paths to deposit vertices")
	}
	if capacity := uint32(512 * 256 * 4); stats.LightVertices > capacity {
		t.Fatalf("expected at most %d light vertices; got %d", capacity, stats.LightVertices)
	}
	if stats.Device.Hazards != 0 {
		t.Fatalf("expected no hazards; got %d", stats.Device.Hazards)
	}

	tree := pass.VertexTree()
	if tree.RealLeafNodesNum() != stats.LightVertices {
		t.Fatalf("expected %d tree leaves; got %d", stats.LightVertices, tree.RealLeafNodesNum())
	}
	nodes, err := tree.ReadTree()
	if err != nil {
		t.Fatal(err)
	}
	if got := vtree.LiveLeaves(nodes, tree.LeafNodeStart(), 1); got != stats.LightVertices {
		t.Fatalf("expected root to cover %d live leaves; got %d", stats.LightVertices, got)
	}
	checkFinite(t, color)
}

func TestExecuteErrors(t *testing.T) {
	dev, pass := createPass(t, Dictionary{KeyUseVariableSampleCount: true})
	defer pass.Release()

	if err := pass.Execute(IO{}); !errors.Is(err, ErrMissingOutput) {
		t.Fatalf("expected ErrMissingOutput; got %v", err)
	}

	color := colorTarget(t, dev, testFrameW, testFrameH)
	if err := pass.Execute(IO{Color: color}); !errors.Is(err, ErrMissingSampleCount) {
		t.Fatalf("expected ErrMissingSampleCount; got %v", err)
	}
}

func TestIOMismatchDisablesPass(t *testing.T) {
	dev, pass := createPass(t, Dictionary{
		KeyOutputSize:      "Fixed",
		KeyFixedOutputSize: []uint32{16, 16},
	})
	defer pass.Release()

	color := colorTarget(t, dev, testFrameW, testFrameH)
	for frame := 0; frame < 2; frame++ {
		if err := dev.ClearFloat32(color, 1); err != nil {
			t.Fatal(err)
		}
		if err := pass.Execute(IO{Color: color}); err != nil {
			t.Fatalf("[frame %d] unexpected error: %v", frame, err)
		}
		if pass.Enabled() {
			t.Fatalf("[frame %d] expected pass to be disabled", frame)
		}
		for i, v := range device.View[float32](color.Buffer) {
			if v != 0 {
				t.Fatalf("[frame %d] expected output to be cleared; word %d is %f", frame, i, v)
			}
		}
	}
	if pass.FrameCount() != 0 {
		t.Fatalf("expected no frames to be rendered; got %d", pass.FrameCount())
	}

	pass.SetOptions(pass.Options())
	if !pass.Enabled() {
		t.Fatal("expected SetOptions to re-enable the pass")
	}

	fixed := colorTarget(t, dev, 16, 16)
	if err := pass.Execute(IO{Color: fixed}); err != nil {
		t.Fatal(err)
	}
	if !pass.Enabled() || pass.FrameCount() != 1 {
		t.Fatalf("expected a frame to be rendered at the fixed output size")
	}
}

func TestSampleCountMismatchDisablesPass(t *testing.T) {
	dev, pass := createPass(t, nil)
	defer pass.Release()

	color := colorTarget(t, dev, testFrameW, testFrameH)
	counts, err := dev.Texture2D("sampleCount", testFrameW, testFrameH, device.FormatR32Float, device.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err = pass.Execute(IO{Color: color, SampleCount: counts}); err != nil {
		t.Fatal(err)
	}
	if pass.Enabled() {
		t.Fatal("expected a sample count input with the wrong format to disable the pass")
	}
}

func TestPrepareResourcesIsIdempotent(t *testing.T) {
	dev, pass := createPass(t, nil)
	defer pass.Release()

	color := colorTarget(t, dev, testFrameW, testFrameH)
	if err := pass.Execute(IO{Color: color}); err != nil {
		t.Fatal(err)
	}

	allocations := dev.Stats().Allocations
	positions := pass.LightVertexPositions()
	if err := pass.PrepareResources(); err != nil {
		t.Fatal(err)
	}
	if got := dev.Stats().Allocations; got != allocations {
		t.Fatalf("expected no new allocations; got %d, was %d", got, allocations)
	}
	if pass.LightVertexPositions() != positions {
		t.Fatal("expected light vertex buffer to be reused")
	}

	// A second frame at the same size reuses every resource.
	if err := pass.Execute(IO{Color: color}); err != nil {
		t.Fatal(err)
	}
	if got := dev.Stats().Allocations; got != allocations {
		t.Fatalf("expected no allocations for a second frame; got %d, was %d", got, allocations)
	}

	// Changing the light pass size reallocates the light resources.
	opts := pass.Options()
	opts.LightPassWidth = 32
	pass.SetOptions(opts)
	if pass.LightVertexPositions() != nil {
		t.Fatal("expected light resources to be released")
	}
	if err := pass.Execute(IO{Color: color}); err != nil {
		t.Fatal(err)
	}
	if got := pass.LightVertexPositions().ElementCount(); got != 32*64*4 {
		t.Fatalf("expected %d light vertex slots; got %d", 32*64*4, got)
	}
}

func TestSetSceneResetsState(t *testing.T) {
	dev, pass := createPass(t, nil)
	defer pass.Release()

	color := colorTarget(t, dev, testFrameW, testFrameH)
	for i := 0; i < 2; i++ {
		if err := pass.Execute(IO{Color: color}); err != nil {
			t.Fatal(err)
		}
	}
	if pass.dirty&needsRecompile != 0 {
		t.Fatal("expected programs to be compiled")
	}

	pass.SetScene(scene.NewCornellBox())
	if pass.FrameCount() != 0 {
		t.Fatalf("expected frame count to be reset; got %d", pass.FrameCount())
	}
	if pass.dirty&needsRecompile == 0 {
		t.Fatal("expected a scene change to request a recompile")
	}
	if pass.programs.generatePaths != nil {
		t.Fatal("expected programs to be released")
	}

	if err := pass.Execute(IO{Color: color}); err != nil {
		t.Fatal(err)
	}
	checkFinite(t, color)
}

func TestEndFrameSwapsHistory(t *testing.T) {
	dev, pass := createPass(t, nil)
	defer pass.Release()

	color := colorTarget(t, dev, testFrameW, testFrameH)
	if err := pass.Execute(IO{Color: color}); err != nil {
		t.Fatal(err)
	}

	gathers := pass.gatherPoints.Current()
	reservoirs := pass.reservoirs.Current()
	frame := pass.FrameCount()
	if err := pass.endFrame(nil); err != nil {
		t.Fatal(err)
	}
	if pass.gatherPoints.Previous() != gathers {
		t.Fatal("expected gather points to be swapped")
	}
	if pass.reservoirs.Previous() != reservoirs {
		t.Fatal("expected reservoirs to be swapped")
	}
	if pass.FrameCount() != frame+1 {
		t.Fatalf("expected frame count %d; got %d", frame+1, pass.FrameCount())
	}
}

func TestMultipleSamplesPerPixel(t *testing.T) {
	dev, pass := createPass(t, Dictionary{KeySamplesPerPixel: uint32(4)})
	defer pass.Release()

	color := colorTarget(t, dev, testFrameW, testFrameH)
	if err := pass.Execute(IO{Color: color}); err != nil {
		t.Fatal(err)
	}
	if pass.sampleColors == nil || pass.sampleColors.ElementCount() != testFrameW*testFrameH*4 {
		t.Fatal("expected per-sample colors to be allocated")
	}
	checkFinite(t, color)
}

func TestVariableSampleCount(t *testing.T) {
	dev, pass := createPass(t, Dictionary{KeyUseVariableSampleCount: true})
	defer pass.Release()

	color := colorTarget(t, dev, testFrameW, testFrameH)
	counts, err := dev.Texture2D("sampleCount", testFrameW, testFrameH, device.FormatR32Uint, device.ReadWrite)
	if err != nil {
		t.Fatal(err)
	}
	if err = dev.ClearUint32(counts, 2); err != nil {
		t.Fatal(err)
	}

	if err = pass.Execute(IO{Color: color, SampleCount: counts}); err != nil {
		t.Fatal(err)
	}
	if pass.fixedSampleCount {
		t.Fatal("expected the variable sample count mode to be selected")
	}
	if got := pass.programDefines()["USE_FIXED_SAMPLE_COUNT"]; got != "0" {
		t.Fatalf("expected USE_FIXED_SAMPLE_COUNT define to be 0; got %q", got)
	}
	checkFinite(t, color)
}

func TestSubspaceStatistics(t *testing.T) {
	dev, pass := createPass(t, Dictionary{
		KeyUseSubspaceWeights: true,
		KeyLogSubspaceSize:    uint32(4),
	})
	defer pass.Release()

	color := colorTarget(t, dev, testFrameW, testFrameH)
	for i := 0; i < 2; i++ {
		if err := pass.Execute(IO{Color: color}); err != nil {
			t.Fatal(err)
		}
	}

	tables := pass.SubspaceTables()
	if tables == nil || tables.Size() != 16 {
		t.Fatal("expected a 16x16 subspace grid")
	}
	weight, _, _ := tables.Current()
	current := make([]float32, weight.ElementCount())
	if err := tables.ReadTable(weight, current); err != nil {
		t.Fatal(err)
	}
	for i, v := range current {
		if v != 0 {
			t.Fatalf("expected current frame table to be cleared; cell %d is %f", i, v)
		}
	}

	if !pass.vars.Bool(tracer.VarUseSubspaceWeights) || !pass.vars.Has(tracer.VarSubspaceWeight) {
		t.Fatal("expected subspace tables to be bound into the program vars")
	}
	checkFinite(t, color)
}

func TestTemporalVertexTree(t *testing.T) {
	dev, pass := createPass(t, Dictionary{
		KeyUseTemporalTree: true,
		KeyAccumulationCap: float32(4),
	})
	defer pass.Release()

	color := colorTarget(t, dev, testFrameW, testFrameH)
	for i := 0; i < 3; i++ {
		if err := pass.Execute(IO{Color: color}); err != nil {
			t.Fatal(err)
		}
	}

	tree := pass.VertexTree()
	if tree.PrevTree() == nil {
		t.Fatal("expected the previous tree to be retained")
	}
	if ratio := tree.BlendRatio(); ratio < 0 || ratio >= 1 {
		t.Fatalf("expected blend ratio in [0, 1); got %f", ratio)
	}
	checkFinite(t, color)
}

func TestExecuteWithoutScene(t *testing.T) {
	log.Discard()
	dev := device.NewCpuDevice("test")
	pass, err := New(dev, cpu.NewDispatcher(dev), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer pass.Release()

	color := colorTarget(t, dev, testFrameW, testFrameH)
	if err = dev.ClearFloat32(color, 1); err != nil {
		t.Fatal(err)
	}
	if err = pass.Execute(IO{Color: color}); err != nil {
		t.Fatal(err)
	}
	for i, v := range device.View[float32](color.Buffer) {
		if v != 0 {
			t.Fatalf("expected output to be cleared; word %d is %f", i, v)
		}
	}
}

func TestDictionaryReflectsLightBVHOptions(t *testing.T) {
	dev, pass := createPass(t, nil)
	defer pass.Release()

	if err := pass.Execute(IO{Color: colorTarget(t, dev, testFrameW, testFrameH)}); err != nil {
		t.Fatal(err)
	}

	opts := pass.Options()
	opts.LightBVHOptions.MaxTriangleCountPerLeaf = 1
	opts.LightBVHOptions.SplitHeuristic = SplitEqual
	pass.SetOptions(opts)

	nested, ok := pass.Dictionary()[KeyLightBVHOptions].(Dictionary)
	if !ok {
		t.Fatal("expected nested light BVH options")
	}
	if nested[KeySplitHeuristic] != "Equal" || nested[KeyMaxTriangleCountPerLeaf] != uint32(1) {
		t.Fatalf("expected updated light BVH options; got %v", nested)
	}
	if pass.dirty&needsRecompile == 0 {
		t.Fatal("expected light BVH option changes to request a recompile")
	}
}
