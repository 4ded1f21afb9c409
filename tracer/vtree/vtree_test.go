package vtree

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

const testCapacity = 1024

type fixture struct {
	dev      *device.Device
	keys     *device.Buffer
	vertices *device.Buffer
	data     []types.Vec4
}

func createFixture(t *testing.T, seed int64) *fixture {
	dev := device.NewCpuDevice("test", device.WithStrictHazards(true))
	f := &fixture{
		dev:      dev,
		keys:     dev.Buffer("keyIndexList"),
		vertices: dev.Buffer("vertices"),
	}
	if err := f.keys.AllocateStructured(8, testCapacity, device.ReadWrite); err != nil {
		t.Fatal(err)
	}
	if err := f.vertices.AllocateStructured(16, testCapacity, device.ReadWrite); err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(seed))
	f.data = make([]types.Vec4, testCapacity)
	for i := range f.data {
		f.data[i] = types.XYZW(rng.Float32()*10-5, rng.Float32()*10-5, rng.Float32()*10-5, rng.Float32())
	}
	if err := f.vertices.WriteData(f.data, 0); err != nil {
		t.Fatal(err)
	}

	// The key list references the vertices in reverse order so that leaf
	// IDs and leaf positions differ.
	keys := make([]uint64, testCapacity)
	for i := range keys {
		keys[i] = uint64(i)<<32 | uint64(testCapacity-1-i)
	}
	if err := f.keys.WriteData(keys, 0); err != nil {
		t.Fatal(err)
	}
	return f
}

func assertTreeInvariants(t *testing.T, specIndex int, f *fixture, b *Builder, counter uint32) {
	nodes, err := b.ReadTree()
	if err != nil {
		t.Fatal(err)
	}
	if counter == 0 {
		if nodes != nil {
			t.Fatalf("[spec %d] expected no nodes for an empty tree", specIndex)
		}
		return
	}

	leafStart := b.LeafNodeStart()
	if exp := types.NextPow2(counter); leafStart != exp {
		t.Fatalf("[spec %d] expected leaf start %d; got %d", specIndex, exp, leafStart)
	}

	var weightSum float64
	for leaf := uint32(0); leaf < leafStart; leaf++ {
		node := nodes[leafStart+leaf]
		if leaf >= counter {
			if node.ID != InvalidID || node.WeightSum != 0 || !node.Bound().IsEmpty() {
				t.Fatalf("[spec %d] expected padding leaf %d to be empty; got %+v", specIndex, leaf, node)
			}
			continue
		}

		vertexID := testCapacity - 1 - leaf
		v := f.data[vertexID]
		if node.ID != vertexID {
			t.Fatalf("[spec %d] expected leaf %d to reference vertex %d; got %d", specIndex, leaf, vertexID, node.ID)
		}
		if node.BoundMin != v.Vec3() || node.BoundMax != v.Vec3() || node.WeightSum != v[3] {
			t.Fatalf("[spec %d] expected leaf %d to summarize vertex %v; got %+v", specIndex, leaf, v, node)
		}
		weightSum += float64(v[3])
	}

	for index := leafStart - 1; index >= 1; index-- {
		left, right := &nodes[2*index], &nodes[2*index+1]
		exp := combine(left, right, 2*index >= leafStart)
		if nodes[index] != exp {
			t.Fatalf("[spec %d] expected node %d to be the combination of its children %+v; got %+v", specIndex, index, exp, nodes[index])
		}
	}

	if got := LiveLeaves(nodes, leafStart, 1); got != counter {
		t.Fatalf("[spec %d] expected root to cover %d live leaves; got %d", specIndex, counter, got)
	}
	if diff := math.Abs(float64(nodes[1].WeightSum) - weightSum); diff > 1e-3*math.Max(1, weightSum) {
		t.Fatalf("[spec %d] expected root weight %f; got %f", specIndex, weightSum, nodes[1].WeightSum)
	}
}

func TestSingleVertexTree(t *testing.T) {
	f := createFixture(t, 7)
	b, err := NewBuilder(f.dev, f.keys, f.vertices, testCapacity)
	if err != nil {
		t.Fatal(err)
	}
	if err = b.Update(1); err != nil {
		t.Fatal(err)
	}
	if err = b.Build(); err != nil {
		t.Fatal(err)
	}

	nodes, err := b.ReadTree()
	if err != nil {
		t.Fatal(err)
	}
	if b.LeafNodeStart() != 1 || b.TreeLevels() != 1 {
		t.Fatalf("expected a single level tree rooted at its only leaf; got leaf start %d with %d levels", b.LeafNodeStart(), b.TreeLevels())
	}

	// The root is the leaf so its ID is a vertex index, not a count.
	if exp := uint32(testCapacity - 1); nodes[1].ID != exp {
		t.Fatalf("expected root leaf to reference vertex %d; got %d", exp, nodes[1].ID)
	}
	if got := LiveLeaves(nodes, b.LeafNodeStart(), 1); got != 1 {
		t.Fatalf("expected root to cover 1 live leaf; got %d", got)
	}

	var visited []uint32
	Query(nodes, b.LeafNodeStart(), f.data[testCapacity-1].Vec3(), 0.01, func(vertexID uint32, _ *Node) {
		visited = append(visited, vertexID)
	})
	if len(visited) != 1 || visited[0] != testCapacity-1 {
		t.Fatalf("expected query to visit vertex %d; got %v", testCapacity-1, visited)
	}
}

func TestBuildInvariants(t *testing.T) {
	type spec struct {
		counter  uint32
		workLoad uint32
	}

	specs := []spec{
		{0, DefaultWorkLoad},
		{1, DefaultWorkLoad},
		{2, DefaultWorkLoad},
		{37, DefaultWorkLoad},
		{256, DefaultWorkLoad},
		{testCapacity, DefaultWorkLoad},
		{999, 16},
		{testCapacity, 2},
	}

	for specIndex, s := range specs {
		f := createFixture(t, int64(specIndex))
		b, err := NewBuilder(f.dev, f.keys, f.vertices, testCapacity, WithWorkLoad(s.workLoad))
		if err != nil {
			t.Fatal(err)
		}
		if err = b.Update(s.counter); err != nil {
			t.Fatal(err)
		}
		if err = b.Build(); err != nil {
			t.Fatalf("[spec %d] build failed: %v", specIndex, err)
		}
		assertTreeInvariants(t, specIndex, f, b, s.counter)
		f.dev.Close()
	}
}

func TestLevelGrouping(t *testing.T) {
	type spec struct {
		counter   uint32
		workLoad  uint32
		expLevels uint32
		expPasses uint32
	}

	specs := []spec{
		{0, DefaultWorkLoad, 0, 0},
		// Root is the only leaf.
		{1, DefaultWorkLoad, 1, 1},
		// Level zero, levels [1, 4) then [4, 11).
		{testCapacity, DefaultWorkLoad, 11, 3},
		// A budget smaller than a single level still makes progress.
		{testCapacity, 2, 11, 11},
	}

	for specIndex, s := range specs {
		f := createFixture(t, 1)
		b, err := NewBuilder(f.dev, f.keys, f.vertices, testCapacity, WithWorkLoad(s.workLoad))
		if err != nil {
			t.Fatal(err)
		}
		if err = b.Update(s.counter); err != nil {
			t.Fatal(err)
		}
		if err = b.Build(); err != nil {
			t.Fatal(err)
		}
		if b.TreeLevels() != s.expLevels {
			t.Fatalf("[spec %d] expected %d tree levels; got %d", specIndex, s.expLevels, b.TreeLevels())
		}
		if b.Passes() != s.expPasses {
			t.Fatalf("[spec %d] expected %d passes; got %d", specIndex, s.expPasses, b.Passes())
		}
		f.dev.Close()
	}
}

func TestTemporalSwapAndBlend(t *testing.T) {
	f := createFixture(t, 7)
	defer f.dev.Close()

	b, err := NewBuilder(f.dev, f.keys, f.vertices, testCapacity, WithTemporalBlending(2))
	if err != nil {
		t.Fatal(err)
	}

	if err = b.Update(100); err != nil {
		t.Fatal(err)
	}
	if err = b.Build(); err != nil {
		t.Fatal(err)
	}
	if ratio := b.BlendRatio(); ratio != 0 {
		t.Fatalf("expected no blending on the first frame; got %f", ratio)
	}
	first := b.Tree()
	b.EndFrame()

	if b.PrevTree() != first {
		t.Fatal("expected the tree built last frame to become the previous tree")
	}
	if b.Tree() == first {
		t.Fatal("expected a different buffer for the current tree after EndFrame")
	}
	if b.PrevRealLeafNodesNum() != 100 || b.PrevLeafNodeStart() != 128 {
		t.Fatalf("expected previous counts (100, 128); got (%d, %d)", b.PrevRealLeafNodesNum(), b.PrevLeafNodeStart())
	}

	// h = min(100, 2*50) = 100, c = 50
	if err = b.Update(50); err != nil {
		t.Fatal(err)
	}
	if err = b.Build(); err != nil {
		t.Fatal(err)
	}
	if ratio := b.BlendRatio(); math.Abs(float64(ratio)-100.0/150.0) > 1e-6 {
		t.Fatalf("expected blend ratio %f; got %f", 100.0/150.0, ratio)
	}
	b.EndFrame()

	// history = 100 + 50 = 150 capped to 2*10 = 20
	if err = b.Update(10); err != nil {
		t.Fatal(err)
	}
	if got := b.History(); got != 20 {
		t.Fatalf("expected capped history 20; got %f", got)
	}
	if b.Tree() != first {
		t.Fatal("expected the buffers to alternate every frame")
	}
}

func TestNonTemporalBuilderKeepsSingleTree(t *testing.T) {
	f := createFixture(t, 3)
	defer f.dev.Close()

	b, err := NewBuilder(f.dev, f.keys, f.vertices, testCapacity)
	if err != nil {
		t.Fatal(err)
	}
	tree := b.Tree()
	b.EndFrame()
	if b.Tree() != tree || b.PrevTree() != nil || b.BlendRatio() != 0 {
		t.Fatal("expected a non-temporal builder to keep a single tree")
	}
}

func TestQueryAndSample(t *testing.T) {
	f := createFixture(t, 11)
	defer f.dev.Close()

	const counter = 777
	b, err := NewBuilder(f.dev, f.keys, f.vertices, testCapacity)
	if err != nil {
		t.Fatal(err)
	}
	if err = b.Update(counter); err != nil {
		t.Fatal(err)
	}
	if err = b.Build(); err != nil {
		t.Fatal(err)
	}
	nodes, err := b.ReadTree()
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(5))
	for n := 0; n < 50; n++ {
		p := types.XYZ(rng.Float32()*10-5, rng.Float32()*10-5, rng.Float32()*10-5)
		radius := rng.Float32() * 2

		exp := make(map[uint32]bool)
		for leaf := uint32(0); leaf < counter; leaf++ {
			vertexID := testCapacity - 1 - leaf
			if d := f.data[vertexID].Vec3().Sub(p); d.Dot(d) <= radius*radius {
				exp[vertexID] = true
			}
		}

		got := make(map[uint32]bool)
		Query(nodes, b.LeafNodeStart(), p, radius, func(vertexID uint32, _ *Node) {
			got[vertexID] = true
		})
		if len(got) != len(exp) {
			t.Fatalf("[query %d] expected %d vertices within radius; got %d", n, len(exp), len(got))
		}
		for id := range exp {
			if !got[id] {
				t.Fatalf("[query %d] expected vertex %d to be visited", n, id)
			}
		}
	}

	for n := 0; n < 100; n++ {
		leaf, pdf, ok := SampleLeaf(nodes, b.LeafNodeStart(), rng.Float32())
		if !ok {
			t.Fatal("expected a leaf to be sampled")
		}
		if leaf.ID == InvalidID {
			t.Fatal("expected padding leaves to never be sampled")
		}
		expPdf := leaf.WeightSum / nodes[1].WeightSum
		if math.Abs(float64(pdf-expPdf)) > 1e-4 {
			t.Fatalf("expected sample pdf %f; got %f", expPdf, pdf)
		}
	}
}

func TestUpdateAndInputValidation(t *testing.T) {
	f := createFixture(t, 1)
	defer f.dev.Close()

	if _, err := NewBuilder(f.dev, f.vertices, f.keys, testCapacity); !errors.Is(err, ErrInvalidInputs) {
		t.Fatalf("expected ErrInvalidInputs; got %v", err)
	}
	if _, err := NewBuilder(f.dev, f.keys, f.vertices, testCapacity, WithWorkLoad(1)); !errors.Is(err, ErrInvalidWorkLoad) {
		t.Fatalf("expected ErrInvalidWorkLoad; got %v", err)
	}

	b, err := NewBuilder(f.dev, f.keys, f.vertices, testCapacity)
	if err != nil {
		t.Fatal(err)
	}
	if err = b.Update(testCapacity + 1); !errors.Is(err, ErrCounterOverflow) {
		t.Fatalf("expected ErrCounterOverflow; got %v", err)
	}
}
