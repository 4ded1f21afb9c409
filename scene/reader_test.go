package scene

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/achilleasa/go-lightpath/types"
)

const boxSceneYAML = `
camera:
  fov: 40
  position: [0, 1, 3.8]
  lookAt: [0, 1, 0]
quads:
  - corner: [-1, 0, -1]
    edgeU: [0, 0, 2]
    edgeV: [2, 0, 0]
    albedo: [0.73, 0.73, 0.73]
  - corner: [-1, 0, -1]
    edgeU: [2, 0, 0]
    edgeV: [0, 2, 0]
  - corner: [-0.25, 1.98, -0.25]
    edgeU: [0.5, 0, 0]
    edgeV: [0, 0, 0.5]
    emission: [17, 17, 17]
`

func TestDecodeScene(t *testing.T) {
	sc, err := Decode(strings.NewReader(boxSceneYAML), "box")
	if err != nil {
		t.Fatal(err)
	}

	if sc.String() != "box" {
		t.Fatalf("expected scene name to be box; got %s", sc.String())
	}
	if got := len(sc.Quads()); got != 3 {
		t.Fatalf("expected 3 quads; got %d", got)
	}
	if got := len(sc.Lights()); got != 1 {
		t.Fatalf("expected 1 light; got %d", got)
	}

	quads := sc.Quads()
	if quads[1].Material != DiffuseMaterial || quads[1].Albedo != types.Splat3(0.5) {
		t.Fatalf("expected quad without albedo to default to grey diffuse; got %v %v", quads[1].Material, quads[1].Albedo)
	}
	if quads[2].Material != EmissiveMaterial {
		t.Fatalf("expected emissive quad; got %v", quads[2].Material)
	}

	cam := sc.Camera()
	if cam.FOV != 40 || cam.Position != types.XYZ(0, 1, 3.8) {
		t.Fatalf("expected camera settings to be applied; got fov %f at %v", cam.FOV, cam.Position)
	}

	// A ray from the camera towards the back wall must hit it.
	hit, found := sc.Intersect(NewRay(cam.Position, types.XYZ(0, 0, -1)))
	if !found || hit.T <= 0 {
		t.Fatalf("expected camera ray to hit the back wall; got %v", hit)
	}
}

func TestDecodeSceneErrors(t *testing.T) {
	specs := []string{
		// no quads
		"camera:\n  fov: 45\n",
		// malformed vector
		"quads:\n  - corner: [0, 0]\n    edgeU: [1, 0, 0]\n    edgeV: [0, 1, 0]\n",
		// degenerate quad
		"quads:\n  - corner: [0, 0, 0]\n    edgeU: [1, 0, 0]\n    edgeV: [2, 0, 0]\n",
		// unknown field
		"quads:\n  - corner: [0, 0, 0]\n    edgeU: [1, 0, 0]\n    edgeV: [0, 1, 0]\n    color: [1, 1, 1]\n",
		// bad fov
		"camera:\n  fov: 190\nquads:\n  - corner: [0, 0, 0]\n    edgeU: [1, 0, 0]\n    edgeV: [0, 1, 0]\n",
		// camera looking at itself
		"camera:\n  position: [0, 0, -1]\nquads:\n  - corner: [0, 0, 0]\n    edgeU: [1, 0, 0]\n    edgeV: [0, 1, 0]\n",
	}

	for index, doc := range specs {
		if _, err := Decode(strings.NewReader(doc), "bad"); !errors.Is(err, ErrInvalidScene) {
			t.Fatalf("[spec %d] expected ErrInvalidScene; got %v", index, err)
		}
	}
}

func TestReadScene(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.yaml")
	if err := os.WriteFile(path, []byte(boxSceneYAML), 0644); err != nil {
		t.Fatal(err)
	}

	sc, err := ReadScene(path)
	if err != nil {
		t.Fatal(err)
	}
	if sc.String() != "room" {
		t.Fatalf("expected scene to be named after its file; got %s", sc.String())
	}

	if _, err = ReadScene(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing scene file")
	}
}
