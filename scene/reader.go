package scene

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"

	"github.com/achilleasa/go-lightpath/types"
	"gopkg.in/yaml.v2"
)

var ErrInvalidScene = errors.New("scene: invalid scene")

type yamlCamera struct {
	FOV            float32   `yaml:"fov"`
	Position       []float32 `yaml:"position"`
	LookAt         []float32 `yaml:"lookAt"`
	Up             []float32 `yaml:"up"`
	ApertureRadius float32   `yaml:"apertureRadius"`
	FocalDistance  float32   `yaml:"focalDistance"`
}

type yamlQuad struct {
	Corner   []float32 `yaml:"corner"`
	EdgeU    []float32 `yaml:"edgeU"`
	EdgeV    []float32 `yaml:"edgeV"`
	Albedo   []float32 `yaml:"albedo"`
	Emission []float32 `yaml:"emission"`
}

type yamlScene struct {
	Name   string     `yaml:"name"`
	Camera yamlCamera `yaml:"camera"`
	Quads  []yamlQuad `yaml:"quads"`
}

// ReadScene loads a quad scene from a YAML file. The scene is named after
// the file unless the document provides a name.
func ReadScene(filename string) (*Analytic, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	sc, err := Decode(f, name)
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", filename, err)
	}
	return sc, nil
}

// Decode parses a YAML scene document. Quads with a non-zero emission
// become emitters; the rest are diffuse with the given albedo (0.5 grey if
// omitted).
func Decode(r io.Reader, name string) (*Analytic, error) {
	data, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var doc yamlScene
	if err = yaml.UnmarshalStrict(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidScene, err)
	}
	if doc.Name != "" {
		name = doc.Name
	}
	if len(doc.Quads) == 0 {
		return nil, fmt.Errorf("%w: no quads defined", ErrInvalidScene)
	}

	cam, err := doc.Camera.camera()
	if err != nil {
		return nil, err
	}

	quads := make([]Quad, len(doc.Quads))
	for index, yq := range doc.Quads {
		if quads[index], err = yq.quad(); err != nil {
			return nil, fmt.Errorf("%w (quad %d)", err, index)
		}
	}
	return NewAnalytic(name, cam, quads), nil
}

func (yc yamlCamera) camera() (*Camera, error) {
	fov := yc.FOV
	if fov == 0 {
		fov = 45
	}
	if fov < 0 || fov >= 180 {
		return nil, fmt.Errorf("%w: camera fov must be in (0, 180); got %f", ErrInvalidScene, fov)
	}

	cam := NewCamera(fov)
	var err error
	if cam.Position, err = toVec3("camera position", yc.Position, cam.Position); err != nil {
		return nil, err
	}
	if cam.LookAt, err = toVec3("camera lookAt", yc.LookAt, cam.LookAt); err != nil {
		return nil, err
	}
	if cam.Up, err = toVec3("camera up", yc.Up, cam.Up); err != nil {
		return nil, err
	}
	if cam.Position == cam.LookAt {
		return nil, fmt.Errorf("%w: camera position and lookAt must differ", ErrInvalidScene)
	}
	cam.ApertureRadius = yc.ApertureRadius
	cam.FocalDistance = yc.FocalDistance
	cam.Update()
	return cam, nil
}

func (yq yamlQuad) quad() (Quad, error) {
	var (
		q   Quad
		err error
	)
	if q.Corner, err = toVec3("corner", yq.Corner, types.Vec3{}); err != nil {
		return q, err
	}
	if q.EdgeU, err = toVec3("edgeU", yq.EdgeU, types.Vec3{}); err != nil {
		return q, err
	}
	if q.EdgeV, err = toVec3("edgeV", yq.EdgeV, types.Vec3{}); err != nil {
		return q, err
	}
	if q.Area() == 0 {
		return q, fmt.Errorf("%w: degenerate quad", ErrInvalidScene)
	}

	if q.Emission, err = toVec3("emission", yq.Emission, types.Vec3{}); err != nil {
		return q, err
	}
	if q.Albedo, err = toVec3("albedo", yq.Albedo, types.Splat3(0.5)); err != nil {
		return q, err
	}
	if q.Emission != (types.Vec3{}) {
		q.Material = EmissiveMaterial
		q.Albedo = types.Vec3{}
	}
	return q, nil
}

func toVec3(field string, v []float32, def types.Vec3) (types.Vec3, error) {
	switch len(v) {
	case 0:
		return def, nil
	case 3:
		return types.XYZ(v[0], v[1], v[2]), nil
	}
	return def, fmt.Errorf("%w: '%s' expects 3 components; got %d", ErrInvalidScene, field, len(v))
}
