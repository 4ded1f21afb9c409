package tracer

import (
	"errors"
	"fmt"
	"time"

	"github.com/achilleasa/go-lightpath/tracer/device"
	"github.com/achilleasa/go-lightpath/types"
)

var (
	ErrUnknownProgram = errors.New("tracer: unknown ray program")
	ErrMissingVar     = errors.New("tracer: missing program variable")
)

// Defines specialize ray programs at creation time.
type Defines = device.Defines

// ProgramDesc describes a ray tracing program. The type conformances map
// every scene material type to the hit group that shades it.
type ProgramDesc struct {
	Name             string
	Defines          Defines
	TypeConformances []string

	// Upper bound for the per-ray payload in bytes.
	MaxPayloadSize uint32
}

// Vars is the variable scope a program is launched with. Resources and scalar
// parameters are bound by name.
type Vars map[string]interface{}

// Set binds a value to a variable.
func (v Vars) Set(name string, value interface{}) Vars {
	v[name] = value
	return v
}

// Has reports whether a variable is bound.
func (v Vars) Has(name string) bool {
	_, found := v[name]
	return found
}

// Buffer returns the buffer bound to name. Textures resolve to their backing
// buffer.
func (v Vars) Buffer(name string) (*device.Buffer, error) {
	switch val := v[name].(type) {
	case *device.Buffer:
		if val != nil {
			return val, nil
		}
	case *device.Texture:
		if val != nil {
			return val.Buffer, nil
		}
	}
	return nil, fmt.Errorf("%w: buffer %q", ErrMissingVar, name)
}

// Texture returns the texture bound to name.
func (v Vars) Texture(name string) (*device.Texture, error) {
	if tex, ok := v[name].(*device.Texture); ok && tex != nil {
		return tex, nil
	}
	return nil, fmt.Errorf("%w: texture %q", ErrMissingVar, name)
}

// Uint32 returns the value bound to name or def if it is not set.
func (v Vars) Uint32(name string, def uint32) uint32 {
	if val, ok := v[name].(uint32); ok {
		return val
	}
	return def
}

// Float32 returns the value bound to name or def if it is not set.
func (v Vars) Float32(name string, def float32) float32 {
	if val, ok := v[name].(float32); ok {
		return val
	}
	return def
}

// Bool returns the value bound to name or false if it is not set.
func (v Vars) Bool(name string) bool {
	val, _ := v[name].(bool)
	return val
}

// Vec3 returns the value bound to name or the zero vector.
func (v Vars) Vec3(name string) types.Vec3 {
	val, _ := v[name].(types.Vec3)
	return val
}

// Value returns the raw value bound to name.
func (v Vars) Value(name string) interface{} {
	return v[name]
}

// Program is a compiled ray tracing program.
type Program interface {
	// Name returns the program name.
	Name() string

	// Launch traces one ray per cell of a w x h launch grid and returns
	// the time spent tracing.
	Launch(vars Vars, w, h uint32) (time.Duration, error)

	// Release frees any resources held by the program.
	Release()
}

// RayDispatcher compiles ray tracing programs.
type RayDispatcher interface {
	CreateProgram(desc ProgramDesc) (Program, error)
}

// Worker stats collected after each launch. Used by the block schedulers to
// balance rows between workers.
type Stats struct {
	// The number of rows processed by the worker.
	BlockH uint32

	// The time for processing the rows.
	RenderTime time.Duration
}

// Worker is a unit that traces blocks of rows.
type Worker interface {
	// Get worker id.
	Id() string

	// Speed estimate relative to a baseline cpu worker.
	Speed() uint32

	// Retrieve last launch statistics.
	Stats() *Stats
}
