package device

import (
	"encoding/binary"
	"fmt"
	"reflect"
	"strconv"
	"sync"
	"time"

	"github.com/achilleasa/go-lightpath/types"
)

// Access declares how a kernel uses one of its resource arguments.
type Access uint8

const (
	// Value arguments and unused slots.
	AccessNone Access = iota
	AccessRead
	AccessWrite
	AccessReadWrite
)

func (a Access) reads() bool {
	return a == AccessRead || a == AccessReadWrite
}

func (a Access) writes() bool {
	return a == AccessWrite || a == AccessReadWrite
}

// KernelFunc is the body of a kernel, invoked once per work group.
type KernelFunc func(g *Group)

// KernelEntry describes a kernel entry point.
type KernelEntry struct {
	Name string

	// Threads per group along x and y.
	GroupSize [2]uint32

	// Per-argument access; its length is the minimum argument count.
	Access []Access

	Fn KernelFunc
}

// Program is a named collection of kernel entry points.
type Program struct {
	Name    string
	Entries []*KernelEntry
}

// Group is the execution context of a single work group.
type Group struct {
	ID     [3]uint32
	Count  [3]uint32
	Size   [2]uint32
	Extent [2]uint32

	args    []interface{}
	defines Defines
}

// Buffer returns the buffer (or texture backing store) bound at slot i.
func (g *Group) Buffer(i int) *Buffer {
	switch v := g.args[i].(type) {
	case *Buffer:
		return v
	case *Texture:
		return v.Buffer
	}
	panic(fmt.Sprintf("device: argument %d is not a buffer", i))
}

// Texture returns the texture bound at slot i.
func (g *Group) Texture(i int) *Texture {
	return g.args[i].(*Texture)
}

// Uint32 returns the value bound at slot i.
func (g *Group) Uint32(i int) uint32 {
	return g.args[i].(uint32)
}

// Int32 returns the value bound at slot i.
func (g *Group) Int32(i int) int32 {
	return g.args[i].(int32)
}

// Float32 returns the value bound at slot i.
func (g *Group) Float32(i int) float32 {
	return g.args[i].(float32)
}

// Vec3 returns the value bound at slot i.
func (g *Group) Vec3(i int) types.Vec3 {
	return g.args[i].(types.Vec3)
}

// Define returns the value of a program define or "" if it is not set.
func (g *Group) Define(name string) string {
	return g.defines[name]
}

// DefineUint32 parses a numeric define, falling back to def.
func (g *Group) DefineUint32(name string, def uint32) uint32 {
	v, err := strconv.ParseUint(g.defines[name], 10, 32)
	if err != nil {
		return def
	}
	return uint32(v)
}

// Threads1D invokes fn for every thread of the group along x whose global
// index falls inside the dispatch extent.
func (g *Group) Threads1D(fn func(local, global uint32)) {
	base := g.ID[0] * g.Size[0]
	for local := uint32(0); local < g.Size[0]; local++ {
		global := base + local
		if global >= g.Extent[0] {
			return
		}
		fn(local, global)
	}
}

// Threads2D invokes fn with the global coordinates of every thread of the
// group that falls inside the dispatch extent.
func (g *Group) Threads2D(fn func(x, y uint32)) {
	baseX, baseY := g.ID[0]*g.Size[0], g.ID[1]*g.Size[1]
	for ly := uint32(0); ly < g.Size[1]; ly++ {
		y := baseY + ly
		if y >= g.Extent[1] {
			return
		}
		for lx := uint32(0); lx < g.Size[0]; lx++ {
			x := baseX + lx
			if x >= g.Extent[0] {
				break
			}
			fn(x, y)
		}
	}
}

// A kernel instance with its own argument bindings.
type Kernel struct {
	device  *Device
	entry   *KernelEntry
	name    string
	defines Defines
	args    []interface{}
}

// Name returns the kernel entry name.
func (k *Kernel) Name() string {
	return k.name
}

// GroupSize returns the number of threads per group along x and y.
func (k *Kernel) GroupSize() [2]uint32 {
	return k.entry.GroupSize
}

// Release drops the argument bindings.
func (k *Kernel) Release() {
	k.args = nil
}

// Bind arguments to the kernel.
func (k *Kernel) SetArgs(args ...interface{}) error {
	for argIndex, arg := range args {
		switch v := arg.(type) {
		case *Buffer:
			if v == nil || v.data == nil {
				return fmt.Errorf("device (%s): could not set arg %d for kernel %s; buffer not allocated: %w", k.device.Name, argIndex, k.name, ErrInvalidArgs)
			}
		case *Texture:
			if v == nil || v.Buffer == nil || v.data == nil {
				return fmt.Errorf("device (%s): could not set arg %d for kernel %s; texture not allocated: %w", k.device.Name, argIndex, k.name, ErrInvalidArgs)
			}
		case int32, uint32, float32, types.Vec2, types.Vec3, types.Vec4:
		default:
			return fmt.Errorf(
				"device (%s): could not set arg %d for kernel %s; unsupported arg type: %s: %w",
				k.device.Name,
				argIndex,
				k.name,
				reflect.TypeOf(arg),
				ErrInvalidArgs,
			)
		}
	}

	k.args = append(k.args[:0], args...)
	return nil
}

// Exec1D runs enough groups to cover globalWorkSize threads.
func (k *Kernel) Exec1D(globalWorkSize int) (time.Duration, error) {
	if globalWorkSize < 0 {
		return 0, fmt.Errorf("device (%s): kernel %s: negative work size %d: %w", k.device.Name, k.name, globalWorkSize, ErrInvalidDispatch)
	}
	groups := types.DivUp(uint32(globalWorkSize), k.entry.GroupSize[0])
	return k.dispatch(CmdDispatch, [3]uint32{groups, 1, 1}, [2]uint32{uint32(globalWorkSize), k.entry.GroupSize[1]}, nil)
}

// Exec2D runs enough groups to cover a width x height thread grid.
func (k *Kernel) Exec2D(width, height int) (time.Duration, error) {
	if width < 0 || height < 0 {
		return 0, fmt.Errorf("device (%s): kernel %s: negative work size %dx%d: %w", k.device.Name, k.name, width, height, ErrInvalidDispatch)
	}
	groups := [3]uint32{
		types.DivUp(uint32(width), k.entry.GroupSize[0]),
		types.DivUp(uint32(height), k.entry.GroupSize[1]),
		1,
	}
	return k.dispatch(CmdDispatch, groups, [2]uint32{uint32(width), uint32(height)}, nil)
}

// ExecIndirect reads a (x, y, z) group count triplet from args at the given
// byte offset and dispatches that many groups.
func (k *Kernel) ExecIndirect(args *Buffer, byteOffset int) (time.Duration, error) {
	if args.flags&IndirectArg == 0 {
		return 0, fmt.Errorf("device (%s): buffer %s is not an indirect argument buffer: %w", k.device.Name, args.name, ErrInvalidDispatch)
	}
	if byteOffset < 0 || byteOffset+12 > args.size {
		return 0, fmt.Errorf("device (%s): indirect offset %d out of range for %s: %w", k.device.Name, byteOffset, args.name, ErrBufferTooSmall)
	}
	if err := k.device.checkAccess(k.name, args, AccessRead); err != nil {
		return 0, err
	}

	var groups [3]uint32
	for i := range groups {
		groups[i] = binary.LittleEndian.Uint32(args.data[byteOffset+4*i:])
	}
	extent := [2]uint32{groups[0] * k.entry.GroupSize[0], groups[1] * k.entry.GroupSize[1]}
	return k.dispatch(CmdDispatchIndirect, groups, extent, args)
}

func (k *Kernel) dispatch(kind CommandKind, groups [3]uint32, extent [2]uint32, indirect *Buffer) (time.Duration, error) {
	d := k.device
	if len(k.args) < len(k.entry.Access) {
		return 0, fmt.Errorf("device (%s): kernel %s expects %d args; got %d: %w", d.Name, k.name, len(k.entry.Access), len(k.args), ErrInvalidArgs)
	}

	resources := make([]string, 0, len(k.entry.Access)+1)
	for argIndex, access := range k.entry.Access {
		res, isResource := k.args[argIndex].(Resource)
		if !isResource || access == AccessNone {
			continue
		}
		if err := d.checkAccess(k.name, res.buffer(), access); err != nil {
			return 0, err
		}
		resources = append(resources, res.Name())
	}
	if indirect != nil {
		resources = append(resources, indirect.name)
	}

	tick := time.Now()
	if err := k.run(groups, extent); err != nil {
		return 0, err
	}
	elapsed := time.Since(tick)

	d.mu.Lock()
	for argIndex, access := range k.entry.Access {
		if !access.writes() {
			continue
		}
		if res, isResource := k.args[argIndex].(Resource); isResource {
			res.buffer().pendingWrite = true
		}
	}
	d.stats.Dispatches++
	if kind == CmdDispatchIndirect {
		d.stats.IndirectDispatches++
	}
	d.mu.Unlock()
	d.record(Command{Kind: kind, Name: k.name, Resources: resources, Groups: groups})

	return elapsed, nil
}

// run executes all groups spreading them over the device workers.
func (k *Kernel) run(groups [3]uint32, extent [2]uint32) (err error) {
	total := int(groups[0]) * int(groups[1]) * int(groups[2])
	if total == 0 {
		return nil
	}

	var (
		errOnce sync.Once
		wg      sync.WaitGroup
	)
	runGroup := func(flat int) {
		g := Group{
			ID: [3]uint32{
				uint32(flat) % groups[0],
				(uint32(flat) / groups[0]) % groups[1],
				uint32(flat) / (groups[0] * groups[1]),
			},
			Count:   groups,
			Size:    k.entry.GroupSize,
			Extent:  extent,
			args:    k.args,
			defines: k.defines,
		}
		k.entry.Fn(&g)
	}
	worker := func(start, end int) {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				errOnce.Do(func() {
					err = fmt.Errorf("device (%s): kernel %s: %v: %w", k.device.Name, k.name, r, ErrKernelPanic)
				})
			}
		}()
		for flat := start; flat < end; flat++ {
			runGroup(flat)
		}
	}

	workers := k.device.workers
	if workers > total {
		workers = total
	}
	perWorker := (total + workers - 1) / workers
	for start := 0; start < total; start += perWorker {
		end := start + perWorker
		if end > total {
			end = total
		}
		wg.Add(1)
		go worker(start, end)
	}
	wg.Wait()
	return err
}
