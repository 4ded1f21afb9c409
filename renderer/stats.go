package renderer

import (
	"time"

	"github.com/achilleasa/go-lightpath/tracer/device"
)

type StageStat struct {
	// The pass stage name.
	Name string

	// Time spent in the stage across all rendered frames and the
	// percentage of the total frame time it represents.
	Time         time.Duration
	FramePercent float32
}

type FrameStats struct {
	// Number of accumulated frames.
	Frames uint32

	// Light vertices deposited by the last frame.
	LightVertices uint32

	// Levels of the last vertex tree.
	TreeLevels uint32

	// Individual stage stats in execution order.
	Stages []StageStat

	// Device counters after the last frame.
	Device device.Stats

	// Total render time for all frames.
	RenderTime time.Duration
}
