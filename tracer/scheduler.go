package tracer

import "math"

// The BlockScheduler interface is implemented by all block scheduling algorithms.
type BlockScheduler interface {
	// Split a launch grid into blocks of rows of variable height and
	// assign them to the pool of workers.
	//
	// This function returns the row count assignment for each worker
	// in the input list.
	Schedule(workers []Worker, frameH uint32) []uint32
}

// The naive scheduler splits rows proportionally to each worker's speed
// estimate.
type naiveScheduler struct {
	blockAssignment []uint32
}

// Create a new naive scheduler instance.
func NaiveScheduler() BlockScheduler {
	return &naiveScheduler{}
}

func (sch *naiveScheduler) Schedule(workers []Worker, frameH uint32) []uint32 {
	if len(sch.blockAssignment) != len(workers) {
		sch.blockAssignment = make([]uint32, len(workers))
	}
	return assignBySpeed(workers, frameH, sch.blockAssignment)
}

// The perfect scheduler assumes that the volume of tracing work between two
// subsequent launches is approximately the same.
type perfectScheduler struct {
	blockAssignment []uint32
}

// Create a new perfect scheduler instance.
func PerfectScheduler() BlockScheduler {
	return &perfectScheduler{}
}

// Split rows using feedback collected from the previous launch.
//
// When previous launch information is available the scheduler uses the
// following formula for estimating the workload for worker w and launch i+1:
// w_i, f_i+1 = (blockH,w_i / time,w_i) / Σ(blockH_i-1 / time,i-1)
func (sch *perfectScheduler) Schedule(workers []Worker, frameH uint32) []uint32 {
	// If this is the first time we try to schedule or the number of workers
	// has changed we need to reset the block assignments
	if len(sch.blockAssignment) != len(workers) {
		sch.blockAssignment = make([]uint32, len(workers))
		return assignBySpeed(workers, frameH, sch.blockAssignment)
	}

	var total float64
	for _, w := range workers {
		stats := w.Stats()
		if stats.BlockH == 0 || stats.RenderTime <= 0 {
			// Missing feedback; fall back to the speed estimates.
			return assignBySpeed(workers, frameH, sch.blockAssignment)
		}
		total += float64(stats.BlockH) / float64(stats.RenderTime)
	}

	scaler := float64(frameH) / total
	for idx, w := range workers {
		stats := w.Stats()
		sch.blockAssignment[idx] = uint32(math.Max(1.0, math.Floor(float64(stats.BlockH)/float64(stats.RenderTime)*scaler)))
	}
	return balance(sch.blockAssignment, frameH)
}

func assignBySpeed(workers []Worker, frameH uint32, out []uint32) []uint32 {
	var total float64
	for _, w := range workers {
		total += float64(w.Speed())
	}
	if total == 0 {
		total = float64(len(workers))
	}
	scaler := float64(frameH) / total
	for idx, w := range workers {
		out[idx] = uint32(math.Max(1.0, math.Floor(float64(w.Speed())*scaler)))
	}
	return balance(out, frameH)
}

// balance makes the assignment add up to frameH. Missing rows are appended to
// the first worker; extra rows are taken from the largest blocks.
func balance(assignment []uint32, frameH uint32) []uint32 {
	if len(assignment) == 0 {
		return assignment
	}

	var scheduledRows uint32
	for _, rows := range assignment {
		scheduledRows += rows
	}
	if scheduledRows <= frameH {
		assignment[0] += frameH - scheduledRows
		return assignment
	}

	for excess := scheduledRows - frameH; excess > 0; excess-- {
		largest := 0
		for idx, rows := range assignment {
			if rows > assignment[largest] {
				largest = idx
			}
		}
		if assignment[largest] == 0 {
			break
		}
		assignment[largest]--
	}
	return assignment
}
