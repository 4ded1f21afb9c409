package device

import (
	"fmt"
	"strings"
)

type CommandKind uint8

const (
	CmdDispatch CommandKind = iota
	CmdDispatchIndirect
	CmdBarrier
	CmdReadback
	CmdClear
	CmdCopy
	CmdWrite
)

func (k CommandKind) String() string {
	switch k {
	case CmdDispatch:
		return "dispatch"
	case CmdDispatchIndirect:
		return "dispatchIndirect"
	case CmdBarrier:
		return "barrier"
	case CmdReadback:
		return "readback"
	case CmdClear:
		return "clear"
	case CmdCopy:
		return "copy"
	case CmdWrite:
		return "write"
	}
	panic("device: unsupported command kind")
}

// Command is an entry of the recorded command stream.
type Command struct {
	Kind      CommandKind
	Name      string
	Resources []string
	Groups    [3]uint32
}

func (c Command) String() string {
	switch c.Kind {
	case CmdDispatch, CmdDispatchIndirect:
		return fmt.Sprintf("%s %s (%d,%d,%d) [%s]", c.Kind, c.Name, c.Groups[0], c.Groups[1], c.Groups[2], strings.Join(c.Resources, ", "))
	}
	return fmt.Sprintf("%s [%s]", c.Kind, strings.Join(c.Resources, ", "))
}

// Stats aggregates device activity.
type Stats struct {
	Dispatches         uint64
	IndirectDispatches uint64
	Barriers           uint64
	Readbacks          uint64
	Clears             uint64
	Allocations        uint64
	AllocatedBytes     uint64
	Hazards            uint64
}
