package proc

import (
	"context"
	"time"
)

// Process represents the target of the analyzer, a process running under
// the control of a debugging backend.
//
// All methods are called from a single goroutine. While the target is
// stopped (i.e. between the return of Resume and the next call to it) none
// of its threads execute.
type Process interface {
	MemoryReadWriter

	Pid() int
	// Exited returns true if the process has exited or was killed.
	Exited() bool

	// Resume lets the target run until the next reportable event and
	// returns it. Resume is the only blocking operation of a backend, if ctx
	// is cancelled while waiting the target is left running and ctx.Err()
	// is returned.
	Resume(ctx context.Context) (*Event, error)

	// StackPointer returns the stack pointer of the given thread, which must
	// be stopped.
	StackPointer(threadID int) (uint64, error)

	// WriteBreakpoint inserts a software breakpoint at addr. Breakpoints
	// inserted by this method are the only ones reported as
	// EventBreakpoint by Resume.
	WriteBreakpoint(addr uint64) error
	// EraseBreakpoint restores the original instruction at addr.
	EraseBreakpoint(addr uint64) error

	// Detach releases the target, killing it if kill is true.
	Detach(kill bool) error
}

// EventKind describes why Resume returned.
type EventKind uint8

const (
	// EventModuleLoad is reported when a module is mapped in the target,
	// including the main executable at process creation.
	EventModuleLoad EventKind = iota
	// EventModuleUnload is reported when a module is unmapped.
	EventModuleUnload
	// EventBreakpoint is reported when a thread reaches a breakpoint set
	// with WriteBreakpoint.
	EventBreakpoint
	// EventExited is reported once, when the target process exits.
	EventExited
)

func (k EventKind) String() string {
	switch k {
	case EventModuleLoad:
		return "module-load"
	case EventModuleUnload:
		return "module-unload"
	case EventBreakpoint:
		return "breakpoint"
	case EventExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Event is a debugging event reported by a backend.
type Event struct {
	// Seq is the position of this event in the event stream of the target,
	// assigned by Target.
	Seq  uint64
	Time time.Time
	Kind EventKind

	// ThreadID is the thread that caused the event, if any.
	ThreadID int
	// Addr is the breakpoint address for EventBreakpoint.
	Addr uint64
	// Module is set for EventModuleLoad and EventModuleUnload.
	Module *Module
	// ExitCode is set for EventExited.
	ExitCode int
}
