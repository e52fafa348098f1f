package native

import (
	"golang.org/x/sys/windows"
)

type _DEBUG_EVENT struct {
	DebugEventCode uint32
	ProcessId      uint32
	ThreadId       uint32
	U              [84]byte
}

func getThreadContext(thread windows.Handle, context *_WOW64_CONTEXT) error {
	return _GetThreadContext(thread, context)
}

func setThreadContext(thread windows.Handle, context *_WOW64_CONTEXT) error {
	return _SetThreadContext(thread, context)
}

// checkTargetArch always succeeds, a 32-bit debugger can only create 32-bit
// processes.
func checkTargetArch(process windows.Handle) error {
	return nil
}
