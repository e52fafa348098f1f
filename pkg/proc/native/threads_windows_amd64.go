package native

import (
	"errors"

	"golang.org/x/sys/windows"
)

type _DEBUG_EVENT struct {
	DebugEventCode uint32
	ProcessId      uint32
	ThreadId       uint32
	_              uint32 // to align Union properly
	U              [160]byte
}

// Document hosts are analyzed as 32-bit processes, from a 64-bit
// controller their threads are accessed through the WOW64 context.

func getThreadContext(thread windows.Handle, context *_WOW64_CONTEXT) error {
	return _Wow64GetThreadContext(thread, context)
}

func setThreadContext(thread windows.Handle, context *_WOW64_CONTEXT) error {
	return _Wow64SetThreadContext(thread, context)
}

var errNot32Bit = errors.New("only 32-bit document hosts can be analyzed")

func checkTargetArch(process windows.Handle) error {
	var wow64 bool
	if err := windows.IsWow64Process(process, &wow64); err != nil {
		return err
	}
	if !wow64 {
		return errNot32Bit
	}
	return nil
}
