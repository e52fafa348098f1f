//go:build windows && (386 || amd64)

//go:generate go run golang.org/x/sys/windows/mkwinsyscall -output zsyscall_windows.go syscall_windows.go

package native

import (
	"golang.org/x/sys/windows"
)

type _CREATE_PROCESS_DEBUG_INFO struct {
	File                windows.Handle
	Process             windows.Handle
	Thread              windows.Handle
	BaseOfImage         uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ThreadLocalBase     uintptr
	StartAddress        uintptr
	ImageName           uintptr
	Unicode             uint16
}

type _CREATE_THREAD_DEBUG_INFO struct {
	Thread          windows.Handle
	ThreadLocalBase uintptr
	StartAddress    uintptr
}

type _EXIT_PROCESS_DEBUG_INFO struct {
	ExitCode uint32
}

type _LOAD_DLL_DEBUG_INFO struct {
	File                windows.Handle
	BaseOfDll           uintptr
	DebugInfoFileOffset uint32
	DebugInfoSize       uint32
	ImageName           uintptr
	Unicode             uint16
}

type _UNLOAD_DLL_DEBUG_INFO struct {
	BaseOfDll uintptr
}

type _EXCEPTION_DEBUG_INFO struct {
	ExceptionRecord _EXCEPTION_RECORD
	FirstChance     uint32
}

type _EXCEPTION_RECORD struct {
	ExceptionCode        uint32
	ExceptionFlags       uint32
	ExceptionRecord      *_EXCEPTION_RECORD
	ExceptionAddress     uintptr
	NumberParameters     uint32
	ExceptionInformation [_EXCEPTION_MAXIMUM_PARAMETERS]uintptr
}

// _WOW64_FLOATING_SAVE_AREA and _WOW64_CONTEXT have the layout of the x86
// FLOATING_SAVE_AREA and CONTEXT structures.
type _WOW64_FLOATING_SAVE_AREA struct {
	ControlWord   uint32
	StatusWord    uint32
	TagWord       uint32
	ErrorOffset   uint32
	ErrorSelector uint32
	DataOffset    uint32
	DataSelector  uint32
	RegisterArea  [80]byte
	Cr0NpxState   uint32
}

type _WOW64_CONTEXT struct {
	ContextFlags uint32

	Dr0 uint32
	Dr1 uint32
	Dr2 uint32
	Dr3 uint32
	Dr6 uint32
	Dr7 uint32

	FloatSave _WOW64_FLOATING_SAVE_AREA

	SegGs uint32
	SegFs uint32
	SegEs uint32
	SegDs uint32

	Edi uint32
	Esi uint32
	Ebx uint32
	Edx uint32
	Ecx uint32
	Eax uint32

	Ebp    uint32
	Eip    uint32
	SegCs  uint32
	EFlags uint32
	Esp    uint32
	SegSs  uint32

	ExtendedRegisters [512]byte
}

const (
	_DBG_CONTINUE              = 0x00010002
	_DBG_EXCEPTION_NOT_HANDLED = 0x80010001

	_EXCEPTION_DEBUG_EVENT      = 1
	_CREATE_THREAD_DEBUG_EVENT  = 2
	_CREATE_PROCESS_DEBUG_EVENT = 3
	_EXIT_THREAD_DEBUG_EVENT    = 4
	_EXIT_PROCESS_DEBUG_EVENT   = 5
	_LOAD_DLL_DEBUG_EVENT       = 6
	_UNLOAD_DLL_DEBUG_EVENT     = 7
	_OUTPUT_DEBUG_STRING_EVENT  = 8
	_RIP_EVENT                  = 9

	_DEBUG_ONLY_THIS_PROCESS = 0x00000002

	_EXCEPTION_BREAKPOINT  = 0x80000003
	_EXCEPTION_SINGLE_STEP = 0x80000004
	// raised by 32-bit code running in a WOW64 process
	_STATUS_WX86_SINGLE_STEP = 0x4000001E
	_STATUS_WX86_BREAKPOINT  = 0x4000001F

	_MS_VC_EXCEPTION = 0x406D1388 // part of VisualC protocol to set thread names

	_EXCEPTION_MAXIMUM_PARAMETERS = 15

	_CONTEXT_i386    = 0x00010000
	_CONTEXT_CONTROL = _CONTEXT_i386 | 0x1
	_CONTEXT_INTEGER = _CONTEXT_i386 | 0x2

	_INFINITE = 0xffffffff

	trapFlag = 0x100
)

//sys	_WaitForDebugEvent(debugevent *_DEBUG_EVENT, milliseconds uint32) (err error) = kernel32.WaitForDebugEvent
//sys	_ContinueDebugEvent(processid uint32, threadid uint32, continuestatus uint32) (err error) = kernel32.ContinueDebugEvent
//sys	_DebugActiveProcessStop(processid uint32) (err error) = kernel32.DebugActiveProcessStop
//sys	_DebugSetProcessKillOnExit(killonexit bool) (err error) = kernel32.DebugSetProcessKillOnExit
//sys	_SuspendThread(threadid windows.Handle) (prevsuspcount uint32, err error) [failretval==0xffffffff] = kernel32.SuspendThread
//sys	_FlushInstructionCache(process windows.Handle, baseaddr uintptr, size uintptr) (err error) = kernel32.FlushInstructionCache
//sys	_GetThreadContext(thread windows.Handle, context *_WOW64_CONTEXT) (err error) = kernel32.GetThreadContext
//sys	_SetThreadContext(thread windows.Handle, context *_WOW64_CONTEXT) (err error) = kernel32.SetThreadContext
//sys	_Wow64GetThreadContext(thread windows.Handle, context *_WOW64_CONTEXT) (err error) = kernel32.Wow64GetThreadContext
//sys	_Wow64SetThreadContext(thread windows.Handle, context *_WOW64_CONTEXT) (err error) = kernel32.Wow64SetThreadContext
