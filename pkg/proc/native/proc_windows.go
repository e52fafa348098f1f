//go:build windows && (386 || amd64)

package native

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/mgeeky/loffice/pkg/logflags"
	"github.com/mgeeky/loffice/pkg/proc"
)

// waitInterval bounds every WaitForDebugEvent call so that cancellation of
// the context passed to Resume is noticed.
const waitInterval = 100 * time.Millisecond

// killTimeout bounds the wait for the exit event of a killed target.
const killTimeout = 10 * time.Second

// stopInfo describes the debug event the target is stopped at. It is
// continued by the next call to Resume.
type stopInfo struct {
	tid    int
	status uint32
	// bpAddr is the address of the breakpoint the thread is stopped at,
	// zero if the event is not a breakpoint.
	bpAddr uint64
}

// nativeProcess is a proc.Process backed by the Windows debugging API.
type nativeProcess struct {
	pid      int
	hProcess windows.Handle
	hJob     windows.Handle

	threads map[int]*nativeThread
	modules map[uint64]*proc.Module
	// breakpoints maps the address of installed breakpoints to the
	// original byte.
	breakpoints map[uint64]byte
	// systemBreaks records the loader breakpoints already seen, by
	// exception code.
	systemBreaks map[uint32]bool

	initial *proc.Event
	stopped *stopInfo
	pending []*proc.Event

	ptraceChan     chan func()
	ptraceDoneChan chan interface{}

	exited   bool
	exitCode int

	log logflags.Logger
}

func newProcess() *nativeProcess {
	dbp := &nativeProcess{
		threads:        make(map[int]*nativeThread),
		modules:        make(map[uint64]*proc.Module),
		breakpoints:    make(map[uint64]byte),
		systemBreaks:   make(map[uint32]bool),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan interface{}),
		log:            logflags.NativeLogger(),
	}
	go dbp.handlePtraceFuncs()
	return dbp
}

// Debug events are only delivered to the thread that created the process,
// every call to the debugging API is made from a single locked OS thread.
func (dbp *nativeProcess) handlePtraceFuncs() {
	runtime.LockOSThread()

	for fn := range dbp.ptraceChan {
		fn()
		dbp.ptraceDoneChan <- nil
	}
}

func (dbp *nativeProcess) execPtraceFunc(fn func()) {
	dbp.ptraceChan <- fn
	<-dbp.ptraceDoneChan
}

func (dbp *nativeProcess) postExit() {
	if dbp.ptraceChan == nil {
		return
	}
	dbp.exited = true
	close(dbp.ptraceChan)
	dbp.ptraceChan = nil
	if dbp.hJob != 0 {
		windows.CloseHandle(dbp.hJob)
		dbp.hJob = 0
	}
}

// Launch creates and begins debugging a new process. The first event
// reported by Resume is the load of the main executable, before any code
// of the target runs.
func Launch(cmd []string, wd string) (proc.Process, error) {
	if len(cmd) == 0 {
		return nil, errors.New("empty command line")
	}
	argv0, err := exec.LookPath(cmd[0])
	if err != nil {
		return nil, err
	}

	var p *os.Process
	dbp := newProcess()
	dbp.execPtraceFunc(func() {
		attr := &os.ProcAttr{
			Dir:   wd,
			Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
			Sys: &syscall.SysProcAttr{
				CreationFlags: _DEBUG_ONLY_THIS_PROCESS,
			},
		}
		p, err = os.StartProcess(argv0, cmd, attr)
		if err == nil {
			err = _DebugSetProcessKillOnExit(true)
		}
	})
	if err != nil {
		if p != nil {
			p.Kill()
			p.Release()
		}
		dbp.postExit()
		return nil, err
	}
	defer p.Release()
	dbp.pid = p.Pid

	if err := dbp.initialize(); err != nil {
		dbp.Detach(true)
		return nil, err
	}
	return dbp, nil
}

// initialize waits for the process creation event, which Windows fires
// immediately after launching under DEBUG_ONLY_THIS_PROCESS, and leaves the
// target stopped on it.
func (dbp *nativeProcess) initialize() error {
	for {
		var de _DEBUG_EVENT
		var err error
		dbp.execPtraceFunc(func() {
			err = _WaitForDebugEvent(&de, _INFINITE)
		})
		if err != nil {
			return err
		}
		if de.DebugEventCode != _CREATE_PROCESS_DEBUG_EVENT {
			if err := dbp.continueEvent(int(de.ThreadId), _DBG_CONTINUE); err != nil {
				return err
			}
			continue
		}
		ev, status, _, err := dbp.handleDebugEvent(&de)
		if err != nil {
			dbp.continueEvent(int(de.ThreadId), status)
			return err
		}
		if err := checkTargetArch(dbp.hProcess); err != nil {
			dbp.continueEvent(int(de.ThreadId), status)
			return err
		}
		dbp.assignJob()
		dbp.initial = ev
		dbp.stopped = &stopInfo{tid: int(de.ThreadId), status: status}
		return nil
	}
}

// assignJob places the target in a job object that kills it when the
// controller exits, however that happens.
func (dbp *nativeProcess) assignJob() {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		dbp.log.WithError(err).Warn("could not create job object")
		return
	}
	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	_, err = windows.SetInformationJobObject(job, windows.JobObjectExtendedLimitInformation, uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info)))
	if err == nil {
		err = windows.AssignProcessToJobObject(job, dbp.hProcess)
	}
	if err != nil {
		windows.CloseHandle(job)
		dbp.log.WithError(err).Warn("could not assign target to job object")
		return
	}
	dbp.hJob = job
}

func (dbp *nativeProcess) Pid() int {
	return dbp.pid
}

func (dbp *nativeProcess) Exited() bool {
	return dbp.exited
}

func (dbp *nativeProcess) ReadMemory(buf []byte, addr uint64) (int, error) {
	if dbp.exited {
		return 0, proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitCode}
	}
	if len(buf) == 0 {
		return 0, nil
	}
	var count uintptr
	err := windows.ReadProcessMemory(dbp.hProcess, uintptr(addr), &buf[0], uintptr(len(buf)), &count)
	return int(count), err
}

func (dbp *nativeProcess) WriteMemory(addr uint64, data []byte) (int, error) {
	if dbp.exited {
		return 0, proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitCode}
	}
	if len(data) == 0 {
		return 0, nil
	}
	var count uintptr
	err := windows.WriteProcessMemory(dbp.hProcess, uintptr(addr), &data[0], uintptr(len(data)), &count)
	return int(count), err
}

// writeCode writes data over the code at addr, which is usually mapped
// read-only.
func (dbp *nativeProcess) writeCode(addr uint64, data []byte) error {
	var oldProtect uint32
	err := windows.VirtualProtectEx(dbp.hProcess, uintptr(addr), uintptr(len(data)), windows.PAGE_EXECUTE_READWRITE, &oldProtect)
	if err != nil {
		return &proc.AccessError{Op: "write", Addr: addr, Err: err}
	}
	n, err := dbp.WriteMemory(addr, data)
	if err == nil && n != len(data) {
		err = io.ErrShortWrite
	}
	windows.VirtualProtectEx(dbp.hProcess, uintptr(addr), uintptr(len(data)), oldProtect, &oldProtect)
	if err != nil {
		return &proc.AccessError{Op: "write", Addr: addr, Err: err}
	}
	return _FlushInstructionCache(dbp.hProcess, uintptr(addr), uintptr(len(data)))
}

func (dbp *nativeProcess) WriteBreakpoint(addr uint64) error {
	if _, ok := dbp.breakpoints[addr]; ok {
		return nil
	}
	var orig [1]byte
	if _, err := dbp.ReadMemory(orig[:], addr); err != nil {
		return &proc.AccessError{Op: "read", Addr: addr, Err: err}
	}
	if err := dbp.writeCode(addr, []byte{0xcc}); err != nil {
		return err
	}
	dbp.breakpoints[addr] = orig[0]
	return nil
}

func (dbp *nativeProcess) EraseBreakpoint(addr uint64) error {
	orig, ok := dbp.breakpoints[addr]
	if !ok {
		return nil
	}
	delete(dbp.breakpoints, addr)
	return dbp.writeCode(addr, []byte{orig})
}

func (dbp *nativeProcess) StackPointer(threadID int) (uint64, error) {
	th, ok := dbp.threads[threadID]
	if !ok {
		return 0, fmt.Errorf("unknown thread %d", threadID)
	}
	return th.stackPointer()
}

// Resume continues the event the target is stopped at and waits for the
// next one worth reporting.
func (dbp *nativeProcess) Resume(ctx context.Context) (*proc.Event, error) {
	if ev := dbp.initial; ev != nil {
		dbp.initial = nil
		return ev, nil
	}
	if dbp.exited {
		return nil, proc.ErrProcessExited{Pid: dbp.pid, Status: dbp.exitCode}
	}
	if err := dbp.continueStopped(); err != nil {
		return nil, err
	}
	for {
		if len(dbp.pending) > 0 {
			ev := dbp.pending[0]
			dbp.pending = dbp.pending[1:]
			if ev.Kind == proc.EventExited {
				dbp.postExit()
			}
			return ev, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var de _DEBUG_EVENT
		var err error
		dbp.execPtraceFunc(func() {
			err = _WaitForDebugEvent(&de, uint32(waitInterval/time.Millisecond))
		})
		if errors.Is(err, windows.ERROR_SEM_TIMEOUT) {
			continue
		}
		if err != nil {
			return nil, err
		}

		tid := int(de.ThreadId)
		ev, status, bpAddr, err := dbp.handleDebugEvent(&de)
		if err != nil {
			dbp.continueEvent(tid, status)
			return nil, err
		}
		switch {
		case ev == nil:
			if err := dbp.continueEvent(tid, status); err != nil {
				return nil, err
			}
		case ev.Kind == proc.EventExited:
			err := dbp.continueEvent(tid, status)
			dbp.postExit()
			return ev, err
		default:
			dbp.stopped = &stopInfo{tid: tid, status: status, bpAddr: bpAddr}
			return ev, nil
		}
	}
}

func (dbp *nativeProcess) continueEvent(tid int, status uint32) error {
	var err error
	dbp.execPtraceFunc(func() {
		err = _ContinueDebugEvent(uint32(dbp.pid), uint32(tid), status)
	})
	return err
}

// continueStopped continues the event the target is stopped at. A thread
// stopped at a breakpoint that is still installed is stepped over it first.
func (dbp *nativeProcess) continueStopped() error {
	st := dbp.stopped
	if st == nil {
		return nil
	}
	dbp.stopped = nil
	if _, ok := dbp.breakpoints[st.bpAddr]; st.bpAddr == 0 || !ok {
		return dbp.continueEvent(st.tid, st.status)
	}
	return dbp.stepOverBreakpoint(st)
}

// stepOverBreakpoint restores the original instruction at the breakpoint,
// lets the stopped thread execute it with the trap flag set and writes the
// breakpoint back. Every other thread is suspended meanwhile so that none
// of them can pass through the breakpoint unnoticed.
func (dbp *nativeProcess) stepOverBreakpoint(st *stopInfo) error {
	th := dbp.threads[st.tid]
	if th == nil {
		return dbp.continueEvent(st.tid, st.status)
	}
	if err := dbp.writeCode(st.bpAddr, []byte{dbp.breakpoints[st.bpAddr]}); err != nil {
		return err
	}
	if err := th.setTrapFlag(); err != nil {
		return err
	}

	var suspended []*nativeThread
	for _, other := range dbp.threads {
		if other.ID == th.ID {
			continue
		}
		if err := other.suspend(); err != nil {
			dbp.log.WithError(err).Debugf("could not suspend thread %d", other.ID)
			continue
		}
		suspended = append(suspended, other)
	}
	defer func() {
		for _, other := range suspended {
			other.resume()
		}
	}()

	if err := dbp.continueEvent(st.tid, st.status); err != nil {
		return err
	}

	for {
		var de _DEBUG_EVENT
		var err error
		dbp.execPtraceFunc(func() {
			err = _WaitForDebugEvent(&de, _INFINITE)
		})
		if err != nil {
			return err
		}
		tid := int(de.ThreadId)

		if tid == st.tid && de.DebugEventCode == _EXCEPTION_DEBUG_EVENT && isSingleStep(exceptionInfo(&de).ExceptionRecord.ExceptionCode) {
			if _, ok := dbp.breakpoints[st.bpAddr]; ok {
				if err := dbp.writeCode(st.bpAddr, []byte{0xcc}); err != nil {
					dbp.continueEvent(tid, _DBG_CONTINUE)
					return err
				}
			}
			return dbp.continueEvent(tid, _DBG_CONTINUE)
		}

		ev, status, bpAddr, err := dbp.handleDebugEvent(&de)
		if err != nil {
			dbp.continueEvent(tid, status)
			return err
		}
		switch {
		case ev == nil:
		case bpAddr != 0:
			// Raised before the other threads were suspended. The thread
			// was moved back to the breakpoint, which it reaches again
			// once resumed.
		default:
			dbp.pending = append(dbp.pending, ev)
		}
		if err := dbp.continueEvent(tid, status); err != nil {
			return err
		}
		if ev != nil && ev.Kind == proc.EventExited {
			return nil
		}
	}
}

func exceptionInfo(de *_DEBUG_EVENT) *_EXCEPTION_DEBUG_INFO {
	return (*_EXCEPTION_DEBUG_INFO)(unsafe.Pointer(&de.U[0]))
}

func isBreakpoint(code uint32) bool {
	return code == _EXCEPTION_BREAKPOINT || code == _STATUS_WX86_BREAKPOINT
}

func isSingleStep(code uint32) bool {
	return code == _EXCEPTION_SINGLE_STEP || code == _STATUS_WX86_SINGLE_STEP
}

// handleDebugEvent updates the state of the process after de and returns
// the event to report for it, if any, with the status de must be continued
// with. For breakpoint events bpAddr is the address of the breakpoint and
// the thread has been moved back to it.
func (dbp *nativeProcess) handleDebugEvent(de *_DEBUG_EVENT) (ev *proc.Event, status uint32, bpAddr uint64, err error) {
	status = _DBG_CONTINUE
	tid := int(de.ThreadId)
	unionPtr := unsafe.Pointer(&de.U[0])

	switch de.DebugEventCode {
	case _CREATE_PROCESS_DEBUG_EVENT:
		debugInfo := (*_CREATE_PROCESS_DEBUG_INFO)(unionPtr)
		dbp.hProcess = debugInfo.Process
		dbp.threads[tid] = &nativeThread{ID: tid, hThread: debugInfo.Thread}
		mod := dbp.addModule(debugInfo.File, uint64(debugInfo.BaseOfImage))
		ev = &proc.Event{Kind: proc.EventModuleLoad, ThreadID: tid, Module: mod}

	case _CREATE_THREAD_DEBUG_EVENT:
		debugInfo := (*_CREATE_THREAD_DEBUG_INFO)(unionPtr)
		dbp.threads[tid] = &nativeThread{ID: tid, hThread: debugInfo.Thread}

	case _EXIT_THREAD_DEBUG_EVENT:
		delete(dbp.threads, tid)

	case _LOAD_DLL_DEBUG_EVENT:
		debugInfo := (*_LOAD_DLL_DEBUG_INFO)(unionPtr)
		mod := dbp.addModule(debugInfo.File, uint64(debugInfo.BaseOfDll))
		ev = &proc.Event{Kind: proc.EventModuleLoad, ThreadID: tid, Module: mod}

	case _UNLOAD_DLL_DEBUG_EVENT:
		debugInfo := (*_UNLOAD_DLL_DEBUG_INFO)(unionPtr)
		base := uint64(debugInfo.BaseOfDll)
		mod, ok := dbp.modules[base]
		if !ok {
			mod = &proc.Module{Base: base}
		}
		delete(dbp.modules, base)
		for addr := range dbp.breakpoints {
			if mod.Contains(addr) {
				delete(dbp.breakpoints, addr)
			}
		}
		ev = &proc.Event{Kind: proc.EventModuleUnload, ThreadID: tid, Module: mod}

	case _OUTPUT_DEBUG_STRING_EVENT, _RIP_EVENT:

	case _EXCEPTION_DEBUG_EVENT:
		exception := exceptionInfo(de)
		code := exception.ExceptionRecord.ExceptionCode
		addr := uint64(exception.ExceptionRecord.ExceptionAddress)
		switch {
		case isBreakpoint(code):
			if _, ok := dbp.breakpoints[addr]; ok {
				th := dbp.threads[tid]
				if th == nil {
					return nil, status, 0, fmt.Errorf("breakpoint at %#x hit by unknown thread %d", addr, tid)
				}
				if err := th.rewind(addr); err != nil {
					return nil, status, 0, err
				}
				ev = &proc.Event{Kind: proc.EventBreakpoint, ThreadID: tid, Addr: addr}
				return ev, status, addr, nil
			}
			if !dbp.systemBreaks[code] {
				// loader breakpoint, one for each of the native and WOW64
				// loaders
				dbp.systemBreaks[code] = true
				break
			}
			status = _DBG_EXCEPTION_NOT_HANDLED
		case code == _MS_VC_EXCEPTION:
		default:
			if exception.FirstChance == 0 {
				dbp.log.Debugf("second chance exception %#x at %#x in thread %d", code, addr, tid)
			}
			status = _DBG_EXCEPTION_NOT_HANDLED
		}

	case _EXIT_PROCESS_DEBUG_EVENT:
		debugInfo := (*_EXIT_PROCESS_DEBUG_INFO)(unionPtr)
		dbp.exitCode = int(debugInfo.ExitCode)
		ev = &proc.Event{Kind: proc.EventExited, ThreadID: tid, ExitCode: dbp.exitCode}

	default:
		return nil, status, 0, fmt.Errorf("unknown debug event code: %d", de.DebugEventCode)
	}
	return ev, status, 0, nil
}

// addModule records the image mapped at base. hFile, the handle to the
// image file passed along with the debug event, is closed.
func (dbp *nativeProcess) addModule(hFile windows.Handle, base uint64) *proc.Module {
	mod := &proc.Module{Base: base}
	if hFile != 0 && hFile != windows.InvalidHandle {
		path, err := finalPathName(hFile)
		if err != nil {
			dbp.log.WithError(err).Debugf("could not get path of module at %#x", base)
		}
		mod.Path = path
		windows.CloseHandle(hFile)
	}
	mod.Name = proc.ModuleBaseName(mod.Path)

	if hdr, err := proc.ReadImageHeaders(dbp, base); err == nil {
		mod.Size = uint64(hdr.SizeOfImage)
		if mod.Name == "" {
			if et, err := proc.ReadExportTable(dbp, base, hdr); err == nil {
				mod.Name = et.DLLName
			}
		}
	}
	dbp.modules[base] = mod
	return mod
}

func finalPathName(hFile windows.Handle) (string, error) {
	buf := make([]uint16, windows.MAX_PATH)
	for {
		n, err := windows.GetFinalPathNameByHandle(hFile, &buf[0], uint32(len(buf)), 0)
		if err != nil {
			return "", err
		}
		if int(n) < len(buf) {
			return strings.TrimPrefix(windows.UTF16ToString(buf[:n]), `\\?\`), nil
		}
		buf = make([]uint16, n)
	}
}

// Detach releases the target. If kill is false the breakpoints are removed
// and the target keeps running, until the controller exits and the job
// holding it is closed.
func (dbp *nativeProcess) Detach(kill bool) error {
	if dbp.exited {
		return nil
	}
	dbp.initial = nil
	if kill {
		return dbp.kill()
	}
	for addr := range dbp.breakpoints {
		if err := dbp.EraseBreakpoint(addr); err != nil {
			return err
		}
	}
	var err error
	if st := dbp.stopped; st != nil {
		dbp.stopped = nil
		if err := dbp.continueEvent(st.tid, st.status); err != nil {
			return err
		}
	}
	dbp.execPtraceFunc(func() {
		_DebugSetProcessKillOnExit(false)
		err = _DebugActiveProcessStop(uint32(dbp.pid))
	})
	dbp.postExit()
	return err
}

// kill terminates the target and waits for its exit event.
func (dbp *nativeProcess) kill() error {
	if err := windows.TerminateProcess(dbp.hProcess, 1); err != nil {
		dbp.log.WithError(err).Debugf("could not terminate process %d", dbp.pid)
	}
	if st := dbp.stopped; st != nil {
		dbp.stopped = nil
		dbp.continueEvent(st.tid, st.status)
	}

	deadline := time.Now().Add(killTimeout)
	for time.Now().Before(deadline) {
		var de _DEBUG_EVENT
		var err error
		dbp.execPtraceFunc(func() {
			err = _WaitForDebugEvent(&de, uint32(waitInterval/time.Millisecond))
		})
		if errors.Is(err, windows.ERROR_SEM_TIMEOUT) {
			continue
		}
		if err != nil {
			break
		}
		status := uint32(_DBG_CONTINUE)
		switch de.DebugEventCode {
		case _LOAD_DLL_DEBUG_EVENT:
			debugInfo := (*_LOAD_DLL_DEBUG_INFO)(unsafe.Pointer(&de.U[0]))
			if debugInfo.File != 0 && debugInfo.File != windows.InvalidHandle {
				windows.CloseHandle(debugInfo.File)
			}
		case _EXCEPTION_DEBUG_EVENT:
			status = _DBG_EXCEPTION_NOT_HANDLED
		}
		dbp.continueEvent(int(de.ThreadId), status)
		if de.DebugEventCode == _EXIT_PROCESS_DEBUG_EVENT {
			dbp.exitCode = int((*_EXIT_PROCESS_DEBUG_INFO)(unsafe.Pointer(&de.U[0])).ExitCode)
			dbp.postExit()
			return nil
		}
	}
	dbp.postExit()
	return fmt.Errorf("process %d did not exit after being killed", dbp.pid)
}
