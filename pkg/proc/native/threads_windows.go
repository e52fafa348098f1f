//go:build windows && (386 || amd64)

package native

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// nativeThread is a thread of the target.
type nativeThread struct {
	ID      int
	hThread windows.Handle
}

func (t *nativeThread) context() (*_WOW64_CONTEXT, error) {
	ctx := new(_WOW64_CONTEXT)
	ctx.ContextFlags = _CONTEXT_CONTROL | _CONTEXT_INTEGER
	if err := getThreadContext(t.hThread, ctx); err != nil {
		return nil, fmt.Errorf("could not get context of thread %d: %w", t.ID, err)
	}
	return ctx, nil
}

func (t *nativeThread) setContext(ctx *_WOW64_CONTEXT) error {
	if err := setThreadContext(t.hThread, ctx); err != nil {
		return fmt.Errorf("could not set context of thread %d: %w", t.ID, err)
	}
	return nil
}

// stackPointer returns ESP.
func (t *nativeThread) stackPointer() (uint64, error) {
	ctx, err := t.context()
	if err != nil {
		return 0, err
	}
	return uint64(ctx.Esp), nil
}

// rewind moves the thread back to the breakpoint instruction it executed,
// at addr.
func (t *nativeThread) rewind(addr uint64) error {
	ctx, err := t.context()
	if err != nil {
		return err
	}
	ctx.Eip = uint32(addr)
	return t.setContext(ctx)
}

// setTrapFlag makes the thread stop after executing one instruction.
func (t *nativeThread) setTrapFlag() error {
	ctx, err := t.context()
	if err != nil {
		return err
	}
	ctx.EFlags |= trapFlag
	return t.setContext(ctx)
}

func (t *nativeThread) suspend() error {
	_, err := _SuspendThread(t.hThread)
	return err
}

func (t *nativeThread) resume() error {
	_, err := windows.ResumeThread(t.hThread)
	return err
}
