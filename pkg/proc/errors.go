package proc

import (
	"errors"
	"fmt"
)

// ErrProcessExited indicates that the process has exited and contains both
// process id and exit status.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (pe ErrProcessExited) Error() string {
	return fmt.Sprintf("Process %d has exited with status %d", pe.Pid, pe.Status)
}

// ErrNilAddress is returned when a handler tries to dereference a NULL
// pointer read from the target.
var ErrNilAddress = errors.New("nil address")

// AccessError is returned when reading or writing the memory of the target
// fails, because the address is not mapped, the process is gone or the
// operating system denied access.
type AccessError struct {
	Op   string
	Addr uint64
	Err  error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("could not %s memory at %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *AccessError) Unwrap() error {
	return e.Err
}

// SymbolResolutionError is returned when an exported symbol can not be found
// in a loaded module.
type SymbolResolutionError struct {
	Module string
	Symbol string
	Err    error
}

func (e *SymbolResolutionError) Error() string {
	return fmt.Sprintf("could not resolve %s!%s: %v", e.Module, e.Symbol, e.Err)
}

func (e *SymbolResolutionError) Unwrap() error {
	return e.Err
}

// ForwardedExportError is returned when an export of Module is implemented
// by another module, as described by Forwarder.
type ForwardedExportError struct {
	Module    string
	Symbol    string
	Forwarder string
}

func (e *ForwardedExportError) Error() string {
	return fmt.Sprintf("%s!%s is forwarded to %s", e.Module, e.Symbol, e.Forwarder)
}
