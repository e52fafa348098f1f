// Package proc is a low-level package that provides methods to manipulate
// the process we are analyzing.
//
// proc implements the target-independent part of the instrumentation engine:
// * typed access to the memory of the target process
// * resolution of exported symbols from the PE images mapped in the target
// * the breakpoint registry, binding module!symbol pairs to handlers
// * the event loop glue that feeds module load notifications to the registry
//
// The debugging primitives themselves (process creation, debug events,
// software breakpoints) are provided by a backend implementing Process, see
// pkg/proc/native.
package proc
