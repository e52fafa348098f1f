package proc

import (
	"context"
	"sort"
	"time"

	"github.com/mgeeky/loffice/pkg/logflags"
)

// Target represents a process being analyzed: the backend process, the
// modules it has loaded so far and the breakpoints installed in it.
type Target struct {
	proc Process

	// Breakpoints is the registry of breakpoints for this process.
	Breakpoints *Registry

	modules  map[uint64]*Module
	seq      uint64
	exited   bool
	exitCode int

	log logflags.Logger
}

// NewTarget binds reg to the process p. Breakpoints registered in reg are
// installed as the modules they target are loaded.
func NewTarget(p Process, reg *Registry) *Target {
	if reg == nil {
		reg = NewRegistry()
	}
	return &Target{
		proc:        p,
		Breakpoints: reg,
		modules:     make(map[uint64]*Module),
		log:         logflags.BreakpointsLogger(),
	}
}

// Process returns the backend process.
func (t *Target) Process() Process {
	return t.proc
}

// Pid returns the process ID of the target.
func (t *Target) Pid() int {
	return t.proc.Pid()
}

// ExitStatus returns true and the exit code if the target process has
// exited.
func (t *Target) ExitStatus() (bool, int) {
	return t.exited, t.exitCode
}

// Modules returns the modules currently loaded in the target, sorted by
// base address.
func (t *Target) Modules() []*Module {
	r := make([]*Module, 0, len(t.modules))
	for _, mod := range t.modules {
		r = append(r, mod)
	}
	sort.Slice(r, func(i, j int) bool { return r[i].Base < r[j].Base })
	return r
}

// FindModule returns the loaded module matching name.
func (t *Target) FindModule(name string) (*Module, bool) {
	for _, mod := range t.Modules() {
		if MatchModuleName(name, mod.Name) {
			return mod, true
		}
	}
	return nil, false
}

// Continue resumes the target and processes module load and unload
// notifications until a breakpoint is hit or the process exits. Handlers of
// the breakpoint have already run when Continue returns.
func (t *Target) Continue(ctx context.Context) (*Event, error) {
	if t.exited {
		return nil, ErrProcessExited{Pid: t.proc.Pid(), Status: t.exitCode}
	}
	for {
		ev, err := t.proc.Resume(ctx)
		if err != nil {
			return nil, err
		}
		t.seq++
		ev.Seq = t.seq
		if ev.Time.IsZero() {
			ev.Time = time.Now()
		}

		switch ev.Kind {
		case EventModuleLoad:
			t.onModuleLoad(ev.Module)
		case EventModuleUnload:
			t.onModuleUnload(ev.Module)
		case EventBreakpoint:
			t.Breakpoints.Dispatch(t.proc, ev)
			return ev, nil
		case EventExited:
			t.exited = true
			t.exitCode = ev.ExitCode
			return ev, nil
		}
	}
}

func (t *Target) onModuleLoad(mod *Module) {
	if mod == nil {
		return
	}
	if _, ok := t.modules[mod.Base]; !ok {
		t.modules[mod.Base] = mod
		t.log.Debugf("Loaded module %s", mod)
	}
	t.Breakpoints.OnModuleLoaded(t.proc, t.modules[mod.Base])
}

func (t *Target) onModuleUnload(mod *Module) {
	if mod == nil {
		return
	}
	if known, ok := t.modules[mod.Base]; ok {
		mod = known
		delete(t.modules, mod.Base)
	}
	t.log.Debugf("Unloaded module %s", mod)
	t.Breakpoints.OnModuleUnloaded(mod)
}

// Detach releases the target process, killing it if kill is true.
func (t *Target) Detach(kill bool) error {
	err := t.proc.Detach(kill)
	if err == nil {
		t.exited = true
	}
	return err
}
