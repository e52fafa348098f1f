package proc

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mgeeky/loffice/pkg/logflags"
)

// HandlerFunc is called synchronously when a breakpoint is hit, while every
// thread of the target is stopped. An error returned by a handler is logged
// and otherwise ignored.
type HandlerFunc func(hit *Hit) error

// BreakpointSpec describes a breakpoint on an exported function, before the
// module exporting it is loaded.
type BreakpointSpec struct {
	// Module is the name of the module exporting Symbol, with or without
	// the .dll extension.
	Module  string
	Symbol  string
	Handler HandlerFunc

	// Addr is the address of the breakpoint, valid if Resolved is set.
	Addr     uint64
	Resolved bool
	// Failed is set if the spec could not be resolved or installed. It stays
	// set for the lifetime of the process.
	Failed bool

	// implModule and implSymbol name the export the breakpoint is placed
	// on when Module!Symbol is forwarded to another module.
	implModule string
	implSymbol string
}

func (spec *BreakpointSpec) String() string {
	return spec.Module + "!" + spec.Symbol
}

// target returns the module and symbol spec is resolved against.
func (spec *BreakpointSpec) target() (string, string) {
	if spec.implModule != "" {
		return spec.implModule, spec.implSymbol
	}
	return spec.Module, spec.Symbol
}

// Breakpoint represents a physical breakpoint installed in the target.
type Breakpoint struct {
	Addr   uint64
	Module *Module
	// Specs bound to this address, in registration order.
	Specs []*BreakpointSpec

	TotalHitCount uint64 // Number of times a breakpoint has been reached
}

// Hit is passed to the handlers of a breakpoint when it is reached.
type Hit struct {
	Process    Process
	Breakpoint *Breakpoint
	Spec       *BreakpointSpec
	Event      *Event
}

// StackWords reads n words from the stack of the thread that hit the
// breakpoint. Word 0 is the return address, word i (i > 0) is the i-th
// argument of the intercepted function.
func (h *Hit) StackWords(n int) ([]uint32, error) {
	sp, err := h.Process.StackPointer(h.Event.ThreadID)
	if err != nil {
		return nil, err
	}
	return ReadStackWords(h.Process, sp, n)
}

// maxForwards bounds the chain of forwarders followed for one spec.
const maxForwards = 8

// Registry maps module!symbol pairs to handlers. Specs are resolved lazily,
// every time a module is loaded, and installed at most once per process.
type Registry struct {
	specs []*BreakpointSpec

	// M maps the address of installed breakpoints to them.
	M map[uint64]*Breakpoint

	loaded  map[uint64]*Module
	exports *ExportCache
	log     logflags.Logger
}

// NewRegistry returns an empty breakpoint registry.
func NewRegistry() *Registry {
	return &Registry{
		M:       make(map[uint64]*Breakpoint),
		loaded:  make(map[uint64]*Module),
		exports: NewExportCache(defaultExportCacheSize),
		log:     logflags.BreakpointsLogger(),
	}
}

// Register adds a breakpoint on module!symbol bound to handler. It can be
// called before the process exists or while it runs; in the latter case the
// spec is resolved the next time a matching module is loaded.
func (r *Registry) Register(module, symbol string, handler HandlerFunc) *BreakpointSpec {
	spec := &BreakpointSpec{Module: module, Symbol: symbol, Handler: handler}
	r.specs = append(r.specs, spec)
	return spec
}

// Specs returns all registered specs.
func (r *Registry) Specs() []*BreakpointSpec {
	return r.specs
}

// Resolved returns the address spec is installed at, if any.
func (r *Registry) Resolved(spec *BreakpointSpec) (uint64, bool) {
	return spec.Addr, spec.Resolved
}

// Failed returns true if spec could not be resolved or installed in the
// current process.
func (r *Registry) Failed(spec *BreakpointSpec) bool {
	return spec.Failed
}

// OnModuleLoaded resolves and installs every pending spec that targets mod.
// Failures are logged and disable the spec for the lifetime of the process;
// they never prevent other specs from being installed. Calling
// OnModuleLoaded again for the same module is a no-op.
//
// An export forwarded to another module is installed in that module,
// immediately if it is already loaded or else when it is.
func (r *Registry) OnModuleLoaded(p Process, mod *Module) {
	r.loaded[mod.Base] = mod
	for _, spec := range r.specs {
		if spec.Resolved || spec.Failed {
			continue
		}
		r.resolve(p, spec, mod)
	}
}

func (r *Registry) resolve(p Process, spec *BreakpointSpec, mod *Module) {
	for i := 0; ; i++ {
		module, symbol := spec.target()
		if !MatchModuleName(module, mod.Name) {
			return
		}
		addr, err := r.exports.Resolve(p, mod, symbol)
		var ferr *ForwardedExportError
		if errors.As(err, &ferr) {
			if i >= maxForwards {
				r.fail(spec, fmt.Errorf("too many forwarders: %w", err), "Could not resolve")
				return
			}
			fwdModule, fwdSymbol, perr := ParseForwarder(ferr.Forwarder)
			if perr != nil {
				r.fail(spec, perr, "Could not resolve")
				return
			}
			spec.implModule, spec.implSymbol = fwdModule, fwdSymbol
			r.log.Debugf("%s forwarded to %s", spec, ferr.Forwarder)
			next, ok := r.findLoaded(fwdModule)
			if !ok {
				return
			}
			mod = next
			continue
		}
		if err != nil {
			r.fail(spec, err, "Could not resolve")
			return
		}
		r.install(p, spec, mod, addr)
		return
	}
}

func (r *Registry) install(p Process, spec *BreakpointSpec, mod *Module, addr uint64) {
	if bp, ok := r.M[addr]; ok {
		bp.Specs = append(bp.Specs, spec)
		spec.Addr, spec.Resolved = addr, true
		return
	}
	if err := p.WriteBreakpoint(addr); err != nil {
		r.fail(spec, err, "Could not break at")
		return
	}
	r.M[addr] = &Breakpoint{Addr: addr, Module: mod, Specs: []*BreakpointSpec{spec}}
	spec.Addr, spec.Resolved = addr, true
	r.log.Debugf("Breakpoint set at %s (%#x)", spec, addr)
}

func (r *Registry) fail(spec *BreakpointSpec, err error, msg string) {
	spec.Failed = true
	r.log.WithError(err).Errorf("%s: %s", msg, spec)
}

func (r *Registry) findLoaded(name string) (*Module, bool) {
	for _, mod := range r.loaded {
		if MatchModuleName(name, mod.Name) {
			return mod, true
		}
	}
	return nil, false
}

// OnModuleUnloaded forgets the breakpoints installed inside mod. Their specs
// become pending again and are reinstalled if the module is loaded again,
// specs that failed stay disabled.
func (r *Registry) OnModuleUnloaded(mod *Module) {
	delete(r.loaded, mod.Base)
	for addr, bp := range r.M {
		if bp.Module == nil || bp.Module.Base != mod.Base {
			continue
		}
		for _, spec := range bp.Specs {
			spec.Addr, spec.Resolved = 0, false
		}
		delete(r.M, addr)
		r.log.Debugf("Breakpoint at %#x dropped, %s unloaded", addr, mod.Name)
	}
}

// Reset forgets every installed breakpoint and loaded module, making all
// specs pending. It must be called before reusing the registry with a new
// process.
func (r *Registry) Reset() {
	r.M = make(map[uint64]*Breakpoint)
	r.loaded = make(map[uint64]*Module)
	for _, spec := range r.specs {
		spec.Addr, spec.Resolved, spec.Failed = 0, false, false
		spec.implModule, spec.implSymbol = "", ""
	}
}

// Dispatch calls the handlers bound to the breakpoint reported by ev.
// Events for addresses without a breakpoint are ignored.
func (r *Registry) Dispatch(p Process, ev *Event) {
	bp, ok := r.M[ev.Addr]
	if !ok {
		r.log.Debugf("Ignoring breakpoint at unknown address %#x", ev.Addr)
		return
	}
	bp.TotalHitCount++
	for _, spec := range bp.Specs {
		if spec.Handler == nil {
			continue
		}
		hit := &Hit{Process: p, Breakpoint: bp, Spec: spec, Event: ev}
		if err := callHandler(spec, hit); err != nil {
			r.log.WithError(err).Errorf("Handler for %s failed", spec)
		}
	}
}

func callHandler(spec *BreakpointSpec, hit *Hit) (err error) {
	defer func() {
		if ierr := recover(); ierr != nil {
			err = fmt.Errorf("handler panicked: %v", ierr)
		}
	}()
	return spec.Handler(hit)
}

// Addresses returns the addresses of all installed breakpoints, sorted.
func (r *Registry) Addresses() []uint64 {
	addrs := make([]uint64, 0, len(r.M))
	for addr := range r.M {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}
