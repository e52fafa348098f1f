package test

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/mgeeky/loffice/pkg/proc"
)

// ErrUnmapped is returned by FakeProcess for accesses outside of its
// mapped regions.
var ErrUnmapped = errors.New("unmapped memory")

const pageSize = 0x1000

type page struct {
	data     [pageSize]byte
	readOnly bool
}

// FakeProcess is a proc.Process backed by a scripted list of events and a
// sparse memory map.
type FakeProcess struct {
	PID int

	pages   map[uint64]*page
	threads map[int]uint64

	events []*proc.Event
	// BlockWhenIdle makes Resume block until its context is cancelled once
	// the scripted events are exhausted, like a target that keeps running.
	// Otherwise an EventExited is reported.
	BlockWhenIdle bool
	// OnResume, if set, is called before every scripted event is returned.
	OnResume func(ev *proc.Event)

	// Breakpoints maps installed breakpoint addresses to the original byte.
	Breakpoints map[uint64]byte
	// BreakpointWrites counts WriteBreakpoint calls per address.
	BreakpointWrites map[uint64]int
	// FailBreakpoints makes WriteBreakpoint fail for these addresses.
	FailBreakpoints map[uint64]bool

	Killed   bool
	Detached bool
	exited   bool
	// Resumes counts calls to Resume.
	Resumes int
}

// NewFakeProcess returns an empty FakeProcess.
func NewFakeProcess(pid int) *FakeProcess {
	return &FakeProcess{
		PID:              pid,
		pages:            make(map[uint64]*page),
		threads:          make(map[int]uint64),
		Breakpoints:      make(map[uint64]byte),
		BreakpointWrites: make(map[uint64]int),
		FailBreakpoints:  make(map[uint64]bool),
	}
}

// Map maps a copy of data at addr. Memory is mapped one zero filled page
// at a time, like the memory of a real process.
func (p *FakeProcess) Map(addr uint64, data []byte) {
	p.mapPages(addr, data, false)
}

// MapReadOnly maps a copy of data at addr, writes to the pages holding it
// fail.
func (p *FakeProcess) MapReadOnly(addr uint64, data []byte) {
	p.mapPages(addr, data, true)
}

func (p *FakeProcess) mapPages(addr uint64, data []byte, readOnly bool) {
	for i := 0; i < len(data); {
		cur := addr + uint64(i)
		pg := p.pages[cur&^(pageSize-1)]
		if pg == nil {
			pg = new(page)
			p.pages[cur&^(pageSize-1)] = pg
		}
		pg.readOnly = pg.readOnly || readOnly
		i += copy(pg.data[cur%pageSize:], data[i:])
	}
}

// access calls fn for every page spanned by [addr, addr+n), with the
// offset into the page and into the buffer.
func (p *FakeProcess) access(addr uint64, n int, write bool, fn func(pg *page, pgoff uint64, bufoff int) int) error {
	for i := 0; i < n; {
		cur := addr + uint64(i)
		pg := p.pages[cur&^(pageSize-1)]
		if pg == nil {
			return ErrUnmapped
		}
		if write && pg.readOnly {
			return fmt.Errorf("write to read-only memory at %#x", cur)
		}
		i += fn(pg, cur%pageSize, i)
	}
	return nil
}

// MapWideString maps s as a null terminated UTF-16LE string at addr.
func (p *FakeProcess) MapWideString(addr uint64, s string) {
	p.Map(addr, proc.EncodeWideString(s))
}

// MapStack maps a stack at sp holding the given words and makes it the
// stack of thread tid.
func (p *FakeProcess) MapStack(tid int, sp uint64, words ...uint32) {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	p.Map(sp, buf)
	p.threads[tid] = sp
}

// Push appends events to the script.
func (p *FakeProcess) Push(evs ...*proc.Event) {
	p.events = append(p.events, evs...)
}

// Bytes returns n bytes of memory at addr, panicking if they are not
// mapped.
func (p *FakeProcess) Bytes(addr uint64, n int) []byte {
	buf := make([]byte, n)
	err := p.access(addr, n, false, func(pg *page, pgoff uint64, bufoff int) int {
		return copy(buf[bufoff:], pg.data[pgoff:])
	})
	if err != nil {
		panic(fmt.Sprintf("%#x+%d: %v", addr, n, err))
	}
	return buf
}

func (p *FakeProcess) Pid() int { return p.PID }

func (p *FakeProcess) Exited() bool { return p.exited }

func (p *FakeProcess) ReadMemory(buf []byte, addr uint64) (int, error) {
	if p.exited {
		return 0, proc.ErrProcessExited{Pid: p.PID}
	}
	err := p.access(addr, len(buf), false, func(pg *page, pgoff uint64, bufoff int) int {
		return copy(buf[bufoff:], pg.data[pgoff:])
	})
	if err != nil {
		return 0, err
	}
	return len(buf), nil
}

func (p *FakeProcess) WriteMemory(addr uint64, data []byte) (int, error) {
	if p.exited {
		return 0, proc.ErrProcessExited{Pid: p.PID}
	}
	// check the whole range first, a failed write leaves memory untouched
	if err := p.access(addr, len(data), true, func(_ *page, pgoff uint64, _ int) int {
		return int(pageSize - pgoff)
	}); err != nil {
		return 0, err
	}
	p.access(addr, len(data), true, func(pg *page, pgoff uint64, bufoff int) int {
		return copy(pg.data[pgoff:], data[bufoff:])
	})
	return len(data), nil
}

func (p *FakeProcess) StackPointer(threadID int) (uint64, error) {
	sp, ok := p.threads[threadID]
	if !ok {
		return 0, fmt.Errorf("unknown thread %d", threadID)
	}
	return sp, nil
}

func (p *FakeProcess) WriteBreakpoint(addr uint64) error {
	p.BreakpointWrites[addr]++
	if p.FailBreakpoints[addr] {
		return fmt.Errorf("could not write breakpoint at %#x", addr)
	}
	if _, ok := p.Breakpoints[addr]; ok {
		return nil
	}
	pg := p.pages[addr&^(pageSize-1)]
	if pg == nil {
		return ErrUnmapped
	}
	p.Breakpoints[addr] = pg.data[addr%pageSize]
	pg.data[addr%pageSize] = 0xcc
	return nil
}

func (p *FakeProcess) EraseBreakpoint(addr uint64) error {
	orig, ok := p.Breakpoints[addr]
	if !ok {
		return fmt.Errorf("no breakpoint at %#x", addr)
	}
	if pg := p.pages[addr&^(pageSize-1)]; pg != nil {
		pg.data[addr%pageSize] = orig
	}
	delete(p.Breakpoints, addr)
	return nil
}

// Resume returns the next scripted event. Breakpoint events for addresses
// without an installed breakpoint are skipped, the real backend passes them
// to the target.
func (p *FakeProcess) Resume(ctx context.Context) (*proc.Event, error) {
	p.Resumes++
	if p.exited {
		return nil, proc.ErrProcessExited{Pid: p.PID}
	}
	for len(p.events) > 0 {
		ev := p.events[0]
		p.events = p.events[1:]
		if ev.Kind == proc.EventBreakpoint {
			if _, ok := p.Breakpoints[ev.Addr]; !ok {
				continue
			}
		}
		if p.OnResume != nil {
			p.OnResume(ev)
		}
		if ev.Kind == proc.EventExited {
			p.exited = true
		}
		return ev, nil
	}
	if p.BlockWhenIdle {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	p.exited = true
	return &proc.Event{Kind: proc.EventExited}, nil
}

func (p *FakeProcess) Detach(kill bool) error {
	if kill && !p.exited {
		p.Killed = true
	}
	p.Detached = true
	p.exited = true
	return nil
}
