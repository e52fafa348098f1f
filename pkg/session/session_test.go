package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/mgeeky/loffice/pkg/analyzer"
	"github.com/mgeeky/loffice/pkg/proc"
	protest "github.com/mgeeky/loffice/pkg/proc/test"
	"github.com/mgeeky/loffice/pkg/session"
)

const (
	kernel32Base = 0x75000000
	wininetBase  = 0x76000000

	createProcessW    = kernel32Base + 0x2020
	internetCrackURLW = wininetBase + 0x2010
)

// newHost returns a fake document host that loads kernel32 and wininet.
func newHost() *protest.FakeProcess {
	p := protest.NewFakeProcess(4242)
	p.Map(kernel32Base, protest.BuildImage("KERNEL32.dll", []protest.Export{{Name: "CreateFileW", RVA: 0x2010}, {Name: "CreateProcessW", RVA: 0x2020}}))
	p.Map(wininetBase, protest.BuildImage("WININET.dll", []protest.Export{{Name: "InternetCrackUrlW", RVA: 0x2010}}))
	p.Push(
		&proc.Event{Kind: proc.EventModuleLoad, Module: &proc.Module{Name: "WINWORD.EXE", Base: 0x400000}},
		&proc.Event{Kind: proc.EventModuleLoad, Module: &proc.Module{Name: "KERNEL32.dll", Base: kernel32Base, Size: protest.FixtureImageSize}},
		&proc.Event{Kind: proc.EventModuleLoad, Module: &proc.Module{Name: "WININET.dll", Base: wininetBase, Size: protest.FixtureImageSize}},
	)
	return p
}

func call(p *protest.FakeProcess, tid int, addr uint64, args ...uint32) {
	p.MapStack(tid, uint64(0x200000+0x1000*tid), append([]uint32{0x30001234}, args...)...)
	p.Push(&proc.Event{Kind: proc.EventBreakpoint, Addr: addr, ThreadID: tid})
}

func wstr(p *protest.FakeProcess, addr uint64, s string) uint32 {
	p.MapWideString(addr, s)
	return uint32(addr)
}

func TestRunStopOnURL(t *testing.T) {
	p := newHost()
	call(p, 1, internetCrackURLW, wstr(p, 0x10000, "http://evil.example/payload"), 0, 0, 0)
	call(p, 2, createProcessW, wstr(p, 0x11000, `C:\Windows\System32\cmd.exe`), 0)

	s := session.New(p, session.Config{Analyzer: analyzer.Config{Policy: analyzer.StopOnURL}})
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != analyzer.TerminatedByPolicy {
		t.Fatalf("expected %v, got %v", analyzer.TerminatedByPolicy, s.State())
	}
	if !p.Killed {
		t.Fatal("target not killed")
	}
	if len(s.Findings().Processes) != 0 {
		t.Fatal("target resumed after the URL was found")
	}
	if urls := s.Findings().URLs; len(urls) != 1 || urls[0] != "http://evil.example/payload" {
		t.Fatalf("unexpected URLs %q", urls)
	}
}

func TestRunStopOnProcessCreate(t *testing.T) {
	p := newHost()
	call(p, 1, internetCrackURLW, wstr(p, 0x10000, "http://evil.example/payload"), 0, 0, 0)
	call(p, 2, createProcessW, wstr(p, 0x11000, `C:\Windows\splwow64.exe`), 0)
	call(p, 3, createProcessW, 0, wstr(p, 0x12000, `powershell -w hidden -enc AAAA`))
	call(p, 4, internetCrackURLW, wstr(p, 0x13000, "http://evil.example/never"), 0, 0, 0)

	s := session.New(p, session.Config{Analyzer: analyzer.Config{Policy: analyzer.StopOnProcessCreate}})
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != analyzer.TerminatedByPolicy || !p.Killed {
		t.Fatalf("expected the target to be killed by policy, state %v killed %v", s.State(), p.Killed)
	}
	if n := len(s.Findings().Processes); n != 2 {
		t.Fatalf("expected 2 process creations, got %d", n)
	}
	if n := len(s.Findings().URLs); n != 1 {
		t.Fatalf("expected 1 URL, got %d", n)
	}
}

func TestRunUnrestrictedUntilExit(t *testing.T) {
	p := newHost()
	call(p, 1, internetCrackURLW, wstr(p, 0x10000, "http://evil.example/a"), 0, 0, 0)
	call(p, 2, createProcessW, wstr(p, 0x11000, `C:\Windows\System32\cmd.exe`), 0)
	p.Push(&proc.Event{Kind: proc.EventExited, ExitCode: 0})

	s := session.New(p, session.Config{Analyzer: analyzer.Config{Policy: analyzer.Unrestricted}})
	if err := s.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != analyzer.TerminatedVoluntarily {
		t.Fatalf("expected %v, got %v", analyzer.TerminatedVoluntarily, s.State())
	}
	if p.Killed {
		t.Fatal("an exited target can not be killed")
	}
	if !p.Detached {
		t.Fatal("target not released")
	}
}

func TestRunInterrupt(t *testing.T) {
	for _, policy := range []analyzer.ExitPolicy{analyzer.StopOnURL, analyzer.StopOnProcessCreate, analyzer.Unrestricted} {
		p := newHost()
		p.BlockWhenIdle = true

		s := session.New(p, session.Config{Analyzer: analyzer.Config{Policy: policy}})
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		if err := s.Run(ctx); err != nil {
			t.Fatalf("%v: %v", policy, err)
		}
		cancel()
		if s.State() != analyzer.TerminatedVoluntarily {
			t.Fatalf("%v: expected %v, got %v", policy, analyzer.TerminatedVoluntarily, s.State())
		}
		if !p.Killed {
			t.Fatalf("%v: target not killed", policy)
		}
	}
}

func TestRunKillsOnPanic(t *testing.T) {
	p := newHost()
	p.OnResume = func(ev *proc.Event) {
		if ev.Kind == proc.EventModuleLoad && ev.Module.Name == "WININET.dll" {
			panic("backend failure")
		}
	}
	s := session.New(p, session.Config{Analyzer: analyzer.Config{Policy: analyzer.Unrestricted}})

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected Run to panic")
			}
		}()
		s.Run(context.Background())
	}()
	if !p.Killed {
		t.Fatal("target not killed after a panic")
	}
}

func TestCloseIdempotent(t *testing.T) {
	p := newHost()
	s := session.New(p, session.Config{Analyzer: analyzer.Config{Policy: analyzer.StopOnURL}})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if !p.Killed {
		t.Fatal("target not killed")
	}
}
