package analyzer_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mgeeky/loffice/pkg/analyzer"
	"github.com/mgeeky/loffice/pkg/logflags"
	"github.com/mgeeky/loffice/pkg/proc"
	protest "github.com/mgeeky/loffice/pkg/proc/test"
)

type fixtureModule struct {
	name    string
	base    uint64
	exports []protest.Export
}

var fixtureModules = []fixtureModule{
	{"KERNEL32.DLL", 0x75000000, []protest.Export{{Name: "CreateFileW", RVA: 0x2010}, {Name: "CreateProcessW", RVA: 0x2020}}},
	{"WININET.dll", 0x76000000, []protest.Export{{Name: "InternetCrackUrlW", RVA: 0x2010}}},
	{"WINHTTP.dll", 0x77000000, []protest.Export{{Name: "WinHttpCrackUrl", RVA: 0x2010}}},
	{"ole32.dll", 0x78000000, []protest.Export{{Name: "ObjectStublessClient20", RVA: 0x2010}}},
}

const (
	createFileW            = 0x75002010
	createProcessW         = 0x75002020
	internetCrackURLW      = 0x76002010
	winHTTPCrackURL        = 0x77002010
	objectStublessClient20 = 0x78002010
)

// fixture is a fake document host with every intercepted module loaded.
type fixture struct {
	t   *testing.T
	p   *protest.FakeProcess
	tgt *proc.Target
	a   *analyzer.Analyzer
	log *bytes.Buffer

	nextTid  int
	nextData uint64
}

func captureLogs(t *testing.T) *bytes.Buffer {
	buf := new(bytes.Buffer)
	logflags.SetLoggerFactory(func(level logrus.Level, fields logflags.Fields, out io.Writer) logflags.Logger {
		return logflags.NewLogger(buf, logrus.InfoLevel, fields)
	})
	t.Cleanup(func() { logflags.SetLoggerFactory(nil) })
	return buf
}

func newFixture(t *testing.T, cfg analyzer.Config) *fixture {
	f := &fixture{
		t:        t,
		log:      captureLogs(t),
		p:        protest.NewFakeProcess(1234),
		nextTid:  1,
		nextData: 0x10000,
	}
	f.a = analyzer.New(cfg)
	f.tgt = proc.NewTarget(f.p, nil)
	f.a.Register(f.tgt.Breakpoints)
	for _, m := range fixtureModules {
		f.p.Map(m.base, protest.BuildImage(m.name, m.exports))
		f.p.Push(&proc.Event{Kind: proc.EventModuleLoad, Module: &proc.Module{Name: m.name, Base: m.base, Size: protest.FixtureImageSize, Path: `C:\Windows\SysWOW64\` + m.name}})
	}
	return f
}

// str maps s as a wide string on its own page and returns its address.
func (f *fixture) str(s string) uint32 {
	addr := f.nextData
	f.p.MapWideString(addr, s)
	f.nextData += 0x1000
	return uint32(addr)
}

// call scripts a call to the function at addr with the given arguments.
func (f *fixture) call(addr uint64, args ...uint32) {
	tid := f.nextTid
	f.nextTid++
	sp := uint64(0x100000 + 0x1000*tid)
	f.p.MapStack(tid, sp, append([]uint32{0x30001234}, args...)...)
	f.p.Push(&proc.Event{Kind: proc.EventBreakpoint, Addr: addr, ThreadID: tid})
}

// run continues the target until it exits or the controller reaches a
// terminal state and returns the number of breakpoints hit.
func (f *fixture) run() int {
	hits := 0
	for {
		ev, err := f.tgt.Continue(context.Background())
		if err != nil {
			f.t.Fatal(err)
		}
		if ev.Kind == proc.EventExited {
			return hits
		}
		hits++
		if f.a.Controller().State().Terminal() {
			return hits
		}
	}
}

func TestInterceptorsInstalled(t *testing.T) {
	f := newFixture(t, analyzer.Config{Policy: analyzer.Unrestricted})
	f.run()
	for _, addr := range []uint64{createFileW, createProcessW, internetCrackURLW, winHTTPCrackURL, objectStublessClient20} {
		if _, ok := f.p.Breakpoints[addr]; !ok {
			t.Fatalf("no breakpoint at %#x", addr)
		}
	}
	if f.log.Len() != 0 {
		t.Fatalf("unexpected output:\n%s", f.log)
	}
}

func TestOpenFileHandle(t *testing.T) {
	f := newFixture(t, analyzer.Config{Policy: analyzer.StopOnURL})
	f.call(createFileW, f.str(`C:\secret.docx`), 0x80000100, 0)
	// other access masks are ignored
	f.call(createFileW, f.str(`C:\Windows\Fonts\arial.ttf`), 0x80000000, 0)
	f.p.Push(&proc.Event{Kind: proc.EventExited})

	if hits := f.run(); hits != 2 {
		t.Fatalf("expected 2 hits, got %d", hits)
	}
	if got, want := f.log.String(), "OPEN FILE HANDLE\n\tC:\\secret.docx\n"; got != want {
		t.Fatalf("expected output %q, got %q", want, got)
	}
	if st := f.a.Controller().State(); st != analyzer.Running {
		t.Fatalf("opening a file must not terminate the session, state %v", st)
	}
	if files := f.a.Findings().Files; len(files) != 1 || files[0] != `C:\secret.docx` {
		t.Fatalf("unexpected files %q", files)
	}
}

func TestFoundURLStopOnURL(t *testing.T) {
	f := newFixture(t, analyzer.Config{Policy: analyzer.StopOnURL})
	f.call(winHTTPCrackURL, f.str("http://evil.example/stage2.exe"), 0, 0, 0)
	f.call(internetCrackURLW, f.str("http://evil.example/never"), 0, 0, 0)

	if hits := f.run(); hits != 1 {
		t.Fatalf("expected the session to stop on the first URL, got %d hits", hits)
	}
	if !strings.Contains(f.log.String(), "FOUND URL:\n\thttp://evil.example/stage2.exe\n") {
		t.Fatalf("URL not logged:\n%s", f.log)
	}
	c := f.a.Controller()
	if c.State() != analyzer.TerminatedByPolicy {
		t.Fatalf("expected %v, got %v", analyzer.TerminatedByPolicy, c.State())
	}
	if c.Reason() != "Exiting on first URL, bye!" {
		t.Fatalf("unexpected reason %q", c.Reason())
	}
}

func TestFoundURLStopOnProcessCreate(t *testing.T) {
	f := newFixture(t, analyzer.Config{Policy: analyzer.StopOnProcessCreate})
	f.call(internetCrackURLW, f.str("http://evil.example/a"), 0, 0, 0)
	f.call(winHTTPCrackURL, f.str("http://evil.example/b"), 0, 0, 0)
	f.call(createProcessW, f.str(`C:\Windows\splwow64.exe`), f.str("splwow64.exe 8192"))
	f.call(createProcessW, 0, f.str(`cmd.exe /c C:\Users\Public\a.exe`))
	f.call(internetCrackURLW, f.str("http://evil.example/never"), 0, 0, 0)

	if hits := f.run(); hits != 4 {
		t.Fatalf("expected 4 hits, got %d", hits)
	}
	fnd := f.a.Findings()
	if len(fnd.URLs) != 2 || fnd.URLs[1] != "http://evil.example/b" {
		t.Fatalf("unexpected URLs %q", fnd.URLs)
	}
	if len(fnd.Processes) != 2 || fnd.Processes[1].App != "" || fnd.Processes[1].CmdLine != `cmd.exe /c C:\Users\Public\a.exe` {
		t.Fatalf("unexpected processes %#v", fnd.Processes)
	}
	if f.a.Controller().State() != analyzer.TerminatedByPolicy {
		t.Fatalf("expected termination on process creation, got %v", f.a.Controller().State())
	}
	if !strings.Contains(f.log.String(), "CREATE PROCESS\n\tApp: \"\"\n\tCmd-line: \"cmd.exe /c C:\\\\Users\\\\Public\\\\a.exe\"\n") {
		t.Fatalf("process creation not logged:\n%s", f.log)
	}
}

func TestProcessCreateBeforeURL(t *testing.T) {
	f := newFixture(t, analyzer.Config{Policy: analyzer.StopOnURL})
	f.call(createProcessW, f.str(`C:\Windows\splwow64.exe`), 0)
	f.call(createProcessW, f.str(`C:\Windows\System32\WindowsPowerShell\v1.0\powershell.exe`), f.str("powershell -enc AAAA"))
	f.call(internetCrackURLW, f.str("http://evil.example/never"), 0, 0, 0)

	if hits := f.run(); hits != 2 {
		t.Fatalf("expected 2 hits, got %d", hits)
	}
	c := f.a.Controller()
	if c.State() != analyzer.TerminatedByPolicy || c.Reason() != "Process created before URL was found, exiting for safety" {
		t.Fatalf("unexpected state %v %q", c.State(), c.Reason())
	}
	if len(f.a.Findings().URLs) != 0 {
		t.Fatal("no URL should have been observed")
	}
}

func TestProcessCreateCommandLineImage(t *testing.T) {
	tests := []struct {
		cmdline string
		want    analyzer.State
	}{
		{"cmd.exe /c calc.exe & rem splwow64", analyzer.TerminatedByPolicy},
		{`cmd.exe /c "C:\Windows\splwow64.exe"`, analyzer.TerminatedByPolicy},
		{`"C:\Users\Public\splwow64 .exe" 8192`, analyzer.TerminatedByPolicy},
		{`"C:\Windows\splwow64.exe 8192`, analyzer.TerminatedByPolicy},
		{"", analyzer.TerminatedByPolicy},
		{`"C:\Windows\splwow64.exe" 8192`, analyzer.Running},
		{`  C:\Windows\SPLWOW64.EXE 8192`, analyzer.Running},
	}
	for _, policy := range []analyzer.ExitPolicy{analyzer.StopOnURL, analyzer.StopOnProcessCreate} {
		for _, tc := range tests {
			f := newFixture(t, analyzer.Config{Policy: policy})
			f.call(createProcessW, 0, f.str(tc.cmdline), 0)
			f.p.Push(&proc.Event{Kind: proc.EventExited})
			f.run()
			if st := f.a.Controller().State(); st != tc.want {
				t.Fatalf("%v %q: expected %v, got %v", policy, tc.cmdline, tc.want, st)
			}
		}
	}
}

func TestWMIQueryPatched(t *testing.T) {
	tests := []struct {
		query string
		decoy string
	}{
		{"SELECT * FROM Win32_Process WHERE Name='vboxservice.exe'", analyzer.FilteredDecoy},
		{"SELECT Name FROM Win32_Product", analyzer.UnfilteredDecoy},
	}
	for _, tc := range tests {
		f := newFixture(t, analyzer.Config{Policy: analyzer.StopOnURL})
		query := f.str(tc.query)
		f.call(objectStublessClient20, 0x2000000, f.str("WQL"), query, 0, 0)
		f.p.Push(&proc.Event{Kind: proc.EventExited})
		f.run()

		want := proc.EncodeWideString(tc.decoy)
		if got := f.p.Bytes(uint64(query), len(want)); !bytes.Equal(got, want) {
			t.Fatalf("%q: expected %x, got %x", tc.query, want, got)
		}
		q := f.a.Findings().Queries
		if len(q) != 1 || !q[0].Patched || q[0].Decoy != tc.decoy || q[0].Language != "WQL" {
			t.Fatalf("%q: unexpected findings %#v", tc.query, q)
		}
		wantLog := "DETECTED WMI QUERY\n\tLanguage: WQL\n\tQuery: " + tc.query + "\n\tPatched with: " + tc.decoy + "\n"
		if f.log.String() != wantLog {
			t.Fatalf("%q: expected output %q, got %q", tc.query, wantLog, f.log.String())
		}
	}
}

func TestWMIQueryNotMonitored(t *testing.T) {
	f := newFixture(t, analyzer.Config{Policy: analyzer.StopOnURL})
	query := "SELECT * FROM Win32_ComputerSystem"
	addr := f.str(query)
	f.call(objectStublessClient20, 0x2000000, f.str("WQL"), addr)
	f.p.Push(&proc.Event{Kind: proc.EventExited})
	f.run()

	if got, _ := proc.ReadWideString(f.p, uint64(addr)); got != query {
		t.Fatalf("query should be left untouched, read %q", got)
	}
	if strings.Contains(f.log.String(), "Patched with") {
		t.Fatalf("unexpected patch:\n%s", f.log)
	}
}

func TestWMIQueryTooShort(t *testing.T) {
	f := newFixture(t, analyzer.Config{Policy: analyzer.StopOnURL})
	// filtered, shorter than the filtered decoy
	addr := f.str("SELECT * FROM Win32_Process WHERE A=1")
	f.call(objectStublessClient20, 0x2000000, f.str("WQL"), addr)
	f.p.Push(&proc.Event{Kind: proc.EventExited})
	f.run()

	q := f.a.Findings().Queries
	if len(q) != 1 || q[0].Patched {
		t.Fatalf("unexpected findings %#v", q)
	}
	want := "[WARNING] WMI query not patched, the decoy is longer than the query (see --allow-overflow): SELECT * FROM Win32_Process WHERE A=1\n"
	if !strings.Contains(f.log.String(), want) {
		t.Fatalf("refused patch not reported:\n%s", f.log)
	}
	if strings.Contains(f.log.String(), "[ERROR]") {
		t.Fatalf("refused patch reported as a handler failure:\n%s", f.log)
	}
}

func TestHandlerAccessError(t *testing.T) {
	f := newFixture(t, analyzer.Config{Policy: analyzer.StopOnURL})
	// dangling URL pointer, the session continues
	f.call(internetCrackURLW, 0xdead0000, 0, 0, 0)
	f.call(createFileW, f.str(`C:\Users\Public\payload.dll`), 0x80000100, 0)
	f.p.Push(&proc.Event{Kind: proc.EventExited})

	if hits := f.run(); hits != 2 {
		t.Fatalf("expected 2 hits, got %d", hits)
	}
	if !strings.Contains(f.log.String(), "[ERROR] Handler for wininet!InternetCrackUrlW failed: reading URL: ") {
		t.Fatalf("access error not reported:\n%s", f.log)
	}
	if f.a.Controller().State() != analyzer.Running {
		t.Fatalf("unexpected state %v", f.a.Controller().State())
	}
	if len(f.a.Findings().Files) != 1 {
		t.Fatal("handlers after the failure should still run")
	}
}
