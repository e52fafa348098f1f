// Package analyzer implements the analysis performed on a document host:
// interceptors decoding the arguments of a few API calls, the exit policy
// deciding when the host is terminated and the WMI query decoys.
package analyzer

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/mgeeky/loffice/pkg/logflags"
	"github.com/mgeeky/loffice/pkg/proc"
)

// openForReadAccess is the desired access CreateFileW receives when a
// document opens one of its own dropped files for reading:
// GENERIC_READ|FILE_WRITE_ATTRIBUTES.
const openForReadAccess = 0x80000100

// Config configures an Analyzer.
type Config struct {
	Policy ExitPolicy
	// AllowOverflow lets a decoy longer than the query it replaces be
	// written past the end of the query buffer.
	AllowOverflow bool
	// Classes are the WMI classes whose queries are replaced with a decoy.
	// DefaultMonitoredClasses are used if empty.
	Classes []string
}

// ProcessCreation is a process creation observed in the target.
type ProcessCreation struct {
	App     string
	CmdLine string
}

// WMIQuery is a WMI query observed in the target.
type WMIQuery struct {
	Language string
	Query    string
	// Decoy is the replacement for a query on a monitored class.
	Decoy string
	// Patched is true if Decoy was written into the target.
	Patched bool
}

// Findings collects what the interceptors observed during a session.
type Findings struct {
	URLs      []string
	Files     []string
	Processes []ProcessCreation
	Queries   []WMIQuery
}

// Analyzer implements the call-site interceptors. Its handlers run on the
// goroutine driving the target, while the target is stopped.
type Analyzer struct {
	cfg      Config
	ctrl     *Controller
	findings Findings
	log      logflags.Logger
}

// New returns an Analyzer with a fresh Controller for cfg.Policy.
func New(cfg Config) *Analyzer {
	if len(cfg.Classes) == 0 {
		cfg.Classes = DefaultMonitoredClasses
	}
	return &Analyzer{
		cfg:  cfg,
		ctrl: NewController(cfg.Policy),
		log:  logflags.HooksLogger(),
	}
}

// Controller returns the exit policy controller fed by the interceptors.
func (a *Analyzer) Controller() *Controller {
	return a.ctrl
}

// Findings returns everything observed so far.
func (a *Analyzer) Findings() *Findings {
	return &a.findings
}

type interceptor struct {
	module  string
	symbol  string
	handler func(a *Analyzer, hit *proc.Hit) error
}

var interceptors = []interceptor{
	{"wininet", "InternetCrackUrlW", (*Analyzer).onCrackURL},
	{"winhttp", "WinHttpCrackUrl", (*Analyzer).onCrackURL},
	{"kernel32", "CreateFileW", (*Analyzer).onCreateFile},
	{"kernel32", "CreateProcessW", (*Analyzer).onCreateProcess},
	{"ole32", "ObjectStublessClient20", (*Analyzer).onWMIQuery},
}

// Register adds a breakpoint for every interceptor to reg.
func (a *Analyzer) Register(reg *proc.Registry) {
	for _, icpt := range interceptors {
		handler := icpt.handler
		reg.Register(icpt.module, icpt.symbol, func(hit *proc.Hit) error {
			return handler(a, hit)
		})
	}
}

// readOptionalWideString reads the string at addr, a NULL pointer reads as
// the empty string.
func readOptionalWideString(mem proc.MemoryReader, addr uint32) (string, error) {
	if addr == 0 {
		return "", nil
	}
	return proc.ReadWideString(mem, uint64(addr))
}

// BOOL InternetCrackUrlW(LPCWSTR lpszUrl, ...)
// BOOL WinHttpCrackUrl(LPCWSTR pwszUrl, ...)
func (a *Analyzer) onCrackURL(hit *proc.Hit) error {
	args, err := hit.StackWords(2)
	if err != nil {
		return err
	}
	url, err := proc.ReadWideString(hit.Process, uint64(args[1]))
	if err != nil {
		return fmt.Errorf("reading URL: %w", err)
	}
	a.log.Infof("FOUND URL:\n\t%s", url)
	a.findings.URLs = append(a.findings.URLs, url)
	a.ctrl.ObserveURL(url)
	return nil
}

// HANDLE CreateFileW(LPCWSTR lpFileName, DWORD dwDesiredAccess, ...)
func (a *Analyzer) onCreateFile(hit *proc.Hit) error {
	args, err := hit.StackWords(3)
	if err != nil {
		return err
	}
	if args[2] != openForReadAccess {
		return nil
	}
	name, err := proc.ReadWideString(hit.Process, uint64(args[1]))
	if err != nil {
		return fmt.Errorf("reading file name: %w", err)
	}
	a.log.Infof("OPEN FILE HANDLE\n\t%s", name)
	a.findings.Files = append(a.findings.Files, name)
	return nil
}

// BOOL CreateProcessW(LPCWSTR lpApplicationName, LPWSTR lpCommandLine, ...)
func (a *Analyzer) onCreateProcess(hit *proc.Hit) error {
	args, err := hit.StackWords(3)
	if err != nil {
		return err
	}
	app, err := readOptionalWideString(hit.Process, args[1])
	if err != nil {
		return fmt.Errorf("reading application name: %w", err)
	}
	cmdline, err := readOptionalWideString(hit.Process, args[2])
	if err != nil {
		return fmt.Errorf("reading command line: %w", err)
	}
	a.log.Infof("CREATE PROCESS\n\tApp: %q\n\tCmd-line: %q", app, cmdline)
	a.findings.Processes = append(a.findings.Processes, ProcessCreation{App: app, CmdLine: cmdline})

	image := app
	if image == "" {
		image = commandLineImage(cmdline)
	}
	a.ctrl.ObserveProcessCreate(image)
	return nil
}

// commandLineImage returns the executable CreateProcessW runs when
// lpApplicationName is NULL: the first token of the command line, either
// quoted or ending at the first white space. An empty command line or an
// unterminated quote yields "".
func commandLineImage(cmdline string) string {
	s := strings.TrimLeft(cmdline, " \t")
	if strings.HasPrefix(s, `"`) {
		end := strings.IndexByte(s[1:], '"')
		if end < 0 {
			return ""
		}
		return s[1 : 1+end]
	}
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}

// IWbemServices::ExecQuery reaches ObjectStublessClient20 through the
// proxy vtable: (this, BSTR strQueryLanguage, BSTR strQuery, ...).
func (a *Analyzer) onWMIQuery(hit *proc.Hit) error {
	args, err := hit.StackWords(4)
	if err != nil {
		return err
	}
	lang, err := proc.ReadWideString(hit.Process, uint64(args[2]))
	if err != nil {
		return fmt.Errorf("reading query language: %w", err)
	}
	queryAddr := uint64(args[3])
	units, err := proc.ReadWideUnits(hit.Process, queryAddr)
	if err != nil {
		return fmt.Errorf("reading query: %w", err)
	}
	query := string(utf16.Decode(units))
	a.log.Infof("DETECTED WMI QUERY\n\tLanguage: %s\n\tQuery: %s", lang, query)

	q := WMIQuery{Language: lang, Query: query}
	defer func() {
		a.findings.Queries = append(a.findings.Queries, q)
	}()

	decoy, ok := DecoyFor(query, a.cfg.Classes)
	if !ok {
		return nil
	}
	q.Decoy = decoy
	if err := PatchQuery(hit.Process, queryAddr, len(units), decoy, a.cfg.AllowOverflow); err != nil {
		if errors.Is(err, ErrDecoyTooLong) {
			a.log.Warnf("WMI query not patched, the decoy is longer than the query (see --allow-overflow): %s", query)
			return nil
		}
		return fmt.Errorf("patching WMI query: %w", err)
	}
	q.Patched = true
	patched, err := proc.ReadWideString(hit.Process, queryAddr)
	if err != nil {
		return fmt.Errorf("reading patched query: %w", err)
	}
	a.log.Infof("\tPatched with: %s", patched)
	return nil
}
