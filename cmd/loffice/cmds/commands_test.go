package cmds

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/mgeeky/loffice/pkg/analyzer"
	"github.com/mgeeky/loffice/pkg/config"
	"github.com/mgeeky/loffice/pkg/office"
	"github.com/spf13/cobra"
)

// newTestCommand returns a command tree using a configuration file in a
// temporary home directory.
func newTestCommand(t *testing.T) *cobra.Command {
	t.Helper()
	home := t.TempDir()
	if runtime.GOOS == "windows" {
		t.Setenv("USERPROFILE", home)
	} else {
		t.Setenv("HOME", home)
	}
	return New()
}

func TestCommandTree(t *testing.T) {
	root := newTestCommand(t)
	for _, name := range []string{"version", "config"} {
		c, _, err := root.Find([]string{name})
		if err != nil || c.Name() != name {
			t.Fatalf("subcommand %q not found: %v", name, err)
		}
	}
	for _, flag := range []string{"verbose", "path", "log-dest", "host", "allow-overflow", "wd"} {
		if root.Flags().Lookup(flag) == nil {
			t.Fatalf("flag --%s not defined", flag)
		}
	}
	if f := root.Flags().ShorthandLookup("p"); f == nil || f.DefValue != office.DefaultPath {
		t.Fatalf("unexpected -p flag %v", f)
	}
}

func TestHelpOnMissingArgs(t *testing.T) {
	root := newTestCommand(t)
	root.SetArgs([]string{"word", "url"})
	root.SetOut(io.Discard)
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
}

func TestApplyConfig(t *testing.T) {
	root := newTestCommand(t)
	if err := root.Flags().Parse([]string{"--log-dest", "out.log"}); err != nil {
		t.Fatal(err)
	}
	applyConfig(root.Flags(), &config.Config{
		OfficePath:    `D:\Office16`,
		LogDest:       "config.log",
		AllowOverflow: true,
	})
	if officePath != `D:\Office16` {
		t.Fatalf("office path not taken from config: %q", officePath)
	}
	if logDest != "out.log" {
		t.Fatalf("command line log destination overridden: %q", logDest)
	}
	if !allowOverflow {
		t.Fatal("allow-overflow not taken from config")
	}
}

func TestSessionConfig(t *testing.T) {
	newTestCommand(t)
	dir := t.TempDir()
	doc := filepath.Join(dir, "invoice.xlsm")
	if err := os.WriteFile(doc, nil, 0600); err != nil {
		t.Fatal(err)
	}
	officePath = dir
	conf = &config.Config{MonitoredClasses: []string{"Win32_Service"}}

	cfg, err := sessionConfig([]string{"auto", "proc", doc})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Command) != 2 || cfg.Command[0] != filepath.Join(dir, "EXCEL.EXE") || cfg.Command[1] != doc {
		t.Fatalf("unexpected command line %q", cfg.Command)
	}
	if cfg.Analyzer.Policy != analyzer.StopOnProcessCreate {
		t.Fatalf("unexpected policy %v", cfg.Analyzer.Policy)
	}
	if n := len(cfg.Analyzer.Classes); n != len(analyzer.DefaultMonitoredClasses)+1 {
		t.Fatalf("unexpected monitored classes %q", cfg.Analyzer.Classes)
	}

	for _, args := range [][]string{
		{"pdf", "url", doc},
		{"auto", "never", doc},
		{"auto", "url", filepath.Join(dir, "missing.docx")},
	} {
		_, err := sessionConfig(args)
		var cerr *office.ConfigurationError
		if !errors.As(err, &cerr) {
			t.Fatalf("%q: expected a ConfigurationError, got %v", args, err)
		}
	}
}
