// Package office works out the command line that opens a document in the
// application hosting it.
package office

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cosiner/argv"
)

// DefaultPath is the default Office installation directory.
const DefaultPath = `C:\Program Files\Microsoft Office\Office15`

// Type is the kind of document being analyzed.
type Type string

const (
	Auto   Type = "auto"
	Word   Type = "word"
	Excel  Type = "excel"
	Power  Type = "power"
	Script Type = "script"
)

var executables = map[Type]string{
	Word:  "WINWORD.EXE",
	Excel: "EXCEL.EXE",
	Power: "POWERPNT.EXE",
}

var extensions = map[string]Type{
	".doc":  Word,
	".docx": Word,
	".docm": Word,
	".xls":  Excel,
	".xlsx": Excel,
	".xlsm": Excel,
	".ppt":  Power,
	".pptx": Power,
	".pptm": Power,
	".js":   Script,
	".vbs":  Script,
}

// ConfigurationError is returned when the analysis can not start because
// of an invalid argument or a missing file.
type ConfigurationError struct {
	What  string
	Value string
	Err   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.What, e.Value, e.Err)
}

// ParseType parses a <type> argument.
func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case Auto, Word, Excel, Power, Script:
		return t, nil
	}
	return "", &ConfigurationError{What: "<type>", Value: s, Err: "not recognized"}
}

// DetectType returns the type of document from the extension of its
// file name.
func DetectType(filename string) (Type, error) {
	if t, ok := extensions[strings.ToLower(filepath.Ext(filename))]; ok {
		return t, nil
	}
	return "", &ConfigurationError{What: "file", Value: filename, Err: "unrecognized file type"}
}

// Options describes how the host application is found.
type Options struct {
	Type     Type
	Document string

	// OfficePath is the directory holding the Office executables.
	OfficePath string
	// Host is an explicit host command line. The document is appended to it.
	Host string
	// Hosts maps a type to the executable hosting it, overriding OfficePath.
	Hosts map[string]string
	// WinDir is the Windows directory, if empty the WINDIR environment
	// variable is used.
	WinDir string
}

// Command returns the command line opening opts.Document in its host.
func Command(opts Options) ([]string, error) {
	fi, err := os.Stat(opts.Document)
	if err != nil || fi.IsDir() {
		return nil, &ConfigurationError{What: "file to analyse", Value: opts.Document, Err: "does not exist"}
	}

	if opts.Host != "" {
		host, err := splitHost(opts.Host)
		if err != nil {
			return nil, err
		}
		return append(host, opts.Document), nil
	}

	typ := opts.Type
	if typ == Auto {
		typ, err = DetectType(opts.Document)
		if err != nil {
			return nil, err
		}
	}

	if exe := opts.Hosts[string(typ)]; exe != "" {
		return []string{exe, opts.Document}, nil
	}

	if typ == Script {
		return []string{scriptHost(opts.WinDir), opts.Document}, nil
	}

	exe, ok := executables[typ]
	if !ok {
		return nil, &ConfigurationError{What: "<type>", Value: string(typ), Err: "not recognized"}
	}
	path := opts.OfficePath
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); err != nil {
		return nil, &ConfigurationError{What: "Office path", Value: path, Err: "does not exist"}
	}
	return []string{filepath.Join(path, exe), opts.Document}, nil
}

func splitHost(host string) ([]string, error) {
	v, err := argv.Argv(host,
		func(s string) (string, error) {
			return "", fmt.Errorf("backtick not supported in '%s'", s)
		},
		nil)
	if err != nil {
		return nil, &ConfigurationError{What: "host", Value: host, Err: err.Error()}
	}
	if len(v) != 1 || len(v[0]) == 0 {
		return nil, &ConfigurationError{What: "host", Value: host, Err: "illegal command line"}
	}
	return v[0], nil
}

// scriptHost returns the 32-bit Windows Script Host.
func scriptHost(windir string) string {
	if windir == "" {
		windir = os.Getenv("WINDIR")
	}
	wow := filepath.Join(windir, "SysWOW64", "wscript.exe")
	if _, err := os.Stat(wow); err == nil {
		return wow
	}
	return filepath.Join(windir, "system32", "wscript.exe")
}
