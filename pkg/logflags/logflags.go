package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var verbose = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

// NewLogger returns a Logger that writes plain text to out, regardless of
// the configured log destination and logger factory.
func NewLogger(out io.Writer, level logrus.Level, fields Fields) Logger {
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = &textFormatter{}
	logger.Logger.Out = out
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.InfoLevel, fields)
}

// Verbose returns true if debug level messages should be emitted.
func Verbose() bool {
	return verbose
}

// SessionLogger returns a logger for the analysis session driver.
func SessionLogger() Logger {
	return makeFlaggableLogger(verbose, Fields{"layer": "session"})
}

// BreakpointsLogger returns a logger for breakpoint resolution and
// installation.
func BreakpointsLogger() Logger {
	return makeFlaggableLogger(verbose, Fields{"layer": "breakpoints"})
}

// HooksLogger returns a logger for the call-site interceptors.
func HooksLogger() Logger {
	return makeFlaggableLogger(verbose, Fields{"layer": "hooks"})
}

// NativeLogger returns a logger for the native debugging backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(verbose, Fields{"layer": "native"})
}

var errLogDestOpen = errors.New("could not open log destination")

// Setup sets the logging level and, if logDest is not empty, redirects all
// log output to it. If logDest is a number it is interpreted as a file
// descriptor, otherwise as a file path.
func Setup(verboseFlag bool, logDest string) error {
	verbose = verboseFlag
	if logDest == "" {
		return nil
	}
	if fd, err := strconv.Atoi(logDest); err == nil {
		logOut = os.NewFile(uintptr(fd), "loffice-logs")
		return nil
	}
	fh, err := os.Create(logDest)
	if err != nil {
		return fmt.Errorf("%w %q: %v", errLogDestOpen, logDest, err)
	}
	logOut = fh
	return nil
}

// Close closes the logger output, if it was redirected by Setup.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}

// textFormatter writes info messages as-is and prefixes every other level
// with its upper-cased name, e.g. "[ERROR] could not break at ...".
type textFormatter struct {
	colors bool
}

var textFormatterInstance = &textFormatter{colors: isatty.IsTerminal(os.Stderr.Fd())}

const (
	colorRed    = 31
	colorYellow = 33
	colorGray   = 37
)

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := entry.Buffer
	if b == nil {
		b = new(bytes.Buffer)
	}

	if entry.Level != logrus.InfoLevel {
		prefix := "[" + strings.ToUpper(entry.Level.String()) + "] "
		// colors only when writing to the terminal, never into --log-dest
		if f.colors && logOut == nil {
			prefix = fmt.Sprintf("\x1b[%dm%s\x1b[0m", levelColor(entry.Level), prefix)
		}
		b.WriteString(prefix)
	}
	b.WriteString(entry.Message)
	if err, ok := entry.Data[logrus.ErrorKey]; ok {
		fmt.Fprintf(b, ": %v", err)
	}

	if verbose && len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			if k == logrus.ErrorKey {
				continue
			}
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\t")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(b, "%s=%v", k, entry.Data[k])
		}
	}
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func levelColor(level logrus.Level) int {
	switch level {
	case logrus.DebugLevel, logrus.TraceLevel:
		return colorGray
	case logrus.WarnLevel:
		return colorYellow
	default:
		return colorRed
	}
}
