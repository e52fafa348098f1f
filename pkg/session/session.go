// Package session drives the analysis of a single document: it launches
// the document host under the debugger, feeds its events to the analyzer
// and kills it when the analysis ends.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/mgeeky/loffice/pkg/analyzer"
	"github.com/mgeeky/loffice/pkg/logflags"
	"github.com/mgeeky/loffice/pkg/proc"
	"github.com/mgeeky/loffice/pkg/proc/native"
)

// Config describes an analysis session.
type Config struct {
	// Command is the command line of the document host, the document
	// included.
	Command []string
	// WorkingDir is the working directory of the host, if empty the
	// current directory is used.
	WorkingDir string

	Analyzer analyzer.Config
}

// Session is an analysis in progress.
type Session struct {
	target   *proc.Target
	analyzer *analyzer.Analyzer
	closed   bool
	log      logflags.Logger
}

// Launch starts the host described by cfg under the native debugger.
func Launch(cfg Config) (*Session, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("empty command line")
	}
	p, err := native.Launch(cfg.Command, cfg.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("could not launch %s: %w", cfg.Command[0], err)
	}
	return New(p, cfg), nil
}

// New returns a Session analyzing p, which must not have been resumed yet.
func New(p proc.Process, cfg Config) *Session {
	a := analyzer.New(cfg.Analyzer)
	tgt := proc.NewTarget(p, nil)
	a.Register(tgt.Breakpoints)
	return &Session{
		target:   tgt,
		analyzer: a,
		log:      logflags.SessionLogger().WithField("pid", p.Pid()),
	}
}

// Pid returns the process ID of the host.
func (s *Session) Pid() int {
	return s.target.Pid()
}

// State returns the state of the exit policy controller.
func (s *Session) State() analyzer.State {
	return s.analyzer.Controller().State()
}

// Findings returns what was observed in the host so far.
func (s *Session) Findings() *analyzer.Findings {
	return s.analyzer.Findings()
}

// Run lets the host run until the exit policy ends the session, the host
// exits or ctx is cancelled. The host is killed before Run returns, also
// when it returns an error or panics.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close()

	ctrl := s.analyzer.Controller()
	s.log.Debugf("Running with exit policy %q", ctrl.Policy())
	for !ctrl.State().Terminal() {
		ev, err := s.target.Continue(ctx)
		if err != nil {
			var perr proc.ErrProcessExited
			switch {
			case ctx.Err() != nil:
				ctrl.ObserveInterrupt()
			case errors.As(err, &perr):
				ctrl.ObserveExit()
			default:
				return err
			}
			break
		}
		if ev.Kind == proc.EventExited {
			s.log.Debugf("Process exited with status %d", ev.ExitCode)
			ctrl.ObserveExit()
		}
	}
	s.log.Info(ctrl.Reason())
	s.logFindings()
	return nil
}

func (s *Session) logFindings() {
	f := s.analyzer.Findings()
	s.log.WithFields(logflags.Fields{
		"urls":      len(f.URLs),
		"files":     len(f.Files),
		"processes": len(f.Processes),
		"queries":   len(f.Queries),
	}).Debugf("Session ended: %s", s.State())
}

// Close kills the host. It is safe to call Close more than once.
func (s *Session) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.target.Detach(true); err != nil {
		s.log.WithError(err).Error("could not kill target")
		return err
	}
	return nil
}
