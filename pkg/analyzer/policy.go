package analyzer

import (
	"fmt"
	"strings"
)

// ExitPolicy decides when the analyzed process is terminated.
type ExitPolicy uint8

const (
	// Unrestricted lets the document run until the host exits or the
	// operator interrupts the session. Dangerous.
	Unrestricted ExitPolicy = iota
	// StopOnURL terminates after the first extracted URL, before anything
	// is fetched. Any process creation seen before that is treated as a
	// violation and terminates the session as well.
	StopOnURL
	// StopOnProcessCreate lets remote fetching happen and terminates right
	// before a process is created.
	StopOnProcessCreate
)

// ParseExitPolicy parses the <exit-on> argument: url, proc or none.
func ParseExitPolicy(s string) (ExitPolicy, error) {
	switch s {
	case "url":
		return StopOnURL, nil
	case "proc":
		return StopOnProcessCreate, nil
	case "none":
		return Unrestricted, nil
	}
	return Unrestricted, fmt.Errorf("unknown exit policy %q", s)
}

func (p ExitPolicy) String() string {
	switch p {
	case StopOnURL:
		return "url"
	case StopOnProcessCreate:
		return "proc"
	case Unrestricted:
		return "none"
	}
	return fmt.Sprintf("ExitPolicy(%d)", uint8(p))
}

// State is the state of an analysis session.
type State uint8

const (
	Running State = iota
	TerminatedByPolicy
	TerminatedVoluntarily
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case TerminatedByPolicy:
		return "terminated-by-policy"
	case TerminatedVoluntarily:
		return "terminated-voluntarily"
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal returns true for the states a session can not leave.
func (s State) Terminal() bool {
	return s != Running
}

// ObservationKind is the kind of an event fed to the Controller.
type ObservationKind uint8

const (
	ObservedURL ObservationKind = iota
	ObservedProcessCreate
	ObservedExit
	ObservedInterrupt
)

// Observation is an event relevant to the exit policy.
type Observation struct {
	Kind ObservationKind
	// Detail is the URL or the executable image of the new process.
	Detail string
}

// spoolerHelper is spawned by Office when printing (or enumerating
// printers) and is never attributed to the document.
const spoolerHelper = "splwow64"

// isSpoolerHelper reports whether the executable image is the spooler
// helper. Only the base name of the image counts.
func isSpoolerHelper(image string) bool {
	base := strings.ToLower(image[strings.LastIndexAny(image, `\/`)+1:])
	return base == spoolerHelper || base == spoolerHelper+".exe"
}

// step returns the state reached from Running after observing o.
func step(policy ExitPolicy, o Observation) (State, string) {
	switch o.Kind {
	case ObservedURL:
		if policy == StopOnURL {
			return TerminatedByPolicy, "Exiting on first URL, bye!"
		}
	case ObservedProcessCreate:
		if isSpoolerHelper(o.Detail) {
			break
		}
		switch policy {
		case StopOnURL:
			return TerminatedByPolicy, "Process created before URL was found, exiting for safety"
		case StopOnProcessCreate:
			return TerminatedByPolicy, "Exiting on process creation, bye!"
		}
	case ObservedExit:
		return TerminatedVoluntarily, "Process exited"
	case ObservedInterrupt:
		return TerminatedVoluntarily, "Exiting, bye!"
	}
	return Running, ""
}

// Decide returns the state reached by a session with the given policy after
// the observations in seq, in order, and the reason for it.
func Decide(policy ExitPolicy, seq []Observation) (State, string) {
	for _, o := range seq {
		if st, reason := step(policy, o); st.Terminal() {
			return st, reason
		}
	}
	return Running, ""
}

// Controller tracks the observations made during a session and decides when
// the session must end. Once a terminal state is reached further
// observations are ignored.
type Controller struct {
	policy   ExitPolicy
	state    State
	reason   string
	observed []Observation
}

// NewController returns a Controller in the Running state.
func NewController(policy ExitPolicy) *Controller {
	return &Controller{policy: policy}
}

// Policy returns the configured exit policy.
func (c *Controller) Policy() ExitPolicy {
	return c.policy
}

// Observe records o and returns the resulting state.
func (c *Controller) Observe(o Observation) State {
	if c.state.Terminal() {
		return c.state
	}
	c.observed = append(c.observed, o)
	c.state, c.reason = step(c.policy, o)
	return c.state
}

// State returns the current state.
func (c *Controller) State() State {
	return c.state
}

// Reason returns a human readable reason for the terminal state, or the
// empty string while running.
func (c *Controller) Reason() string {
	return c.reason
}

// Events returns the observations recorded so far, in order.
func (c *Controller) Events() []Observation {
	return c.observed
}

// ObserveURL records an extracted URL.
func (c *Controller) ObserveURL(url string) State {
	return c.Observe(Observation{Kind: ObservedURL, Detail: url})
}

// ObserveProcessCreate records the imminent creation of a process running
// app.
func (c *Controller) ObserveProcessCreate(app string) State {
	return c.Observe(Observation{Kind: ObservedProcessCreate, Detail: app})
}

// ObserveExit records the natural exit of the target.
func (c *Controller) ObserveExit() State {
	return c.Observe(Observation{Kind: ObservedExit})
}

// ObserveInterrupt records an interruption requested by the operator.
func (c *Controller) ObserveInterrupt() State {
	return c.Observe(Observation{Kind: ObservedInterrupt})
}
