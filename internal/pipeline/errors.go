package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"hz.tools/rf"
)

var (
	// ErrNotRunning is returned by control operations once the runtime is
	// stopping or stopped.
	ErrNotRunning = errors.New("pipeline: not running")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("pipeline: already started")
)

// ConfigurationError reports invalid static parameters. It is fatal at
// construction.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string { return "pipeline: " + e.Err.Error() }
func (e *ConfigurationError) Unwrap() error { return e.Err }

// TuningRangeError reports a channel outside the captured bandwidth. The
// previous tuning stays in effect.
type TuningRangeError struct {
	Requested rf.Hz
	Center    rf.Hz
	Limit     rf.Hz
	Err       error
}

func (e *TuningRangeError) Error() string {
	return fmt.Sprintf("pipeline: %v Hz is out of range, the capture covers %v Hz ± %v Hz",
		float64(e.Requested), float64(e.Center), float64(e.Limit))
}

func (e *TuningRangeError) Unwrap() error { return e.Err }

// DeviceError reports a failure of the wideband source. It is fatal.
type DeviceError struct {
	Op  string // open, configure or read
	Err error
}

func (e *DeviceError) Error() string { return "pipeline: source " + e.Op + ": " + e.Err.Error() }
func (e *DeviceError) Unwrap() error { return e.Err }

// SinkError reports a failed write to the PCM destination. It stops the
// processing loop.
type SinkError struct {
	Destination string
	Err         error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("pipeline: output %s: %v", e.Destination, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

// RedirectError reports a destination that could not be opened. The
// previous destination stays active.
type RedirectError struct {
	Destination string
	Err         error
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("pipeline: redirect to %s: %v", e.Destination, e.Err)
}

func (e *RedirectError) Unwrap() error { return e.Err }

// Failure is one non-fatal problem met during shutdown.
type Failure struct {
	Component string
	Err       error
}

// ShutdownReport collects everything that went wrong while shutting down.
// Shutdown never fails; callers inspect the report instead.
type ShutdownReport struct {
	// Err is the outcome of the processing loop, as returned by Wait.
	Err      error
	Failures []Failure
}

// Add records a failure of component. A nil err is ignored.
func (r *ShutdownReport) Add(component string, err error) {
	if err == nil {
		return
	}
	r.Failures = append(r.Failures, Failure{Component: component, Err: err})
}

// OK reports whether the loop ended cleanly and nothing failed.
func (r *ShutdownReport) OK() bool {
	return r.Err == nil && len(r.Failures) == 0
}

func (r *ShutdownReport) String() string {
	if r.OK() {
		return "clean shutdown"
	}
	var parts []string
	if r.Err != nil {
		parts = append(parts, "loop: "+r.Err.Error())
	}
	for _, f := range r.Failures {
		parts = append(parts, f.Component+": "+f.Err.Error())
	}
	return strings.Join(parts, "; ")
}
