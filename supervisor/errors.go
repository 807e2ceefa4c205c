package supervisor

import (
	"fmt"
	"os"
)

// UnsupportedModeError is returned for a launch mode other than fork, spawn
// or exec. It is a configuration error and is never delivered as an event.
type UnsupportedModeError struct {
	Mode Mode
}

func (e *UnsupportedModeError) Error() string {
	return fmt.Sprintf("exec type not supported: %q", string(e.Mode))
}

// ProcessLaunchError reports that the OS refused to create the process.
type ProcessLaunchError struct {
	Mode    Mode
	Command string
	Err     error
}

func (e *ProcessLaunchError) Error() string {
	return fmt.Sprintf("failed to %s %s: %v", e.Mode, e.Command, e.Err)
}

func (e *ProcessLaunchError) Unwrap() error {
	return e.Err
}

// ProcessExitError reports a child that closed unsuccessfully: a non-zero
// exit code, or death by a signal the supervisor did not send.
type ProcessExitError struct {
	PID    int
	Code   int
	Signal os.Signal
	// Stderr is captured standard error, when available.
	Stderr string
}

func (e *ProcessExitError) Error() string {
	msg := fmt.Sprintf("process exited with non-zero exit code: %d", e.Code)
	if e.Signal != nil {
		msg = fmt.Sprintf("process terminated by signal: %v", e.Signal)
	}
	if e.Stderr != "" {
		msg += "\n" + e.Stderr
	}
	return msg
}

// SignalDeliveryError reports that a termination signal could not be sent.
type SignalDeliveryError struct {
	PID    int
	Signal os.Signal
	Err    error
}

func (e *SignalDeliveryError) Error() string {
	return fmt.Sprintf("failed to send %v to process %d: %v", e.Signal, e.PID, e.Err)
}

func (e *SignalDeliveryError) Unwrap() error {
	return e.Err
}
