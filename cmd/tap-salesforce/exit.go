package main

import (
	"fmt"

	"github.com/ajitpratap0/tap-salesforce/pkg/engine"
	"github.com/ajitpratap0/tap-salesforce/pkg/errors"
)

// Process exit codes.
const (
	exitOK         = 0
	exitStreams    = 1
	exitDiscovery  = 2
	exitCheckpoint = 3
	exitTimeout    = 4
	exitUsage      = 64
)

// exitError carries an explicit exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func usageError(err error) error {
	return &exitError{code: exitUsage, err: err}
}

// exitCode maps the error that ended the process to its exit code.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	switch {
	case errors.HasType(err, errors.ErrorTypeCheckpoint):
		return exitCheckpoint
	case errors.IsType(err, errors.ErrorTypeTimeout):
		return exitTimeout
	case errors.HasType(err, errors.ErrorTypeDiscovery):
		return exitDiscovery
	case errors.IsType(err, errors.ErrorTypeConfig), errors.IsType(err, errors.ErrorTypeValidation):
		return exitUsage
	default:
		return exitStreams
	}
}

// resultError reports failed streams of a completed run, nil when every
// stream succeeded.
func resultError(res *engine.Result) error {
	failed := res.Failed()
	if len(failed) == 0 {
		return nil
	}
	names := make([]string, len(failed))
	for i, s := range failed {
		names[i] = fmt.Sprintf("%s (%s)", s.Stream, s.Status)
	}
	return &exitError{
		code: exitStreams,
		err:  fmt.Errorf("%d of %d streams did not complete: %v", len(failed), len(res.Streams), names),
	}
}
