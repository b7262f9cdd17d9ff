/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2021 Kopano and its licensors
 */

package serve

// Exit codes of the serve command.
const (
	ExitCodeStartupError = 64
)

// ErrorWithExitCode is an error which carries the process exit code.
type ErrorWithExitCode struct {
	Err  error
	Code int
}

func (e *ErrorWithExitCode) Error() string {
	return e.Err.Error()
}

func (e *ErrorWithExitCode) Unwrap() error {
	return e.Err
}

// StartupError wraps err with the startup exit code.
func StartupError(err error) error {
	return &ErrorWithExitCode{
		Err:  err,
		Code: ExitCodeStartupError,
	}
}
