package commands

import "fmt"

// Exit codes. Anything that escapes a command without an ExitError
// (cobra usage problems, unknown flags) exits with ExitUsage.
const (
	// ExitSuccess means the run completed with every target succeeded.
	ExitSuccess = 0

	// ExitUsage means the invocation or its configuration input was bad.
	ExitUsage = 1

	// ExitPrereq means a prerequisite backend session could not be
	// established, so no phase was attempted.
	ExitPrereq = 2

	// ExitDegraded means the run executed but one or more phases
	// degraded, failed, or were refused by policy.
	ExitDegraded = 3

	// ExitFatal means an internal error aborted the run.
	ExitFatal = 4
)

// ExitError carries a process exit code through the cobra error path.
// main unwraps it and exits with Code.
type ExitError struct {
	Code int
	Err  error
}

// Error implements the error interface.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

// Unwrap returns the wrapped error.
func (e *ExitError) Unwrap() error {
	return e.Err
}

// exitWith wraps err with an exit code. A nil err produces a silent
// ExitError: the code still maps, nothing extra is printed.
func exitWith(code int, err error) *ExitError {
	return &ExitError{Code: code, Err: err}
}

// exitSilent maps an exit code without an error message, for outcomes
// the reporters have already rendered.
func exitSilent(code int) *ExitError {
	return &ExitError{Code: code}
}
