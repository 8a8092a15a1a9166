package chrome

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Step names a stage of an export.
type Step string

const (
	StepConfigure Step = "configure"
	StepLaunch    Step = "launch"
	StepNavigate  Step = "navigate"
	StepTrigger   Step = "trigger"
)

// ErrElementNotFound means an export control was not present on the page,
// usually because the hosted page changed its markup.
var ErrElementNotFound = errors.New("element not found")

// ErrNavigationTimeout means the page did not finish loading within the
// step timeout while the browser itself was still alive.
var ErrNavigationTimeout = errors.New("page load timed out")

// StepError wraps the browser error that stopped an export.
type StepError struct {
	Step    Step
	Element string
	Err     error
}

func (e *StepError) Error() string {
	if e.Element != "" {
		return fmt.Sprintf("chrome %s #%s: %v", e.Step, e.Element, e.Err)
	}
	return fmt.Sprintf("chrome %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// FailedStep returns the step recorded in err, or "" when err did not come
// from an export.
func FailedStep(err error) Step {
	var se *StepError
	if errors.As(err, &se) {
		return se.Step
	}
	return ""
}

// IsSessionInterrupted reports whether err means the browser session went
// away underneath us rather than the page misbehaving.
func IsSessionInterrupted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrElementNotFound) || errors.Is(err, ErrNavigationTimeout) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"target closed", "session closed", "websocket: close", "connection reset", "broken pipe"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
