// internal/automation/errors.go
package automation

import "fmt"

// ErrorCode is a string type used for structured failure reporting from a run.
// Callers switch on it instead of matching messages.
type ErrorCode string

const (
	// -- Precondition Errors --
	ErrCodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
	ErrCodeInsufficientCredits ErrorCode = "INSUFFICIENT_CREDITS"
	ErrCodeUserNotFound        ErrorCode = "USER_NOT_FOUND"

	// -- Browser/DOM Errors --
	ErrCodeBrowserUnavailable ErrorCode = "BROWSER_UNAVAILABLE"
	ErrCodeNavigationError    ErrorCode = "NAVIGATION_ERROR"
	ErrCodeElementNotFound    ErrorCode = "ELEMENT_NOT_FOUND"
	ErrCodeNotActionable      ErrorCode = "ELEMENT_NOT_ACTIONABLE"

	// -- Mail / Confirmation Errors --
	ErrCodeNoEmail            ErrorCode = "NO_CONFIRMATION_EMAIL"
	ErrCodeConfirmLinkMissing ErrorCode = "CONFIRMATION_LINK_MISSING"
	ErrCodeConfirmUnreachable ErrorCode = "CONFIRMATION_LINK_UNREACHABLE"
	ErrCodeCallbackNotFound   ErrorCode = "CALLBACK_LINK_NOT_FOUND"
	ErrCodeAuthCodeMissing    ErrorCode = "AUTH_CODE_MISSING"
	ErrCodeDeadlineExceeded   ErrorCode = "DEADLINE_EXCEEDED"

	// -- Internal System Errors --
	ErrCodeEnginePanic ErrorCode = "ENGINE_PANIC"
	ErrCodeLedgerError ErrorCode = "LEDGER_ERROR"
)

// Stage names a step of the signup pipeline.
type Stage string

const (
	StageInit       Stage = "init"
	StageNavigate   Stage = "navigate"
	StageFill       Stage = "fill"
	StageSubmit     Stage = "submit"
	StageAwaitEmail Stage = "await_email"
	StageFetchEmail Stage = "fetch_email"
	StageConfirm    Stage = "confirm"
	StageSettle     Stage = "settle"
	StageCallback   Stage = "callback"
	StageFinalize   Stage = "finalize"
)

// StageError is the terminal failure of a run. Message is the operator facing
// text; Err carries the underlying cause.
type StageError struct {
	Stage   Stage
	Code    ErrorCode
	Message string
	Err     error
	// Captured is set once the stage saved its own diagnostic screenshot.
	Captured bool
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageErr(stage Stage, code ErrorCode, msg string, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Message: msg, Err: err}
}
