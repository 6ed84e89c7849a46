package apierr

import "fmt"

// Error codes surfaced to clients. Provider-reported codes pass through as-is.
const (
	CodeValidation          = "VALIDATION"
	CodeNoDeploymentFound   = "NO_DEPLOYMENT_FOUND"
	CodeNonSQLQuery         = "NON_SQL_QUERY"
	CodePollingTimeout      = "POLLING_TIMEOUT"
	CodeSQLExecutionError   = "SQL_EXECUTION_ERROR"
	CodeInternalServerError = "INTERNAL_SERVER_ERROR"
)

type Error struct {
	Status int
	Code   string
	Err    error
	Data   map[string]any
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return e.Code
	}
	if e.Status != 0 {
		return fmt.Sprintf("api error (%d)", e.Status)
	}
	return "api error"
}

func (e *Error) Unwrap() error { return e.Err }

func New(status int, code string, err error) *Error {
	return &Error{Status: status, Code: code, Err: err}
}

func WithData(status int, code string, err error, data map[string]any) *Error {
	return &Error{Status: status, Code: code, Err: err, Data: data}
}
