package internal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"

	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// SchemaVersion is stamped into every response envelope.
const SchemaVersion = 1

// Error codes returned to devices. Devices switch on these, so never rename them.
const (
	CodeMissingToken    = "missing_token"
	CodeInvalidToken    = "invalid_token"
	CodeRevokedToken    = "revoked_token"
	CodeRateLimited     = "rate_limited"
	CodeBadRequest      = "bad_request"
	CodeSessionInactive = "session_inactive"
	CodeDBError         = "db_error"
	CodeInternal        = "internal_error"
)

type HandlerError struct {
	StatusCode int
	Code       string
	Err        error
	// Details is serialised verbatim under "details". Optional.
	Details map[string]interface{}
}

func NewHandlerError(statusCode int, code string, err error) *HandlerError {
	return &HandlerError{
		StatusCode: statusCode,
		Code:       code,
		Err:        err,
	}
}

// WithDetail sets a single detail key and returns the same error for chaining.
func (e *HandlerError) WithDetail(key string, val interface{}) *HandlerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = val
	return e
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Err.Error())
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type jsonError struct {
	OK            bool                   `json:"ok"`
	SchemaVersion int                    `json:"schema_version"`
	Code          string                 `json:"code"`
	Err           string                 `json:"error"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// JSON renders the error envelope. Callers stamp server_time and request_id on top.
func (e HandlerError) JSON() []byte {
	code := e.Code
	if code == "" {
		code = codeForStatus(e.StatusCode)
	}
	msg := code
	if e.Err != nil {
		msg = e.Err.Error()
	}
	je := jsonError{
		SchemaVersion: SchemaVersion,
		Code:          code,
		Err:           msg,
		Details:       e.Details,
	}
	b, _ := json.Marshal(je)
	return b
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return CodeBadRequest
	case http.StatusUnauthorized:
		return CodeMissingToken
	case http.StatusForbidden:
		return CodeInvalidToken
	case http.StatusConflict:
		return CodeSessionInactive
	case http.StatusTooManyRequests:
		return CodeRateLimited
	default:
		return CodeInternal
	}
}

// Assert that the expression is true, similar to assert() in C. If expr is false, print or panic.
//
// If expr is false and TRACKLINK_DEBUG=1 then the program panics.
// Otherwise the failure is logged along with the file/line of the assertion and its caller.
// Use it for invariants which a correct program never breaks, not for ordinary
// runtime errors like a dropped connection.
//
// The msg should state the expectation, e.g:
//
//	Assert("lease is ordered by timestamp", sorted)
func Assert(msg string, expr bool) {
	if expr {
		return
	}
	if os.Getenv("TRACKLINK_DEBUG") == "1" {
		panic(fmt.Sprintf("assert: %s", msg))
	}
	l := logger.Error()
	_, file, line, ok := runtime.Caller(1)
	if ok {
		l = l.Str("assertion", fmt.Sprintf("%s:%d", file, line))
	}
	_, file, line, ok = runtime.Caller(2)
	if ok {
		l = l.Str("caller", fmt.Sprintf("%s:%d", file, line))
	}
	l.Msg("assertion failed: " + msg)
}
