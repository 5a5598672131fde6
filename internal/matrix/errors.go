package matrix

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a structured error response from the homeserver. Callers
// branch on the machine-readable Code, never on Message text:
//
//	var matrixErr *matrix.Error
//	if errors.As(err, &matrixErr) && matrixErr.Code == matrix.CodeUserInUse { ... }
type Error struct {
	// Code is the Matrix error code (e.g. "M_FORBIDDEN", "M_USER_IN_USE").
	Code string `json:"errcode"`
	// Message is the human-readable description from the server.
	Message string `json:"error"`
	// StatusCode is the HTTP status of the response.
	StatusCode int `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("matrix: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// Standard Matrix error codes this subsystem branches on.
const (
	CodeForbidden     = "M_FORBIDDEN"
	CodeUnknownToken  = "M_UNKNOWN_TOKEN"
	CodeNotFound      = "M_NOT_FOUND"
	CodeUserInUse     = "M_USER_IN_USE"
	CodeLimitExceeded = "M_LIMIT_EXCEEDED"
	CodeUnknown       = "M_UNKNOWN"
	CodeInvalidParam  = "M_INVALID_PARAM"
	CodeMissingParam  = "M_MISSING_PARAM"
)

// IsCode reports whether err is a *Error carrying the given code.
func IsCode(err error, code string) bool {
	var matrixErr *Error
	if errors.As(err, &matrixErr) {
		return matrixErr.Code == code
	}
	return false
}

// IsUserInUse reports whether err means the username is already
// registered on the homeserver. Recoverable by callers.
func IsUserInUse(err error) bool {
	return IsCode(err, CodeUserInUse)
}

// IsNotFound reports whether err means the remote resource (room,
// user) does not exist, e.g. a room deleted out-of-band.
func IsNotFound(err error) bool {
	return IsCode(err, CodeNotFound)
}

// IsUnauthorized reports whether err indicates rejected credentials or
// a revoked token.
func IsUnauthorized(err error) bool {
	var matrixErr *Error
	if !errors.As(err, &matrixErr) {
		return false
	}
	if matrixErr.StatusCode == http.StatusUnauthorized {
		return true
	}
	return matrixErr.Code == CodeUnknownToken
}
