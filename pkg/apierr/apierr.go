// Package apierr defines the typed failures returned by the service layer
// and the JSON envelope they are rendered into at the HTTP boundary
package apierr

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindConflict
	KindNotFound
	KindUnauthorized
)

// Error is a failure that is safe to show to a client. Err holds the
// underlying cause and is only ever logged.
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}

	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code of the failure
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func Validation(msg string, details ...string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Details: details}
}

func Conflict(msg string) *Error {
	return &Error{Kind: KindConflict, Message: msg}
}

func NotFound(msg string) *Error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// Unauthorized wraps an optional cause, e.g. security.ErrExpiredToken, so
// callers can still tell the reasons apart with errors.Is.
func Unauthorized(msg string, cause error) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg, Err: cause}
}

func Internal(msg string, cause error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: cause}
}

// Is reports whether err is an *Error of the given kind
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}

	return false
}

// Respond writes err as the failure envelope and aborts the request. Anything
// that isn't an *Error is treated as an unexpected failure and its message is
// replaced with a generic one.
func Respond(c *gin.Context, err error) {
	requestID := c.GetString("requestID")

	var e *Error
	if !errors.As(err, &e) {
		e = Internal("Internal server error", err)
	}

	if e.Kind == KindInternal {
		zap.L().Error(e.Message, zap.Error(e.Err), zap.String("requestID", requestID))
	}

	details := e.Details
	if details == nil {
		details = []string{}
	}

	c.AbortWithStatusJSON(e.Status(), gin.H{
		"success":    false,
		"statusCode": e.Status(),
		"message":    e.Message,
		"errors":     details,
		"requestID":  requestID,
	})
}

// Success writes the success envelope
func Success(c *gin.Context, status int, data any, msg string) {
	if data == nil {
		data = gin.H{}
	}

	c.JSON(status, gin.H{
		"success":    true,
		"statusCode": status,
		"data":       data,
		"message":    msg,
	})
}

// Blank reports whether any of the given values is empty after trimming
func Blank(values ...string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			return true
		}
	}

	return false
}
