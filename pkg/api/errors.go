package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/inopsio/modeld/pkg/lifecycle"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Message ErrorMessage `json:"message"`
}

// ErrorMessage describes what went wrong and what the caller can do.
type ErrorMessage struct {
	Reason  string                 `json:"reason"`
	Advice  string                 `json:"advice,omitempty"`
	Code    string                 `json:"code,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

func (e ErrorMessage) String() string {
	lines := []string{e.Reason}
	if e.Advice != "" {
		lines = append(lines, e.Advice)
	}
	if e.Cause != nil {
		lines = append(lines, fmt.Sprint(" caused by:", e.Cause.Error()))
	}
	return strings.Join(lines, "\n")
}

func (e ErrorMessage) Error() string {
	return e.String()
}

func (e ErrorMessage) Unwrap() error {
	return e.Cause
}

type ErrorMessageOption func(in *ErrorMessage) *ErrorMessage

func WithAdvice(advice string) ErrorMessageOption {
	return func(in *ErrorMessage) *ErrorMessage {
		if advice != "" {
			in.Advice = advice
		}
		return in
	}
}

func WithError(err error) ErrorMessageOption {
	return func(in *ErrorMessage) *ErrorMessage {
		if err != nil {
			in.Cause = err
		}
		return in
	}
}

func WithCode(code string) ErrorMessageOption {
	return func(in *ErrorMessage) *ErrorMessage {
		in.Code = code
		return in
	}
}

func WithDetails(details map[string]interface{}) ErrorMessageOption {
	return func(in *ErrorMessage) *ErrorMessage {
		if len(details) > 0 {
			in.Details = details
		}
		return in
	}
}

// NewErrorMessage builds an echo error carrying an ErrorMessage.
func NewErrorMessage(code int, reason string, opts ...ErrorMessageOption) *echo.HTTPError {
	msg := ErrorMessage{Reason: reason}
	for _, opt := range opts {
		msg = *opt(&msg)
	}
	return echo.NewHTTPError(code, msg).SetInternal(msg)
}

func NotFound(reason string) *echo.HTTPError {
	return NewErrorMessage(http.StatusNotFound, reason)
}

func BadRequest(advice string, err error) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusBadRequest,
		"bad request",
		WithAdvice(advice),
		WithError(err),
	)
}

func Unprocessable(reason string, options ...ErrorMessageOption) *echo.HTTPError {
	return NewErrorMessage(http.StatusUnprocessableEntity, reason, options...)
}

func Conflict(reason string, options ...ErrorMessageOption) *echo.HTTPError {
	return NewErrorMessage(http.StatusConflict, reason, options...)
}

func InternalServerError(err error) *echo.HTTPError {
	return NewErrorMessage(
		http.StatusInternalServerError,
		"unexpected error",
		WithAdvice("ask your system admin."),
		WithError(err),
	)
}

// FromLifecycleError maps a lifecycle error to an HTTP error.
func FromLifecycleError(err error) *echo.HTTPError {
	var lerr *lifecycle.Error
	if !errors.As(err, &lerr) {
		return InternalServerError(err)
	}

	opts := []ErrorMessageOption{WithCode(lerr.Code), WithDetails(lerr.Details), WithError(err)}
	switch lerr.Kind {
	case lifecycle.KindNotFound:
		return NewErrorMessage(http.StatusNotFound, lerr.Message, opts...)
	case lifecycle.KindValidation:
		return Unprocessable(lerr.Message, opts...)
	case lifecycle.KindInvalidTransition:
		return Conflict(lerr.Message, append(opts, WithAdvice("check the model state and retry when the transition is allowed."))...)
	case lifecycle.KindConflict, lifecycle.KindConcurrentModification:
		return Conflict(lerr.Message, append(opts, WithAdvice("retry later."))...)
	case lifecycle.KindUnsupported:
		return NewErrorMessage(http.StatusNotImplemented, lerr.Message, opts...)
	default:
		return InternalServerError(err)
	}
}

// ErrorHandler writes errors as ErrorResponse bodies. Server errors are
// logged with their cause.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if !errors.As(err, &he) {
			he = FromLifecycleError(err)
		}

		var body ErrorResponse
		switch m := he.Message.(type) {
		case ErrorMessage:
			body.Message = m
		case string:
			body.Message = ErrorMessage{Reason: m}
		default:
			body.Message = ErrorMessage{Reason: http.StatusText(he.Code)}
		}

		if he.Code >= http.StatusInternalServerError {
			logger.Error().Err(err).Str("method", c.Request().Method).Str("path", c.Request().URL.Path).Msg("Request failed")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(he.Code)
		} else {
			werr = c.JSON(he.Code, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("Failed to write error response")
		}
	}
}
