package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fitstack/chatsync/internal/mutate"
	"github.com/fitstack/chatsync/internal/store"
	"github.com/fitstack/chatsync/internal/stream"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func NewBadRequestError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusBadRequest,
		Message:    lower(http.StatusText(http.StatusBadRequest)),
	}
}

func NewNotFoundError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusNotFound,
		Message:    lower(http.StatusText(http.StatusNotFound)),
	}
}

func NewInternalServerError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusInternalServerError,
		Message:    lower(http.StatusText(http.StatusInternalServerError)),
		Err:        err,
	}
}

func NewUnauthorizedError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusUnauthorized,
		Message:    lower(http.StatusText(http.StatusUnauthorized)),
	}
}

func NewForbiddenError() *ApiError {
	return &ApiError{
		StatusCode: http.StatusForbidden,
		Message:    lower(http.StatusText(http.StatusForbidden)),
	}
}

func NewServiceUnavailableError(err error) *ApiError {
	return &ApiError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    lower(http.StatusText(http.StatusServiceUnavailable)),
		Err:        err,
	}
}

// errorFor maps core errors onto API responses.
func errorFor(err error) *ApiError {
	var mErr *mutate.MutationError
	if errors.As(err, &mErr) {
		switch mErr.Kind {
		case mutate.KindPermission:
			return NewForbiddenError()
		case mutate.KindNotFound:
			return NewNotFoundError()
		case mutate.KindTransient, mutate.KindTimeout:
			return NewServiceUnavailableError(err)
		default:
			return NewBadRequestError()
		}
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return NewNotFoundError()
	case errors.Is(err, mutate.ErrNotParticipant), errors.Is(err, mutate.ErrNotSender):
		return NewForbiddenError()
	case errors.Is(err, stream.ErrNotLive):
		return NewServiceUnavailableError(err)
	case store.IsTransient(err):
		return NewServiceUnavailableError(err)
	default:
		return NewInternalServerError(err)
	}
}
