package utils

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInsufficientTests is returned when fewer than the minimum distinct test types exist.
	ErrInsufficientTests = errors.New("insufficient tests")
	// ErrDecryptionFailed covers every decryption failure cause.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrTokenExpired is returned when a token is presented after its expiration.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenAlreadyConsumed is returned on replay of a consumed token.
	ErrTokenAlreadyConsumed = errors.New("token already consumed")
	// ErrDeviceMismatch is returned when the presented hardware reference does not match the stored one.
	ErrDeviceMismatch = errors.New("device mismatch")

	ErrTokenNotFound         = errors.New("token not found")
	ErrInvalidDestructionKey = errors.New("invalid destruction key")
	ErrPresenceRequired      = errors.New("presence proof required")
	ErrInvalidSecret         = errors.New("invalid secret")
	ErrIntegrityViolation    = errors.New("integrity violation")
	ErrNotFound              = errors.New("not found")
	ErrInvalidInput          = errors.New("invalid input")
	ErrLocked                = errors.New("session locked")
)

// CodedError pairs an HTTP status with an underlying error.
type CodedError struct {
	Code    int
	Message string
	Err     error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code %d: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code %d: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Err }

// New returns a CodedError without a cause.
func New(code int, message string) error {
	return &CodedError{Code: code, Message: message}
}

// Wrap returns a CodedError wrapping err.
func Wrap(code int, message string, err error) error {
	return &CodedError{Code: code, Message: message, Err: err}
}

// StatusOf maps an error to the HTTP status the API reports for it.
func StatusOf(err error) int {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	switch {
	case errors.Is(err, ErrInsufficientTests), errors.Is(err, ErrInvalidInput):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrDecryptionFailed):
		return http.StatusBadRequest
	case errors.Is(err, ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, ErrTokenAlreadyConsumed):
		return http.StatusConflict
	case errors.Is(err, ErrDeviceMismatch), errors.Is(err, ErrInvalidSecret),
		errors.Is(err, ErrInvalidDestructionKey), errors.Is(err, ErrLocked):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPresenceRequired):
		return http.StatusForbidden
	case errors.Is(err, ErrTokenNotFound), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
