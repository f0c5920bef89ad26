// Package apperr holds the error taxonomy shared by the generation, video and
// credit pipelines. Components convert provider, storage and transport failures
// into one of these kinds at their boundary; the HTTP layer maps kinds to
// status codes in a single place.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindUploadFailed        Kind = "upload_failed"
	KindProviderRejected    Kind = "provider_rejected"
	KindProviderRateLimited Kind = "provider_rate_limited"
	KindGenerationFailed    Kind = "generation_failed"
	KindPollTransport       Kind = "poll_transport_error"
	KindWatermarkFailed     Kind = "watermark_failed"
	KindPersistenceFailed   Kind = "persistence_failed"
	KindStitchFailed        Kind = "stitch_failed"
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindInternal            Kind = "internal_error"
)

// Error is a classified failure. Op names the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without a cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err and attaches a message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost classified error in the chain,
// or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// MessageOf returns the user-facing message of a classified error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return defaultMessages[KindOf(err)]
}

var defaultMessages = map[Kind]string{
	KindInvalidInput:        "The request is invalid",
	KindInsufficientCredits: "No credits left. Upgrade your plan to continue",
	KindUploadFailed:        "The image could not be uploaded, please try again",
	KindProviderRejected:    "The generation service rejected the request, please try again",
	KindProviderRateLimited: "The generation service is busy, please wait a moment and try again",
	KindGenerationFailed:    "The generation failed",
	KindPollTransport:       "Status could not be checked, please try again",
	KindPersistenceFailed:   "The result could not be saved",
	KindStitchFailed:        "The video could not be created",
	KindNotFound:            "Not found",
	KindUnauthorized:        "Unauthorized",
	KindInternal:            "Internal server error",
}

// HTTPStatus maps a kind to the status code used by the API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindProviderRateLimited:
		return http.StatusTooManyRequests
	case KindUploadFailed, KindProviderRejected, KindPollTransport:
		return http.StatusBadGateway
	case KindGenerationFailed, KindStitchFailed:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
