// Package apperr defines the closed error taxonomy surfaced to clients.
// Raw transport/storage errors never leave the process; they are wrapped
// into one of these codes and logged with context at the call site.
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeNetwork             Code = "NETWORK_ERROR"
	CodeConnectionTimeout   Code = "CONNECTION_TIMEOUT"
	CodeMatchmakingFailed   Code = "MATCHMAKING_FAILED"
	CodePartnerDisconnected Code = "PARTNER_DISCONNECTED"
	CodeMediaAccessDenied   Code = "MEDIA_ACCESS_DENIED"
	CodeMediaNotSupported   Code = "MEDIA_NOT_SUPPORTED"
	CodeWebRTCFailed        Code = "WEBRTC_FAILED"
	CodeSessionExpired      Code = "SESSION_EXPIRED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeServer              Code = "SERVER_ERROR"
	CodeUnknown             Code = "UNKNOWN_ERROR"
)

// Error is the only error shape that crosses the API boundary.
type Error struct {
	Code        Code   `json:"code"`
	Message     string `json:"-"` // internal diagnostic, logged only
	UserMessage string `json:"message"`
	Recoverable bool   `json:"recoverable"`
	Action      string `json:"action,omitempty"`
	cause       error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// From classifies err. An *Error passes through unchanged; anything else
// becomes UNKNOWN_ERROR with the original error as cause.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr
	}
	return &Error{
		Code:        CodeUnknown,
		Message:     err.Error(),
		UserMessage: "Something went wrong. Please try again.",
		Recoverable: true,
		cause:       err,
	}
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code Code) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}

func Network(cause error) *Error {
	return &Error{
		Code:        CodeNetwork,
		Message:     "network request failed",
		UserMessage: "Connection problem. Check your network and try again.",
		Recoverable: true,
		Action:      "retry",
		cause:       cause,
	}
}

func ConnectionTimeout(cause error) *Error {
	return &Error{
		Code:        CodeConnectionTimeout,
		Message:     "connection attempt timed out",
		UserMessage: "Connecting took too long. Please try again.",
		Recoverable: true,
		Action:      "retry",
		cause:       cause,
	}
}

func MatchmakingFailed(cause error) *Error {
	return &Error{
		Code:        CodeMatchmakingFailed,
		Message:     "matchmaking failed",
		UserMessage: "We couldn't find you a partner. Please try again.",
		Recoverable: true,
		Action:      "retry",
		cause:       cause,
	}
}

func PartnerDisconnected() *Error {
	return &Error{
		Code:        CodePartnerDisconnected,
		Message:     "partner left the room",
		UserMessage: "Your partner disconnected.",
		Recoverable: true,
		Action:      "next",
	}
}

func MediaAccessDenied(cause error) *Error {
	return &Error{
		Code:        CodeMediaAccessDenied,
		Message:     "media permission denied",
		UserMessage: "Camera or microphone access was denied. Allow access and retry.",
		Recoverable: false,
		Action:      "grant access",
		cause:       cause,
	}
}

func MediaNotSupported(cause error) *Error {
	return &Error{
		Code:        CodeMediaNotSupported,
		Message:     "media stack unavailable",
		UserMessage: "Your device doesn't support video chat.",
		Recoverable: false,
		cause:       cause,
	}
}

func WebRTCFailed(cause error) *Error {
	return &Error{
		Code:        CodeWebRTCFailed,
		Message:     "peer connection failed",
		UserMessage: "The connection to your partner failed.",
		Recoverable: false,
		Action:      "switch partner",
		cause:       cause,
	}
}

func SessionExpired() *Error {
	return &Error{
		Code:        CodeSessionExpired,
		Message:     "session missing or past heartbeat window",
		UserMessage: "Your session expired. Please reconnect.",
		Recoverable: false,
		Action:      "reconnect",
	}
}

func RateLimited(msg string) *Error {
	return &Error{
		Code:        CodeRateLimited,
		Message:     msg,
		UserMessage: "You are temporarily blocked from the service.",
		Recoverable: false,
	}
}

func Server(cause error) *Error {
	return &Error{
		Code:        CodeServer,
		Message:     "internal error",
		UserMessage: "Something went wrong on our side. Please try again.",
		Recoverable: true,
		Action:      "retry",
		cause:       cause,
	}
}
