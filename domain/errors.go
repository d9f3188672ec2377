package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// FaultKind classifies a speech failure
type FaultKind string

const (
	FaultConfiguration FaultKind = "configuration"
	// FaultInvalidRequest is a caller supplied value the service cannot accept
	FaultInvalidRequest FaultKind = "invalid_request"
	FaultProtocol       FaultKind = "protocol"
	FaultServer         FaultKind = "server"
	FaultTimeout        FaultKind = "timeout"
	FaultTransport      FaultKind = "transport"
	FaultQuota          FaultKind = "quota"
)

// SpeechError is the single structured value every speech failure is
// surfaced as. Code carries the server supplied code for server faults.
type SpeechError struct {
	Kind    FaultKind `json:"kind"`
	Code    int       `json:"code,omitempty"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *SpeechError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s fault (code %d): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s fault: %s", e.Kind, e.Message)
}

func (e *SpeechError) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the fault to the status returned to API callers
func (e *SpeechError) HTTPStatus() int {
	switch e.Kind {
	case FaultConfiguration:
		return http.StatusInternalServerError
	case FaultInvalidRequest:
		return http.StatusBadRequest
	case FaultTimeout:
		return http.StatusGatewayTimeout
	case FaultQuota:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// NewFault creates a SpeechError of the given kind
func NewFault(kind FaultKind, message string, err error) *SpeechError {
	return &SpeechError{Kind: kind, Message: message, Err: err}
}

// NewServerFault creates a server fault carrying the code reported by the service
func NewServerFault(code int, message string) *SpeechError {
	return &SpeechError{Kind: FaultServer, Code: code, Message: message}
}

// AsSpeechError extracts a SpeechError from err
func AsSpeechError(err error) (*SpeechError, bool) {
	var se *SpeechError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// IsKind reports whether err is a SpeechError of the given kind
func IsKind(err error, kind FaultKind) bool {
	se, ok := AsSpeechError(err)
	return ok && se.Kind == kind
}

// ErrMissingCredentials is wrapped by configuration faults raised before dialing
var ErrMissingCredentials = errors.New("speech credentials are not configured")
