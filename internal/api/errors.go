package api

import (
	"errors"

	"github.com/msageha/phasegraph/internal/workflow"
)

// RemoteError is an operation error decoded from the wire. It unwraps to
// the matching workflow or store kind so errors.Is works across the socket.
type RemoteError struct {
	Code    string
	Message string
	kind    error
}

func (e *RemoteError) Error() string {
	return e.Message
}

func (e *RemoteError) Unwrap() error {
	return e.kind
}

func (e *RemoteError) ErrorCode() string {
	return e.Code
}

// EncodeError gives the stable code and message for err.
func EncodeError(err error) (code, message string) {
	if errors.Is(err, ErrUnknownCommand) {
		return "UNKNOWN_COMMAND", err.Error()
	}
	return workflow.Code(err), err.Error()
}

// DecodeError rebuilds a typed error from a wire code and message.
func DecodeError(code, message string) error {
	kind := workflow.KindForCode(code)
	if code == "UNKNOWN_COMMAND" {
		kind = ErrUnknownCommand
	}
	return &RemoteError{Code: code, Message: message, kind: kind}
}
