package daemon

import (
	"errors"

	"cvdd/internal/registry"
	"cvdd/pkg/protocol"
)

// statusFromError translates internal errors into wire status codes.
// Sentinel wrapping decides the code; everything unclassified is
// INTERNAL.
func statusFromError(err error) protocol.Status {
	if err == nil {
		return protocol.Status{Code: protocol.StatusOK}
	}
	code := protocol.StatusInternal
	switch {
	case errors.Is(err, registry.ErrInvalid):
		code = protocol.StatusInvalidArgument
	case errors.Is(err, registry.ErrConflict):
		code = protocol.StatusAlreadyExists
	case errors.Is(err, errPrecondition):
		code = protocol.StatusFailedPrecondition
	}
	return protocol.Status{Code: code, Message: err.Error()}
}

// errPrecondition marks missing-environment and bad-working-dir
// failures surfaced as FAILED_PRECONDITION.
var errPrecondition = errors.New("precondition failed")
