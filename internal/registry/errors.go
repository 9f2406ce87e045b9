package registry

import "errors"

// Error kinds shared across the registry and its callers. Handlers map
// these onto protocol status codes; everything else is wrapped IO.
var (
	// ErrInvalid marks a malformed name, field, or path.
	ErrInvalid = errors.New("invalid argument")

	// ErrConflict marks a uniqueness violation: the home directory or an
	// instance id is already taken by another group.
	ErrConflict = errors.New("conflict with existing group")
)
