package registry

import "errors"

var (
	// ErrUnknownEntity is returned when an Entity or Information name is not registered.
	ErrUnknownEntity = errors.New("unknown entity")
	// ErrMissingDefaultPermission is returned when a DataSource has no default permission.
	ErrMissingDefaultPermission = errors.New("missing default permission")
	// ErrInvalidDocument is returned when a config document fails validation.
	ErrInvalidDocument = errors.New("invalid config document")
)
