package batch

import "errors"

var (
	// ErrUnknownPolicy is returned when a policy name is not recognized
	ErrUnknownPolicy = errors.New("unknown batch policy")
)
