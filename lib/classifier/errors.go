package classifier

import "errors"

var (
	// ErrInvalidInput is returned when the engine receives an empty or absent payload
	ErrInvalidInput = errors.New("invalid input: empty image payload")
)
