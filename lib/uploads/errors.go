package uploads

import "errors"

var (
	// ErrNotFound is returned when an upload is absent, already consumed, or expired
	ErrNotFound = errors.New("upload not found")

	// ErrEmpty is returned when an upload carries no data
	ErrEmpty = errors.New("upload is empty")
)
