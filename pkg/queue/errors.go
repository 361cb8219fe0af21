package queue

import "errors"

var (
	ErrNilRun      = errors.New("job run func is nil")
	ErrBadAttempts = errors.New("job attempts out of range")
	ErrBadLevel    = errors.New("deferral level out of range")
	ErrNotResolved = errors.New("job not resolved yet")
)
