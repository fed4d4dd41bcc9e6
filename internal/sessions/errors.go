package sessions

import "errors"

// ErrNotFound is returned when a session or transcript is absent.
var ErrNotFound = errors.New("not found")
