package config

import "errors"

// ErrMalformed is returned for any structural problem with an agent
// configuration file: invalid YAML, an unknown hot-state type, or a
// sensor missing a type-required field (§7 "Configuration" error class).
var ErrMalformed = errors.New("malformed agent configuration")
