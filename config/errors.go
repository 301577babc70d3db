package config

import "errors"

// ErrInvalidConfig is returned by Validate and by any Option that rejects
// its argument outright.
var ErrInvalidConfig = errors.New("invalid configuration")
