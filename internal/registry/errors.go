package registry

import "errors"

// Error kinds surfaced to callers. Only ErrStartupFailed is
// fatal to the call that triggers it; everything else is recovered locally
// and observed by callers only as a boolean/nil return plus statistics.
var (
	ErrInvalidArgument = errors.New("registry: invalid argument")
	ErrNotRunning      = errors.New("registry: not running")
	ErrStartupFailed   = errors.New("registry: startup failed")
)
