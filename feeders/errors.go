package feeders

import "errors"

// Env feeder errors
var (
	ErrEnvInvalidStructure = errors.New("env: expected pointer to struct")
	ErrEnvCannotConvert    = errors.New("env: cannot convert value to field type")
	ErrEnvFieldNotSettable = errors.New("env: field cannot be set")
)

// Watcher errors
var (
	ErrWatcherClosed  = errors.New("config watcher is closed")
	ErrWatcherNoPaths = errors.New("config watcher needs at least one path")
)
