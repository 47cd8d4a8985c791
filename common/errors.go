package common

import "errors"

// ErrKeyNotFound is returned by StorageEngine.Get for absent or
// tombstoned keys.
var ErrKeyNotFound = errors.New("key not found")
