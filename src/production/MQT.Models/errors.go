package mqtmodels

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a device is unknown or has no surviving readings
var ErrNotFound = errors.New("device not found")

// ValidationError reports a malformed ingest payload
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid reading: " + strings.Join(e.Problems, "; ")
}

// PersistenceError reports that one device's backing record could not be
// read or written. The device is treated as absent; other devices are unaffected.
type PersistenceError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s record for device %q: %v", e.Op, e.DeviceID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
