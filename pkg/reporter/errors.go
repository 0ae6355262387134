package reporter

import (
	"errors"
	"fmt"
)

// ErrLaunchNotEstablished is returned when the remote launch identifier
// is not observed within the configured wait timeout. It is always
// fatal: workers reporting against an unestablished launch would
// silently lose data.
var ErrLaunchNotEstablished = errors.New("launch not established before timeout")

// RemoteCallError wraps a failed remote call. It is only surfaced when
// the error tolerance policy is strict; with ignore_errors the failure
// is logged once and the call's effect becomes a no-op.
type RemoteCallError struct {
	Op  string
	Err error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("remote call %s failed: %v", e.Op, e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}
