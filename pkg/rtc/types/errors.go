package types

import (
	"errors"
	"fmt"
)

var (
	ErrDeviceUnavailable  = errors.New("capture device unavailable")
	ErrPermissionDenied   = errors.New("capture permission denied")
	ErrSinkUnavailable    = errors.New("sink unavailable")
	ErrCoordinatorStopped = errors.New("coordinator is stopped")
	ErrAlreadyStarted     = errors.New("coordinator already started")
)

// DeviceError reports a failed local capture acquisition. Surfaced to the
// caller of user-initiated actions so the UI can show a device-specific
// message; never crashes the coordinator.
type DeviceError struct {
	Kind     TrackKind
	DeviceID string
	Err      error
}

func (e *DeviceError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("could not acquire %s device %q: %v", e.Kind, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("could not acquire %s device: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// PublishError reports a session add/remove/replace/mute rejection. Recorded
// and logged; the intended local state is preserved so a later retry
// converges. Background callers treat it as a soft failure.
type PublishError struct {
	TrackID string
	Op      string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s failed for track %q: %v", e.Op, e.TrackID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// AttachError reports a failed sink attach/detach. Logged only; never blocks
// track lifecycle.
type AttachError struct {
	TrackID string
	SinkID  string
	Err     error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach failed for track %q sink %q: %v", e.TrackID, e.SinkID, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}
