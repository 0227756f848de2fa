package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/peercall/internal/domain"
)

// Call control errors
var (
	// ErrInvalidState is returned when a command is not permitted in the current phase.
	ErrInvalidState = errors.New("operation not permitted in current call state")
	// ErrBusy is returned when a call is requested while another one is live.
	ErrBusy = errors.New("a call is already in progress")
	// ErrSelfCall is returned when the callee is the current user.
	ErrSelfCall = errors.New("cannot call yourself")
	// ErrClosed is returned by components whose loop has stopped.
	ErrClosed = errors.New("closed")
)

// Persistence errors
var (
	// ErrNotFound is returned when a call record or profile does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCallEnded is returned when a non-terminal status is written to an ended record.
	ErrCallEnded = errors.New("call already ended")
)

// Signaling errors
var (
	// ErrChannelClosed is returned by Send on a closed signal channel.
	ErrChannelClosed = errors.New("signal channel closed")
)

// Device errors, returned by MediaDevices implementations and classified by the media gate.
var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
)

type MediaErrorKind string

const (
	MediaPermissionDenied  MediaErrorKind = "permission-denied"
	MediaDeviceUnavailable MediaErrorKind = "device-unavailable"
	MediaOther             MediaErrorKind = "other"
)

// MediaAccessError is fatal to the call attempt and always shown to the user.
type MediaAccessError struct {
	Kind MediaErrorKind
	Err  error
}

func (e *MediaAccessError) Error() string {
	return fmt.Sprintf("media access (%s): %v", e.Kind, e.Err)
}

func (e *MediaAccessError) Unwrap() error { return e.Err }

// ChannelError means the signal topic could not be subscribed.
type ChannelError struct {
	CallID domain.CallID
	Err    error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("signal channel %s: %v", e.CallID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// NegotiationError describes an out-of-order or malformed description exchange.
// It is logged and the offending message is dropped.
type NegotiationError struct {
	Reason string
	Err    error
}

func (e *NegotiationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("negotiation: %s: %v", e.Reason, e.Err)
	}
	return "negotiation: " + e.Reason
}

func (e *NegotiationError) Unwrap() error { return e.Err }
