package bootflash

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error represents a bootflash failure
type Error struct {
	// Type is the error type
	Type ErrorType

	// Phase is the protocol phase that failed
	Phase Phase

	// Message is a human-readable error message
	Message string

	// Page is the failing page index, or -1 when no page is involved
	Page int

	// Elapsed is the time spent in the failing phase
	Elapsed time.Duration

	// Device is the bootloader identity when the handshake got that far
	Device *DeviceInfo

	// Err is the underlying cause, if any
	Err error
}

// ErrorType categorizes bootflash errors
type ErrorType int

const (
	// ErrChannel indicates the link failed to read or write
	ErrChannel ErrorType = iota

	// ErrHandshakeTimeout indicates no qualifying announcements before the deadline
	ErrHandshakeTimeout

	// ErrFrameDesync indicates a malformed frame was dropped (recovered, event only)
	ErrFrameDesync

	// ErrAckTimeout indicates a page attempt saw no acknowledgement (recovered by retry)
	ErrAckTimeout

	// ErrAckMismatch indicates an acknowledgement for the wrong page or with an error code (recovered by retry)
	ErrAckMismatch

	// ErrPageWriteFailed indicates a page exhausted its attempts
	ErrPageWriteFailed

	// ErrCancelled indicates the caller cancelled the run
	ErrCancelled

	// ErrInvalidFirmware indicates the payload cannot be transferred
	ErrInvalidFirmware
)

func (t ErrorType) String() string {
	switch t {
	case ErrChannel:
		return "channel error"
	case ErrHandshakeTimeout:
		return "handshake timeout"
	case ErrFrameDesync:
		return "frame desync"
	case ErrAckTimeout:
		return "ack timeout"
	case ErrAckMismatch:
		return "ack mismatch"
	case ErrPageWriteFailed:
		return "page write failed"
	case ErrCancelled:
		return "cancelled"
	case ErrInvalidFirmware:
		return "invalid firmware"
	default:
		return "unknown error"
	}
}

// Phase names the part of a run an error or event belongs to
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseTransfer
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "bootflash %s: %s", e.Phase, e.Type)
	if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}

	var details []string
	if e.Page >= 0 {
		details = append(details, fmt.Sprintf("page %d", e.Page))
	}
	if e.Elapsed > 0 {
		details = append(details, fmt.Sprintf("after %.1fs", e.Elapsed.Seconds()))
	}
	if e.Device != nil {
		details = append(details, "device "+e.Device.ShortID())
	}
	if len(details) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(details, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new bootflash error not tied to a page
func NewError(errType ErrorType, phase Phase, message string) *Error {
	return &Error{
		Type:    errType,
		Phase:   phase,
		Message: message,
		Page:    -1,
	}
}

// NewPageError creates a new bootflash error for a page
func NewPageError(errType ErrorType, message string, page int) *Error {
	return &Error{
		Type:    errType,
		Phase:   PhaseTransfer,
		Message: message,
		Page:    page,
	}
}

func hasType(err error, t ErrorType) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == t
}

// IsHandshakeTimeout checks if an error is a handshake timeout
func IsHandshakeTimeout(err error) bool {
	return hasType(err, ErrHandshakeTimeout)
}

// IsPageWriteFailed checks if an error is an exhausted page write
func IsPageWriteFailed(err error) bool {
	return hasType(err, ErrPageWriteFailed)
}

// IsCancelled checks if an error indicates cancellation
func IsCancelled(err error) bool {
	return hasType(err, ErrCancelled)
}

// IsChannelError checks if an error came from the link
func IsChannelError(err error) bool {
	return hasType(err, ErrChannel)
}

// FailedPage returns the page index carried by err, or -1
func FailedPage(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Page
	}
	return -1
}
