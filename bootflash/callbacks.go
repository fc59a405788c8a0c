package bootflash

import (
	"fmt"
	"time"
)

// Callbacks is the display sink for a flashing run.
// All callbacks are optional and are invoked synchronously from the protocol
// loop, so they should return quickly.
type Callbacks struct {
	// OnStatus is called when the run enters a new step
	// ("waiting for bootloader", "flashing", "rebooting").
	OnStatus func(phase Phase, message string)

	// OnDeviceFound is called once the announcements qualified and the
	// device identity has been captured.
	OnDeviceFound func(info DeviceInfo)

	// OnProgress is called after every acknowledged page.
	OnProgress func(p Progress)

	// OnComplete is called exactly once when Flash returns.
	OnComplete func(r Result)

	// OnEvent is called for protocol events (debugging/logging).
	OnEvent func(event Event)
}

// Progress describes the transfer after a page has been acknowledged.
type Progress struct {
	// Page is the 0-based index of the page just written
	Page int

	// TotalPages is the number of pages in the image
	TotalPages int

	// BytesWritten counts firmware bytes acknowledged so far
	BytesWritten int

	// TotalBytes is the firmware size
	TotalBytes int

	// Percentage is the completion percentage (0.0 to 100.0)
	Percentage float64

	// Elapsed is the time since the first page was sent
	Elapsed time.Duration

	// Rate is the average throughput in bytes per second
	Rate float64
}

// Done reports whether the last page has been written.
func (p Progress) Done() bool {
	return p.Page+1 >= p.TotalPages
}

// Stats formats elapsed time and throughput the way the flasher prints them.
func (p Progress) Stats() string {
	return fmt.Sprintf("%.1fs @ %.1f KB/s", p.Elapsed.Seconds(), p.Rate/1024)
}

// Result is the terminal event of a run.
type Result struct {
	// SessionID identifies the run in logs
	SessionID string

	// Device is nil if the handshake failed
	Device *DeviceInfo

	// PagesWritten counts acknowledged pages
	PagesWritten int

	// TotalPages is the number of pages in the image
	TotalPages int

	// Elapsed is the duration of the whole run
	Elapsed time.Duration

	// Err is nil on success
	Err error
}

// Success reports whether the run completed.
func (r Result) Success() bool {
	return r.Err == nil
}

// Event represents a protocol event for logging/debugging.
type Event struct {
	Type      EventType
	Phase     Phase
	Message   string
	Page      int
	Attempt   int
	Timestamp time.Time

	// Err is the recovered failure behind ack, mismatch and frame drop events
	Err error
}

// EventType categorizes protocol events.
type EventType int

const (
	EventWaiting EventType = iota
	EventAnnouncement
	EventAnnouncementRejected
	EventSynchronized
	EventConfirmIncomplete
	EventPageSent
	EventAckTimeout
	EventAckMismatch
	EventFrameDropped
	EventReboot
	EventCancelled
)

func (t EventType) String() string {
	switch t {
	case EventWaiting:
		return "waiting"
	case EventAnnouncement:
		return "announcement"
	case EventAnnouncementRejected:
		return "announcement rejected"
	case EventSynchronized:
		return "synchronized"
	case EventConfirmIncomplete:
		return "confirm incomplete"
	case EventPageSent:
		return "page sent"
	case EventAckTimeout:
		return "ack timeout"
	case EventAckMismatch:
		return "ack mismatch"
	case EventFrameDropped:
		return "frame dropped"
	case EventReboot:
		return "reboot"
	case EventCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// defaultCallbacks returns a set of callbacks that do nothing.
func defaultCallbacks() *Callbacks {
	return &Callbacks{
		OnStatus:      func(Phase, string) {},
		OnDeviceFound: func(DeviceInfo) {},
		OnProgress:    func(Progress) {},
		OnComplete:    func(Result) {},
		OnEvent:       func(Event) {},
	}
}

// mergeCallbacks merges user callbacks with defaults.
// User callbacks override defaults, nil callbacks use defaults.
func mergeCallbacks(user *Callbacks) *Callbacks {
	result := defaultCallbacks()
	if user == nil {
		return result
	}

	if user.OnStatus != nil {
		result.OnStatus = user.OnStatus
	}
	if user.OnDeviceFound != nil {
		result.OnDeviceFound = user.OnDeviceFound
	}
	if user.OnProgress != nil {
		result.OnProgress = user.OnProgress
	}
	if user.OnComplete != nil {
		result.OnComplete = user.OnComplete
	}
	if user.OnEvent != nil {
		result.OnEvent = user.OnEvent
	}

	return result
}
