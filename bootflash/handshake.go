package bootflash

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"time"
)

// HandshakeState is the state of the bootloader handshake.
type HandshakeState int

const (
	// StateWaitingAnnounce collects steadily spaced announcements
	StateWaitingAnnounce HandshakeState = iota

	// StateConfirming acknowledges the version and counts further announcements
	StateConfirming

	// StateSynchronized is terminal success
	StateSynchronized

	// StateTimedOut is terminal failure
	StateTimedOut
)

func (s HandshakeState) String() string {
	switch s {
	case StateWaitingAnnounce:
		return "waiting-announce"
	case StateConfirming:
		return "confirming"
	case StateSynchronized:
		return "synchronized"
	case StateTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// Announcement payload layout: UID(16) VERSION... NUL
const (
	DeviceUIDSize = 16

	// versionAckRunes is how much of the version string is echoed back
	versionAckRunes = 4

	// waitingEventInterval throttles EventWaiting while no bootloader is seen
	waitingEventInterval = 250 * time.Millisecond
)

// DeviceInfo identifies the bootloader, captured from its announcement.
type DeviceInfo struct {
	UID     [DeviceUIDSize]byte
	Version string
}

// ParseDeviceInfo decodes an announcement payload.
func ParseDeviceInfo(payload []byte) (DeviceInfo, error) {
	if len(payload) < DeviceUIDSize {
		return DeviceInfo{}, fmt.Errorf("invalid announcement length: got %d bytes, minimum is %d", len(payload), DeviceUIDSize)
	}

	var info DeviceInfo
	copy(info.UID[:], payload[:DeviceUIDSize])

	ver := payload[DeviceUIDSize:]
	if i := bytes.IndexByte(ver, 0); i >= 0 {
		ver = ver[:i]
	}
	info.Version = string(bytes.ToValidUTF8(ver, nil))
	return info, nil
}

// UIDHex returns the identifier as lowercase hex.
func (d DeviceInfo) UIDHex() string {
	return hex.EncodeToString(d.UID[:])
}

// ShortID returns the first four identifier bytes as hex, for messages.
func (d DeviceInfo) ShortID() string {
	return hex.EncodeToString(d.UID[:4])
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s (UID %s)", d.Version, d.UIDHex())
}

// versionAck returns the payload of the version acknowledgement.
func versionAck(version string) []byte {
	r := []rune(version)
	if len(r) > versionAckRunes {
		r = r[:versionAckRunes]
	}
	return []byte(string(r))
}

// AnnounceFilter decides when announcements arrive steadily enough to trust.
//
// Each announcement is timed against the previous one. A gap inside
// [MinInterval, MaxInterval] counts toward Required; any other gap resets the
// count. The first announcement only sets the reference time.
type AnnounceFilter struct {
	MinInterval time.Duration
	MaxInterval time.Duration
	Required    int

	last     time.Time
	seen     bool
	accepted int
}

// NewAnnounceFilter creates a filter from the handshake settings in cfg.
func NewAnnounceFilter(cfg *Config) *AnnounceFilter {
	return &AnnounceFilter{
		MinInterval: cfg.AnnounceMinInterval,
		MaxInterval: cfg.AnnounceMaxInterval,
		Required:    cfg.AnnounceCount,
	}
}

// Observe records an announcement received at t and reports whether it counted.
func (f *AnnounceFilter) Observe(t time.Time) bool {
	delta := t.Sub(f.last)
	first := !f.seen
	f.last = t
	f.seen = true

	if first || delta < f.MinInterval || delta > f.MaxInterval {
		f.accepted = 0
		return false
	}
	f.accepted++
	return true
}

// Ready reports whether enough consecutive announcements have counted.
func (f *AnnounceFilter) Ready() bool {
	return f.accepted >= f.Required
}

// Accepted returns the current run of counted announcements.
func (f *AnnounceFilter) Accepted() int {
	return f.accepted
}

// Reset forgets all announcements.
func (f *AnnounceFilter) Reset() {
	*f = AnnounceFilter{MinInterval: f.MinInterval, MaxInterval: f.MaxInterval, Required: f.Required}
}

// Handshake waits for the bootloader, captures its identity and completes the
// version exchange. It fails only when no qualifying announcements arrive
// within Config.HandshakeTimeout or the channel fails.
func (s *Session) Handshake(ctx context.Context) (*DeviceInfo, error) {
	start := s.clock.Now()
	s.state = StateWaitingAnnounce
	s.callbacks.OnStatus(PhaseHandshake, "waiting for bootloader")
	s.logger.Info("session %s: waiting for bootloader", s.id)

	info, err := s.waitAnnouncements(ctx, start)
	if err != nil {
		return nil, err
	}
	s.device = info
	s.callbacks.OnDeviceFound(*info)
	s.logger.Info("session %s: bootloader found: %s", s.id, info)

	if err := s.confirm(ctx, start); err != nil {
		return nil, err
	}

	s.state = StateSynchronized
	s.emit(Event{Type: EventSynchronized, Phase: PhaseHandshake, Page: -1})

	// Let the tail of the announcement burst arrive, then throw it away
	if err := s.clock.Sleep(ctx, s.config.SettleDelay); err != nil {
		return nil, s.cancelled(PhaseHandshake, start, err)
	}
	for {
		msg, err := s.poll(PhaseHandshake)
		if err != nil {
			return nil, s.channelError(PhaseHandshake, start, err)
		}
		if msg == nil {
			break
		}
		s.logger.Debug("handshake: drained %s", msg)
	}

	return info, nil
}

// waitAnnouncements is the StateWaitingAnnounce loop.
func (s *Session) waitAnnouncements(ctx context.Context, start time.Time) (*DeviceInfo, error) {
	filter := NewAnnounceFilter(s.config)
	deadline := start.Add(s.config.HandshakeTimeout)
	lastWaiting := start

	for {
		if err := ctx.Err(); err != nil {
			return nil, s.cancelled(PhaseHandshake, start, err)
		}

		now := s.clock.Now()
		if !now.Before(deadline) {
			s.state = StateTimedOut
			e := NewError(ErrHandshakeTimeout, PhaseHandshake, "bootloader not found")
			e.Elapsed = now.Sub(start)
			return nil, e
		}

		msg, err := s.poll(PhaseHandshake)
		if err != nil {
			return nil, s.channelError(PhaseHandshake, start, err)
		}

		if msg == nil {
			if now.Sub(lastWaiting) >= waitingEventInterval {
				lastWaiting = now
				s.emit(Event{Type: EventWaiting, Phase: PhaseHandshake, Page: -1})
			}
			if err := s.clock.Sleep(ctx, s.config.PollInterval); err != nil {
				return nil, s.cancelled(PhaseHandshake, start, err)
			}
			continue
		}

		if msg.Type != MsgDeviceInfo {
			s.logger.Debug("handshake: ignoring %s", msg)
			continue
		}

		if !filter.Observe(s.clock.Now()) {
			s.emit(Event{Type: EventAnnouncementRejected, Phase: PhaseHandshake, Page: -1})
			continue
		}
		s.emit(Event{
			Type:    EventAnnouncement,
			Phase:   PhaseHandshake,
			Message: fmt.Sprintf("%d/%d", filter.Accepted(), filter.Required),
			Page:    -1,
		})
		if !filter.Ready() {
			continue
		}

		info, err := ParseDeviceInfo(msg.Payload)
		if err != nil {
			s.logger.Debug("handshake: %v", err)
			filter.Reset()
			continue
		}
		s.state = StateConfirming
		return &info, nil
	}
}

// confirm is the StateConfirming loop. Running out of polls is tolerated.
func (s *Session) confirm(ctx context.Context, start time.Time) error {
	seen := 0
	for i := 0; i < s.config.ConfirmPolls && seen < s.config.ConfirmCount; i++ {
		if err := s.clock.Sleep(ctx, s.config.ConfirmInterval); err != nil {
			return s.cancelled(PhaseHandshake, start, err)
		}

		msg, err := s.poll(PhaseHandshake)
		if err != nil {
			return s.channelError(PhaseHandshake, start, err)
		}
		if msg == nil || msg.Type != MsgDeviceInfo {
			continue
		}

		if seen == 0 {
			if err := s.send(MsgBootloaderVersion, versionAck(s.device.Version)); err != nil {
				return s.channelError(PhaseHandshake, start, err)
			}
		}
		seen++
	}

	if seen < s.config.ConfirmCount {
		s.logger.Info("session %s: only %d/%d confirmations, continuing", s.id, seen, s.config.ConfirmCount)
		s.emit(Event{
			Type:    EventConfirmIncomplete,
			Phase:   PhaseHandshake,
			Message: fmt.Sprintf("%d/%d confirmations", seen, s.config.ConfirmCount),
			Page:    -1,
		})
	}
	return nil
}
