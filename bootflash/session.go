package bootflash

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session represents one flashing run against a bootloader.
// It owns the channel's read side for its lifetime; a Session is not safe for
// concurrent use.
type Session struct {
	// I/O
	ch Channel
	rx *Reassembler

	// Configuration
	config *Config
	clock  Clock

	// Callbacks
	callbacks *Callbacks

	// Logger
	logger Logger

	// Run state
	id           string
	state        HandshakeState
	device       *DeviceInfo
	totalPages   int
	pagesWritten int
}

// Config holds session configuration.
type Config struct {
	// Handshake
	HandshakeTimeout    time.Duration
	PollInterval        time.Duration
	AnnounceMinInterval time.Duration
	AnnounceMaxInterval time.Duration
	AnnounceCount       int

	// Version confirmation
	ConfirmPolls    int
	ConfirmInterval time.Duration
	ConfirmCount    int
	SettleDelay     time.Duration

	// Page transfer
	AckTimeout      time.Duration
	AckPollInterval time.Duration
	MaxAttempts     int

	// Progress update interval, zero reports every page
	ProgressInterval time.Duration
}

// DefaultConfig returns the timing the bootloader expects.
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:    15 * time.Second,
		PollInterval:        10 * time.Millisecond,
		AnnounceMinInterval: 5 * time.Millisecond,
		AnnounceMaxInterval: time.Second,
		AnnounceCount:       5,
		ConfirmPolls:        20,
		ConfirmInterval:     50 * time.Millisecond,
		ConfirmCount:        3,
		SettleDelay:         200 * time.Millisecond,
		AckTimeout:          3 * time.Second,
		AckPollInterval:     5 * time.Millisecond,
		MaxAttempts:         3,
		ProgressInterval:    0,
	}
}

// Validate reports the first setting that would stall or break a run.
func (c *Config) Validate() error {
	switch {
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("handshake timeout must be positive, got %s", c.HandshakeTimeout)
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	case c.AnnounceMinInterval < 0 || c.AnnounceMaxInterval < c.AnnounceMinInterval:
		return fmt.Errorf("invalid announce window [%s, %s]", c.AnnounceMinInterval, c.AnnounceMaxInterval)
	case c.AnnounceCount < 1:
		return fmt.Errorf("announce count must be at least 1, got %d", c.AnnounceCount)
	case c.ConfirmPolls < 0 || c.ConfirmCount < 0:
		return fmt.Errorf("confirm polls and count must not be negative")
	case c.AckTimeout <= 0:
		return fmt.Errorf("ack timeout must be positive, got %s", c.AckTimeout)
	case c.AckPollInterval <= 0:
		return fmt.Errorf("ack poll interval must be positive, got %s", c.AckPollInterval)
	case c.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = mergeCallbacks(callbacks)
	}
}

// WithLogger sets a logger for protocol debugging.
func WithLogger(logger Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock Clock) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// NewSession creates a new flashing session on ch.
func NewSession(ch Channel, opts ...Option) *Session {
	s := &Session{
		ch:        ch,
		config:    DefaultConfig(),
		clock:     SystemClock,
		callbacks: defaultCallbacks(),
		logger:    NoopLogger{},
		id:        uuid.New().String(),
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.config == nil {
		s.config = DefaultConfig()
	}
	if s.logger == nil {
		s.logger = NoopLogger{}
	}
	if s.clock == nil {
		s.clock = SystemClock
	}

	s.rx = NewReassembler(s.logger)
	return s
}

// Flash runs the handshake, transfers firmware and reboots the device.
// OnComplete is called exactly once with the outcome.
func (s *Session) Flash(ctx context.Context, firmware []byte) (err error) {
	start := s.clock.Now()
	s.totalPages = PageCount(len(firmware))

	defer func() {
		s.callbacks.OnComplete(Result{
			SessionID:    s.id,
			Device:       s.device,
			PagesWritten: s.pagesWritten,
			TotalPages:   s.totalPages,
			Elapsed:      s.clock.Now().Sub(start),
			Err:          err,
		})
	}()

	if err := s.config.Validate(); err != nil {
		return fmt.Errorf("bootflash: invalid config: %w", err)
	}
	// Reject unusable images before waiting on the device
	if len(firmware) == 0 || s.totalPages > MaxPages {
		return s.Transfer(ctx, firmware)
	}

	if _, err := s.Handshake(ctx); err != nil {
		s.logger.Error("session %s: %v", s.id, err)
		return err
	}

	if err := s.Transfer(ctx, firmware); err != nil {
		s.logger.Error("session %s: %v", s.id, err)
		return err
	}
	return nil
}

// ID returns the session identifier used in logs and results.
func (s *Session) ID() string {
	return s.id
}

// State returns the handshake state.
func (s *Session) State() HandshakeState {
	return s.state
}

// Device returns the bootloader identity, or nil before the handshake found one.
func (s *Session) Device() *DeviceInfo {
	return s.device
}

// Stats returns the reassembler counters for the session's channel.
func (s *Session) Stats() ReassemblerStats {
	return s.rx.Stats()
}

// emit stamps and delivers a protocol event.
func (s *Session) emit(ev Event) {
	ev.Timestamp = s.clock.Now()
	s.callbacks.OnEvent(ev)
}

// poll reads the next message and reports frames the reassembler dropped on the way.
func (s *Session) poll(phase Phase) (*Message, error) {
	before := s.rx.Stats().malformed()
	msg, err := s.rx.Poll(s.ch)
	if dropped := s.rx.Stats().malformed() - before; dropped > 0 {
		s.emit(Event{
			Type:  EventFrameDropped,
			Phase: phase,
			Page:  -1,
			Err:   NewError(ErrFrameDesync, phase, fmt.Sprintf("%d malformed frames dropped", dropped)),
		})
	}
	return msg, err
}

// send encodes and writes one message.
func (s *Session) send(msgType uint16, payload []byte) error {
	frame, err := EncodeFrame(msgType, payload)
	if err != nil {
		return err
	}
	s.logger.Debug("%s", FormatMessageLog("TX", Message{Type: msgType, Payload: payload}))
	return writeFull(s.ch, frame)
}

// cancelled wraps a context error.
func (s *Session) cancelled(phase Phase, start time.Time, err error) error {
	s.emit(Event{Type: EventCancelled, Phase: phase, Page: -1})
	e := NewError(ErrCancelled, phase, "run cancelled")
	e.Elapsed = s.clock.Now().Sub(start)
	e.Device = s.device
	e.Err = err
	return e
}

// channelError wraps a read or write failure.
func (s *Session) channelError(phase Phase, start time.Time, err error) error {
	msg := "link failed"
	if errors.Is(err, errChannelClosed) {
		msg = "link closed"
	}
	e := NewError(ErrChannel, phase, msg)
	e.Elapsed = s.clock.Now().Sub(start)
	e.Device = s.device
	e.Err = err
	return e
}

// pageError wraps a failure to deliver page.
func (s *Session) pageError(errType ErrorType, page int, start time.Time, err error) error {
	e := NewPageError(errType, fmt.Sprintf("%d of %d pages written", s.pagesWritten, s.totalPages), page)
	e.Elapsed = s.clock.Now().Sub(start)
	e.Device = s.device
	e.Err = err
	return e
}
