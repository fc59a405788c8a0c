package bootflashtest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/drunlade/go-bootflash/bootflash"
)

// DefaultInterval is the announcement spacing of a healthy bootloader
const DefaultInterval = 50 * time.Millisecond

// DefaultVersion is the version string announced by NewDevice
const DefaultVersion = "SIM-1.0.3"

// Device simulates the bootloader end of the link.
//
// Seen from the host, Device is a bootflash.Channel: Write delivers host
// frames to the device and Read returns whatever the device has emitted up to
// the clock's current time. Exported knobs must be set before the first Read
// or Write.
type Device struct {
	// UID and Version are announced in every device-info frame
	UID     [bootflash.DeviceUIDSize]byte
	Version string

	// Silent suppresses announcements entirely
	Silent bool

	// Gaps spaces the first announcements; Interval is used once it runs out
	Gaps     []time.Duration
	Interval time.Duration

	// ExtraAnnouncements is how many announcements follow the version ack
	ExtraAnnouncements int

	// NeverAck drops every program-page acknowledgement
	NeverAck bool

	// DropAcks withholds that many acknowledgements for a page
	DropAcks map[int]int

	// MismatchAcks answers that many times with the wrong page index
	MismatchAcks map[int]int

	// ErrorCodes makes every acknowledgement for a page carry a code
	ErrorCodes map[int]uint16

	// AckDelay postpones acknowledgements
	AckDelay time.Duration

	// ChunkSize caps the bytes returned per Read; zero means unlimited
	ChunkSize int

	// Noise is emitted before every frame
	Noise []byte

	clock bootflash.Clock
	rx    *bootflash.Reassembler

	mu            sync.Mutex
	started       bool
	nextAnnounce  time.Time
	gap           int
	acked         bool
	remaining     int
	announcements int
	scheduled     []scheduled
	out           []byte
	received      []bootflash.Message
	pageWrites    map[int]int
	image         []byte
	imageSize     int
	timestamp     uint32
	rebooted      bool
	closed        bool
}

type scheduled struct {
	at   time.Time
	data []byte
}

// NewDevice creates a healthy simulated bootloader driven by clock.
func NewDevice(clock bootflash.Clock) *Device {
	d := &Device{
		Version:            DefaultVersion,
		Interval:           DefaultInterval,
		ExtraAnnouncements: 6,
		DropAcks:           make(map[int]int),
		MismatchAcks:       make(map[int]int),
		ErrorCodes:         make(map[int]uint16),
		clock:              clock,
		rx:                 bootflash.NewReassembler(nil),
		pageWrites:         make(map[int]int),
	}
	for i := range d.UID {
		d.UID[i] = byte(0xA0 + i)
	}
	return d
}

// Read returns device output that is due by now.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, io.EOF
	}
	d.tick(d.clock.Now())

	n := len(d.out)
	if d.ChunkSize > 0 && n > d.ChunkSize {
		n = d.ChunkSize
	}
	n = copy(p, d.out[:n])
	d.out = d.out[n:]
	return n, nil
}

// Write delivers host bytes to the device.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, io.ErrClosedPipe
	}
	now := d.clock.Now()
	d.tick(now)

	d.rx.Feed(p)
	for {
		before := d.rx.Buffered()
		msg := d.rx.Next()
		if msg != nil {
			d.handle(now, *msg)
			continue
		}
		if d.rx.Buffered() == before {
			break
		}
	}
	return len(p), nil
}

// Close makes further reads report io.EOF.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Serve runs the device against a real link such as a serial port. It returns
// nil once the host has rebooted the device, or an error when ctx is done or
// either side of the link fails. Incoming bytes are polled every poll interval.
func (d *Device) Serve(ctx context.Context, link io.ReadWriter, poll time.Duration) error {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := link.Read(buf)
		if n > 0 {
			if _, werr := d.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		m, err := d.Read(buf)
		if err != nil {
			return fmt.Errorf("device: %w", err)
		}
		if m > 0 {
			if _, err := link.Write(buf[:m]); err != nil {
				return fmt.Errorf("write: %w", err)
			}
		}

		if d.Rebooted() {
			return nil
		}

		if n == 0 && m == 0 {
			if err := d.clock.Sleep(ctx, poll); err != nil {
				return err
			}
		}
	}
}

// Received returns every message the host sent, in order.
func (d *Device) Received() []bootflash.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bootflash.Message(nil), d.received...)
}

// ReceivedOfType returns the host messages of one type.
func (d *Device) ReceivedOfType(msgType uint16) []bootflash.Message {
	var msgs []bootflash.Message
	for _, m := range d.Received() {
		if m.Type == msgType {
			msgs = append(msgs, m)
		}
	}
	return msgs
}

// PageWrites returns how many times page was sent.
func (d *Device) PageWrites(page int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pageWrites[page]
}

// Image returns the programmed image trimmed to the pages written.
// A short last page keeps its zero padding.
func (d *Device) Image() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.image[:d.imageSize]...)
}

// Timestamp returns the timestamp carried by the last page record.
func (d *Device) Timestamp() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timestamp
}

// Announcements returns how many device-info frames have been emitted.
func (d *Device) Announcements() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.announcements
}

// VersionAcked reports whether the host acknowledged the version.
func (d *Device) VersionAcked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

// Rebooted reports whether the host sent the reboot message.
func (d *Device) Rebooted() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rebooted
}

// tick moves everything due by now into the output buffer.
func (d *Device) tick(now time.Time) {
	if !d.started {
		d.started = true
		d.nextAnnounce = now.Add(d.nextGap())
	}

	for d.announcing() && !now.Before(d.nextAnnounce) {
		d.emit(d.announcement())
		d.announcements++
		if d.acked {
			d.remaining--
		}
		d.nextAnnounce = d.nextAnnounce.Add(d.nextGap())
	}

	kept := d.scheduled[:0]
	for _, s := range d.scheduled {
		if now.Before(s.at) {
			kept = append(kept, s)
			continue
		}
		d.emit(s.data)
	}
	d.scheduled = kept
}

func (d *Device) announcing() bool {
	if d.Silent || d.rebooted {
		return false
	}
	return !d.acked || d.remaining > 0
}

func (d *Device) nextGap() time.Duration {
	if d.gap < len(d.Gaps) {
		g := d.Gaps[d.gap]
		d.gap++
		return g
	}
	if d.Interval > 0 {
		return d.Interval
	}
	return DefaultInterval
}

func (d *Device) announcement() []byte {
	payload := make([]byte, 0, bootflash.DeviceUIDSize+len(d.Version)+1)
	payload = append(payload, d.UID[:]...)
	payload = append(payload, d.Version...)
	payload = append(payload, 0)
	return mustEncode(bootflash.MsgDeviceInfo, payload)
}

func (d *Device) emit(frame []byte) {
	d.out = append(d.out, d.Noise...)
	d.out = append(d.out, frame...)
}

func (d *Device) handle(now time.Time, msg bootflash.Message) {
	d.received = append(d.received, msg)

	switch msg.Type {
	case bootflash.MsgBootloaderVersion:
		if !d.acked {
			d.acked = true
			d.remaining = d.ExtraAnnouncements
		}

	case bootflash.MsgProgramPage:
		page, err := bootflash.ParsePageRecord(msg.Payload)
		if err != nil {
			return
		}
		d.pageWrites[page.Index]++
		d.timestamp = page.Timestamp
		d.store(page)

		if d.NeverAck {
			return
		}
		if d.DropAcks[page.Index] > 0 {
			d.DropAcks[page.Index]--
			return
		}

		ackPage := uint16(page.Index)
		if d.MismatchAcks[page.Index] > 0 {
			d.MismatchAcks[page.Index]--
			ackPage++
		}
		ack := bootflash.BuildPageAck(0, ackPage, d.ErrorCodes[page.Index])
		d.scheduled = append(d.scheduled, scheduled{
			at:   now.Add(d.AckDelay),
			data: mustEncode(bootflash.MsgProgramPageResponse, ack),
		})
		if d.AckDelay <= 0 {
			d.tick(now)
		}

	case bootflash.MsgReboot:
		d.rebooted = true
	}
}

func (d *Device) store(page bootflash.Page) {
	end := (page.Index + 1) * bootflash.PageSize
	if end > len(d.image) {
		grown := make([]byte, end)
		copy(grown, d.image)
		d.image = grown
	}
	copy(d.image[page.Index*bootflash.PageSize:], page.Data)
	if end > d.imageSize {
		d.imageSize = end
	}
}

func mustEncode(msgType uint16, payload []byte) []byte {
	frame, err := bootflash.EncodeFrame(msgType, payload)
	if err != nil {
		panic(err)
	}
	return frame
}
