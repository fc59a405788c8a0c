package bootflashtest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/drunlade/go-bootflash/bootflash"
)

func readMessages(t *testing.T, d *Device, rx *bootflash.Reassembler) []bootflash.Message {
	t.Helper()
	var msgs []bootflash.Message
	for {
		msg, err := rx.Poll(d)
		if err != nil {
			t.Fatalf("Poll() error = %v", err)
		}
		if msg == nil {
			return msgs
		}
		msgs = append(msgs, *msg)
	}
}

func TestDeviceAnnouncesOnSchedule(t *testing.T) {
	clock := NewClock()
	d := NewDevice(clock)
	rx := bootflash.NewReassembler(nil)

	if msgs := readMessages(t, d, rx); len(msgs) != 0 {
		t.Fatalf("announced %d times before the first interval", len(msgs))
	}

	clock.Advance(DefaultInterval)
	msgs := readMessages(t, d, rx)
	if len(msgs) != 1 || msgs[0].Type != bootflash.MsgDeviceInfo {
		t.Fatalf("after one interval got %v", msgs)
	}
	info, err := bootflash.ParseDeviceInfo(msgs[0].Payload)
	if err != nil || info.Version != DefaultVersion || info.UID != d.UID {
		t.Errorf("announcement = %v, %v", info, err)
	}

	clock.Advance(3 * DefaultInterval)
	if msgs := readMessages(t, d, rx); len(msgs) != 3 {
		t.Errorf("after three intervals got %d announcements, want 3", len(msgs))
	}
}

func TestDeviceStopsAnnouncingAfterAck(t *testing.T) {
	clock := NewClock()
	d := NewDevice(clock)
	d.ExtraAnnouncements = 2
	rx := bootflash.NewReassembler(nil)
	readMessages(t, d, rx)

	ack, err := bootflash.EncodeFrame(bootflash.MsgBootloaderVersion, []byte("SIM-"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.Write(ack); err != nil {
		t.Fatal(err)
	}
	if !d.VersionAcked() {
		t.Fatal("version ack not recognized")
	}

	clock.Advance(time.Second)
	if msgs := readMessages(t, d, rx); len(msgs) != 2 {
		t.Errorf("got %d announcements after the ack, want 2", len(msgs))
	}
}

func TestDeviceAcksPages(t *testing.T) {
	clock := NewClock()
	d := NewDevice(clock)
	d.Silent = true
	d.DropAcks[0] = 1
	rx := bootflash.NewReassembler(nil)

	rec := bootflash.Page{Index: 0, Total: 1, Data: []byte{1, 2, 3}}.Record()
	frame, err := bootflash.EncodeFrame(bootflash.MsgProgramPage, rec)
	if err != nil {
		t.Fatal(err)
	}

	d.Write(frame)
	if msgs := readMessages(t, d, rx); len(msgs) != 0 {
		t.Fatalf("dropped ack was delivered: %v", msgs)
	}

	d.Write(frame)
	msgs := readMessages(t, d, rx)
	if len(msgs) != 1 || msgs[0].Type != bootflash.MsgProgramPageResponse {
		t.Fatalf("got %v, want one ack", msgs)
	}
	ack, err := bootflash.ParsePageAck(msgs[0].Payload)
	if err != nil || ack.Page != 0 || ack.ErrorCode != 0 {
		t.Errorf("ack = %+v, %v", ack, err)
	}
	if d.PageWrites(0) != 2 {
		t.Errorf("PageWrites(0) = %d, want 2", d.PageWrites(0))
	}
	if img := d.Image(); len(img) != bootflash.PageSize || img[2] != 3 {
		t.Errorf("Image() = %d bytes", len(img))
	}
}

// idleLink never has bytes pending and swallows writes.
type idleLink struct{}

func (idleLink) Read(p []byte) (int, error)  { return 0, nil }
func (idleLink) Write(p []byte) (int, error) { return len(p), nil }

func TestServeStopsWhenDeviceClosed(t *testing.T) {
	clock := NewClock()
	d := NewDevice(clock)
	d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.Serve(ctx, idleLink{}, time.Millisecond)
	if !errors.Is(err, io.EOF) {
		t.Errorf("Serve() error = %v, want io.EOF from the closed device", err)
	}
}
