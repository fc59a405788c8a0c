package bootflash

import (
	"strings"
	"testing"
	"time"
)

func TestAnnounceFilter(t *testing.T) {
	ms := time.Millisecond
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		gaps      []time.Duration
		wantReady bool
		accepted  int
	}{
		{
			name:      "first announcement only sets the reference",
			gaps:      nil,
			wantReady: false,
			accepted:  0,
		},
		{
			name:      "five steady gaps",
			gaps:      []time.Duration{50 * ms, 50 * ms, 50 * ms, 50 * ms, 50 * ms},
			wantReady: true,
			accepted:  5,
		},
		{
			name:      "four steady gaps are not enough",
			gaps:      []time.Duration{50 * ms, 50 * ms, 50 * ms, 50 * ms},
			wantReady: false,
			accepted:  4,
		},
		{
			name:      "window bounds are inclusive",
			gaps:      []time.Duration{5 * ms, time.Second, 5 * ms, time.Second, 5 * ms},
			wantReady: true,
			accepted:  5,
		},
		{
			name:      "burst resets the run",
			gaps:      []time.Duration{50 * ms, 50 * ms, 50 * ms, 50 * ms, 2 * ms, 50 * ms},
			wantReady: false,
			accepted:  1,
		},
		{
			name:      "stall resets the run",
			gaps:      []time.Duration{50 * ms, 50 * ms, 1001 * ms, 50 * ms},
			wantReady: false,
			accepted:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewAnnounceFilter(DefaultConfig())
			now := base
			if f.Observe(now) {
				t.Fatal("first announcement was accepted")
			}
			for _, g := range tt.gaps {
				now = now.Add(g)
				f.Observe(now)
			}
			if f.Ready() != tt.wantReady {
				t.Errorf("Ready() = %v, want %v", f.Ready(), tt.wantReady)
			}
			if f.Accepted() != tt.accepted {
				t.Errorf("Accepted() = %d, want %d", f.Accepted(), tt.accepted)
			}
		})
	}
}

func TestAnnounceFilterAlternatingNeverSyncs(t *testing.T) {
	f := NewAnnounceFilter(DefaultConfig())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f.Observe(now)

	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			now = now.Add(2 * time.Millisecond)
		} else {
			now = now.Add(50 * time.Millisecond)
		}
		f.Observe(now)
		if f.Ready() {
			t.Fatalf("Ready() after %d alternating announcements", i+1)
		}
	}
}

func TestAnnounceFilterReset(t *testing.T) {
	f := NewAnnounceFilter(DefaultConfig())
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		f.Observe(now)
		now = now.Add(50 * time.Millisecond)
	}
	if !f.Ready() {
		t.Fatal("Ready() = false after six steady announcements")
	}

	f.Reset()
	if f.Ready() || f.Accepted() != 0 {
		t.Errorf("after Reset() Ready() = %v, Accepted() = %d", f.Ready(), f.Accepted())
	}
	if f.Observe(now) {
		t.Error("first announcement after Reset() was accepted")
	}
	if f.Required != 5 {
		t.Errorf("Reset() lost settings: Required = %d", f.Required)
	}
}

func TestParseDeviceInfo(t *testing.T) {
	uid := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}

	tests := []struct {
		name        string
		payload     []byte
		wantVersion string
		wantErr     bool
	}{
		{
			name:        "terminated version",
			payload:     append(append(append([]byte{}, uid...), "DELTA-2.1"...), 0, 'x', 'y'),
			wantVersion: "DELTA-2.1",
		},
		{
			name:        "unterminated version runs to the end",
			payload:     append(append([]byte{}, uid...), "v7"...),
			wantVersion: "v7",
		},
		{
			name:        "uid only",
			payload:     uid,
			wantVersion: "",
		},
		{
			name:    "short",
			payload: uid[:15],
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := ParseDeviceInfo(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDeviceInfo() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if info.Version != tt.wantVersion {
				t.Errorf("Version = %q, want %q", info.Version, tt.wantVersion)
			}
			if info.UIDHex() != "000102030405060708090a0b0c0d0e0f" {
				t.Errorf("UIDHex() = %s", info.UIDHex())
			}
			if info.ShortID() != "00010203" {
				t.Errorf("ShortID() = %s", info.ShortID())
			}
		})
	}
}

func TestVersionAck(t *testing.T) {
	tests := []struct {
		version  string
		expected string
	}{
		{"DELTA-2.1", "DELT"},
		{"v1", "v1"},
		{"", ""},
		{"äöüß-9", "äöüß"},
	}

	for _, tt := range tests {
		if got := string(versionAck(tt.version)); got != tt.expected {
			t.Errorf("versionAck(%q) = %q, want %q", tt.version, got, tt.expected)
		}
	}
}

func TestHandshakeStateString(t *testing.T) {
	for _, s := range []HandshakeState{StateWaitingAnnounce, StateConfirming, StateSynchronized, StateTimedOut} {
		if s.String() == "unknown" || strings.Contains(s.String(), " ") {
			t.Errorf("HandshakeState(%d).String() = %q", int(s), s.String())
		}
	}
}
